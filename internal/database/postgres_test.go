package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQueryName(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"select", "SELECT * FROM rooms", "SELECT"},
		{"insert", "INSERT INTO rooms VALUES ($1)", "INSERT"},
		{"newline separator", "UPDATE\nrooms SET name = $1", "UPDATE"},
		{"empty", "", "unknown"},
		{"single word", "BEGIN", "BEGIN"},
		{"long single token", "averyveryverylongsqltokenwithoutspaces", "averyveryverylongsql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractQueryName(tt.sql))
		})
	}
}

func TestExtractSSLMode(t *testing.T) {
	assert.Equal(t, "require", extractSSLMode("postgres://u:p@host/db?sslmode=require"))
	assert.Equal(t, "prefer (default)", extractSSLMode("postgres://u:p@host/db"))
	assert.Equal(t, "disable", extractSSLMode("postgres://u:p@host/db?sslmode=DISABLE"))
}
