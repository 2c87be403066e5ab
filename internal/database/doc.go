// Package database owns the PostgreSQL connection pool and schema
// migrations for the room registry. Migrations are embedded and run under a
// session advisory lock so concurrent deploy jobs cannot race the schema.
package database
