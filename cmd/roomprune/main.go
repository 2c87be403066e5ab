package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tablecast/relay/internal/rooms"
)

const defaultRetention = 30 * 24 * time.Hour

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL URL (or set DATABASE_URL env)")
		retention   = flag.Duration("retention", defaultRetention, "Delete rooms inactive for longer than this")
		dryRun      = flag.Bool("dry-run", false, "Dry run mode (report stale rooms, delete nothing)")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Database URL required (--database or DATABASE_URL env)")
	}
	if *retention <= 0 {
		log.Fatalf("Retention must be positive, got %s", *retention)
	}

	// Configure logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	if err := pruneRooms(ctx, rooms.NewRepository(pool), *retention, *dryRun); err != nil {
		log.Fatalf("Prune failed: %v", err)
	}

	slog.Info("Prune complete")
}

func pruneRooms(ctx context.Context, repo *rooms.Repository, retention time.Duration, dryRun bool) error {
	start := time.Now()

	slog.Info("Starting prune", "retention", retention, "dry_run", dryRun)

	stale, err := repo.Stale(ctx, retention)
	if err != nil {
		return err
	}

	for _, room := range stale {
		slog.Debug("Stale room",
			"room_id", room.ID.String(),
			"guild_id", room.GuildID,
			"name", room.Name,
			"last_active_at", room.LastActiveAt.Format(time.RFC3339))
	}

	var pruned int64
	if !dryRun {
		pruned, err = repo.Prune(ctx, retention)
		if err != nil {
			return err
		}
	}

	slog.Info("Prune summary",
		"stale", len(stale),
		"pruned", pruned,
		"dry_run", dryRun,
		"duration_ms", time.Since(start).Milliseconds())

	// Rooms touched between the stale listing and the delete stay put, so
	// pruned can come in under the listing.
	if !dryRun && pruned != int64(len(stale)) {
		slog.Warn("Prune count mismatch", "expected", len(stale), "actual", pruned)
	}

	return nil
}

func sanitizeURL(url string) string {
	// Hide password in database URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":***@" + parts[1]
			}
		}
	}
	return url
}
