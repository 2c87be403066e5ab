package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/tablecast/relay/internal/broadcast"
	"github.com/tablecast/relay/internal/config"
	"github.com/tablecast/relay/internal/database"
	"github.com/tablecast/relay/internal/dispatch"
	"github.com/tablecast/relay/internal/gateway"
	"github.com/tablecast/relay/internal/identity"
	"github.com/tablecast/relay/internal/logging"
	"github.com/tablecast/relay/internal/metrics"
	"github.com/tablecast/relay/internal/redis"
	"github.com/tablecast/relay/internal/relay"
	"github.com/tablecast/relay/internal/rooms"
	"github.com/tablecast/relay/internal/server"
	"github.com/tablecast/relay/internal/version"
)

const (
	storeEvictionInterval = 1 * time.Minute
	activityTouchTimeout  = 5 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

// setupStore selects the token store backend. The returned cleanup stops the
// memory store's eviction timer or closes the redis client.
func setupStore(cfg *config.Config, clock clockwork.Clock) (identity.Store, func()) {
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		return identity.NewRedisStore(client), func() { _ = client.Close() }

	default:
		store := identity.NewMemoryStore(clock)
		stopEviction := store.StartEvictionTimer(storeEvictionInterval)
		return store, stopEviction
	}
}

// activityListener marks a room active whenever one of its events flows
// through the router. The write happens off the gateway goroutine.
func activityListener(repo *rooms.Repository) relay.Listener {
	return relay.ListenerFunc(func(_ context.Context, _, guildID string, _ json.RawMessage) error {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), activityTouchTimeout)
			defer cancel()
			if err := repo.Touch(ctx, guildID); err != nil {
				slog.Warn("Failed to record room activity", "guild_id", guildID, "error", err)
			}
		}()
		return nil
	})
}

func healthChecks(pool *pgxpool.Pool, store identity.Store, gw *gateway.Client) []server.HealthCheck {
	return []server.HealthCheck{
		{
			Name:  "postgres",
			Check: pool.Ping,
		},
		{
			Name: "identity_store",
			Check: func(ctx context.Context) error {
				_, _, err := store.Get(ctx, "health-probe")
				return err
			},
		},
		{
			Name: "gateway",
			Check: func(context.Context) error {
				if state := gw.State(); state != gateway.StateConnected {
					return errors.New("gateway not connected: " + string(state))
				}
				return nil
			},
		},
	}
}

func runGracefulShutdown(
	cfg *config.Config,
	srv *server.Server,
	gw *gateway.Client,
	queue *dispatch.Queue,
	broadcaster *broadcast.Broadcaster,
	cancelBackground context.CancelFunc,
) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Upstream first so nothing new flows in, then the queue, then the
		// subscriber fan-out.
		gw.Close()
		queue.Stop()
		broadcaster.Stop()
		cancelBackground()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)

	pool := setupDB(cfg)
	defer pool.Close()

	store, cleanupStore := setupStore(cfg, clock)
	defer cleanupStore()
	resolver := identity.NewResolver(store)

	// Background context for the room cache refresh loop.
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	repo := rooms.NewRepository(pool)
	cache := rooms.NewCache(repo, clock)
	if err := cache.Refresh(backgroundCtx); err != nil {
		slog.Error("Failed to load room cache", "error", err)
		os.Exit(1)
	}
	go cache.Run(backgroundCtx, cfg.RoomCacheRefresh)

	broadcaster := broadcast.NewBroadcaster(clock)

	router := relay.NewRouter(cache)
	gw := gateway.NewClient(gateway.Config{
		URL:     cfg.GatewayURL,
		Token:   cfg.GatewayToken,
		Intents: cfg.GatewayIntents,
	}, gateway.NewWebsocketTransport(), router, clock)

	sender := relay.NewCommandSender(gw)
	queue := dispatch.NewQueue(sender.Dispatch, dispatch.Options{
		MaxSize:     cfg.QueueMaxSize,
		BaseBackoff: cfg.QueueBaseBackoff,
		MaxBackoff:  cfg.QueueMaxBackoff,
		JitterRatio: cfg.QueueJitterRatio,
	}, clock)

	router.AddListener(relay.NewBroadcastListener(broadcaster))
	router.AddListener(activityListener(repo))
	router.AddStateListener(relay.MarkReadyOnConnected(queue))

	gw.Connect()

	srv := server.NewServer(cfg, resolver, broadcaster, queue, repo, cache, healthChecks(pool, store, gw))

	done := runGracefulShutdown(cfg, srv, gw, queue, broadcaster, cancelBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
