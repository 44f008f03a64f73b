// Command server runs the recall memory service: an MCP server over stdio
// backed by a structured store and a vector index, with a sidecar HTTP
// listener for Prometheus metrics and health checks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/recall/internal/config"
	"github.com/blueberrycongee/recall/internal/embedding"
	mcpserver "github.com/blueberrycongee/recall/internal/mcp"
	"github.com/blueberrycongee/recall/internal/memory"
	"github.com/blueberrycongee/recall/internal/memory/inmem"
	"github.com/blueberrycongee/recall/internal/memory/postgres"
	redisstore "github.com/blueberrycongee/recall/internal/memory/redis"
	"github.com/blueberrycongee/recall/internal/observability"
	"github.com/blueberrycongee/recall/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, defaults apply without one)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultConfig()
	var manager *config.Manager

	// Stdout carries the MCP protocol, so logs go to stderr.
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stderr,
		JSONFormat: cfg.Logging.Format != "text",
	})

	if configPath != "" {
		var err error
		manager, err = config.NewManager(configPath, logger)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		defer func() { _ = manager.Close() }()
		cfg = manager.Get()

		logger = observability.NewLogger(observability.LoggerConfig{
			Level:      observability.ParseLevel(cfg.Logging.Level),
			Output:     os.Stderr,
			JSONFormat: cfg.Logging.Format != "text",
		})

		if err := manager.Watch(ctx); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	tracer, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	store, sessions, closeStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	embedder := buildEmbedder(cfg)

	index, err := buildVectorIndex(ctx, cfg)
	if err != nil {
		return err
	}

	engine := memory.NewEngine(store, sessions, embedder, index, logger)

	if cfg.Reconcile.Enabled {
		go engine.RunReconciler(ctx, cfg.Reconcile.Interval, cfg.Reconcile.Batch)
	}

	sidecar := startSidecar(cfg, store, index, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sidecar.Shutdown(shutdownCtx)
	}()

	logger.Info("starting MCP server",
		"storage", cfg.Storage.Driver,
		"sessions", cfg.Sessions.Driver,
		"embedding", cfg.Embedding.Provider,
		"vector", cfg.Vector.Driver,
	)

	srv := mcpserver.NewServer(engine, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpserver.ServeStdio(srv)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	}
}

func buildStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (memory.Store, memory.SessionStore, func(), error) {
	var (
		store      memory.Store
		sessions   memory.SessionStore
		closeFuncs []func()
	)

	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.NewStore(&postgres.Config{
			Host:         cfg.Storage.Postgres.Host,
			Port:         cfg.Storage.Postgres.Port,
			User:         cfg.Storage.Postgres.User,
			Password:     cfg.Storage.Postgres.Password,
			Database:     cfg.Storage.Postgres.Database,
			SSLMode:      cfg.Storage.Postgres.SSLMode,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Storage.Postgres.MaxIdleConns,
			ConnLifetime: cfg.Storage.Postgres.ConnLifetime,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		closeFuncs = append(closeFuncs, func() { _ = pg.Close() })
		store = pg
		sessions = pg
	default:
		mem := inmem.NewStore()
		store = mem
		sessions = mem
		logger.Warn("using in-memory storage, data is lost on restart")
	}

	if cfg.Sessions.Driver == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Sessions.Redis.Addr,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
		})
		rs := redisstore.NewSessionStore(client)
		if err := rs.Ping(ctx); err != nil {
			for _, fn := range closeFuncs {
				fn()
			}
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closeFuncs = append(closeFuncs, func() { _ = client.Close() })
		sessions = rs
	}

	closeAll := func() {
		for _, fn := range closeFuncs {
			fn()
		}
	}
	return store, sessions, closeAll, nil
}

func buildEmbedder(cfg *config.Config) memory.Embedder {
	if cfg.Embedding.Provider != "openai" {
		return inmem.NewHashEmbedder(cfg.Embedding.Dimension)
	}

	openai, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
		APIKey:    cfg.Embedding.APIKey,
		APIBase:   cfg.Embedding.APIBase,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		// Validate() guarantees the key is present, so this only trips on
		// programmer error.
		panic(err)
	}

	var embedder memory.Embedder = openai
	embedder = embedding.NewLimitedEmbedder(embedder, cfg.Embedding.RateRPS, cfg.Embedding.RateBurst)
	embedder = embedding.NewCachedEmbedder(embedder, cfg.Embedding.CacheTTL)
	return embedder
}

func buildVectorIndex(ctx context.Context, cfg *config.Config) (memory.VectorIndex, error) {
	if cfg.Vector.Driver != "qdrant" {
		return inmem.NewVectorIndex(), nil
	}

	qdrant, err := vectorindex.NewQdrant(vectorindex.Config{
		Address:    cfg.Vector.Address,
		APIKey:     cfg.Vector.APIKey,
		Collection: cfg.Vector.Collection,
		Dimension:  cfg.Embedding.Dimension,
		Timeout:    cfg.Vector.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	if err := qdrant.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qdrant, nil
}

// startSidecar serves /metrics and /healthz on a separate port. Failures to
// bind are logged but do not take down the MCP transport.
func startSidecar(cfg *config.Config, store memory.Store, index memory.VectorIndex, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			http.Error(w, "storage unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := index.Ping(ctx); err != nil {
			http.Error(w, "vector index unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("sidecar listener failed", "error", err)
		}
	}()
	return srv
}
