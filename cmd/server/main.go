package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aichatd/internal/config"
	"aichatd/internal/httpapi"
	"aichatd/internal/metrics"
	"aichatd/internal/providers"
	"aichatd/internal/providers/registry"
	"aichatd/internal/queue"
	"aichatd/internal/session"
	"aichatd/internal/storage"
	"aichatd/internal/usage"
	"aichatd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Dur("turn_timeout", cfg.Turn.Timeout).
		Msg("starting aichatd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	ledger := usage.NewLedger(store, rdb, log.Logger)
	reconcileQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	providerHTTP := &http.Client{Timeout: cfg.Providers.ClientTimeout}
	buildProvider := func(kind string) (providers.Provider, error) {
		return registry.Build(registry.BuildOptions{
			Kind: kind,
			Keys: registry.Keys{
				Anthropic: cfg.Providers.AnthropicAPIKey,
				OpenAI:    cfg.Providers.OpenAIAPIKey,
				Google:    cfg.Providers.GoogleAPIKey,
			},
			BaseURLs: map[string]string{
				registry.KindClaude: cfg.Providers.AnthropicBaseURL,
				registry.KindOpenAI: cfg.Providers.OpenAIBaseURL,
				registry.KindGemini: cfg.Providers.GeminiBaseURL,
			},
			HTTPClient: providerHTTP,
		})
	}

	orch := session.New(session.Config{
		Store:         store,
		Ledger:        ledger,
		Reconciler:    reconcileQueue,
		BuildProvider: buildProvider,
		Logger:        log.Logger,
		Metrics:       m,
		TurnTimeout:   cfg.Turn.Timeout,
	})

	var auth httpapi.Authenticator
	if cfg.Auth.DevMode {
		log.Warn().Msg("auth dev mode enabled, tokens are trusted as user ids")
		auth = httpapi.DevAuthenticator{}
	} else {
		auth = httpapi.NewHMACAuthenticator(cfg.Auth.Secret)
	}

	service := httpapi.NewService(httpapi.Config{
		Store:  store,
		Ledger: ledger,
		Orch:   orch,
		Auth:   auth,
		Logger: log.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	service.Register(mux)

	// No WriteTimeout: chat responses are long-lived event streams and
	// the per-turn deadline is enforced by the orchestrator.
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	w := worker.New(worker.Config{
		Store:         store,
		Ledger:        ledger,
		Queue:         reconcileQueue,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       m,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("reconcile worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("reconcile worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
