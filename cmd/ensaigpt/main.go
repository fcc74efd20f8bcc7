package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	"gopkg.in/natefinch/lumberjack.v2"

	"ensaigpt/internal/account"
	"ensaigpt/internal/cli"
	"ensaigpt/internal/config"
	"ensaigpt/internal/conversation"
	"ensaigpt/internal/crypto"
	"ensaigpt/internal/llm"
	"ensaigpt/internal/metrics"
	"ensaigpt/internal/ratelimit"
	"ensaigpt/internal/stats"
	"ensaigpt/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	closeLog := setupLogger(cfg.Log.Level, cfg.Log.File)
	defer closeLog()
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("llm_url", cfg.LLM.BaseURL).
		Bool("rate_limit", cfg.Redis.Addr != "").
		Bool("sealed_exports", cfg.Export.Key != nil).
		Msg("starting ensaigpt")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize storage")
		fmt.Fprintln(os.Stderr, "Impossible d'ouvrir la base de données.")
		return 1
	}
	defer store.Close()

	limiter, closeRedis := setupLimiter(ctx, cfg)
	defer closeRedis()

	var sealer *crypto.Sealer
	if cfg.Export.Key != nil {
		sealer, err = crypto.NewSealer(cfg.Export.KeyID, map[string][]byte{cfg.Export.KeyID: cfg.Export.Key})
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize export sealer")
			return 1
		}
	}

	m := metrics.Global()
	httpServer := startMetricsServer(cfg.Metrics.Addr)

	gateway := llm.New(llm.Config{
		BaseURL:          cfg.LLM.BaseURL,
		Timeout:          cfg.LLM.Timeout,
		MaxRetries:       cfg.LLM.MaxRetries,
		BackoffBase:      cfg.LLM.BackoffBase,
		DefaultMaxTokens: cfg.LLM.MaxTokens,
		Logger:           log.Logger.With().Str("component", "llm").Logger(),
	})
	conversations := conversation.New(conversation.Config{
		Store:   store,
		LLM:     gateway,
		Limiter: limiter,
		Sealer:  sealer,
		Params: llm.Params{
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		Logger:  log.Logger.With().Str("component", "conversation").Logger(),
		Metrics: m,
	})
	accounts := account.New(account.Config{
		Store:  store,
		Logger: log.Logger.With().Str("component", "account").Logger(),
	})
	app := cli.New(cli.Config{
		In:            os.Stdin,
		Out:           os.Stdout,
		Accounts:      accounts,
		Conversations: conversations,
		Stats:         stats.NewAggregator(store, nil),
		ExportDir:     cfg.Export.Dir,
		MaxFailures:   cfg.CLI.MaxFailures,
		Logger:        log.Logger.With().Str("component", "cli").Logger(),
		Metrics:       m,
	})

	code := 0
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("cli stopped")
			fmt.Fprintln(os.Stderr, "Trop d'erreurs consécutives, arrêt.")
			code = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
	return code
}

// setupLimiter returns nil when Redis is not configured or unreachable, which
// turns the hourly cap off.
func setupLimiter(ctx context.Context, cfg *config.Config) (*ratelimit.Limiter, func()) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, rate limiting disabled")
		_ = rdb.Close()
		return nil, func() {}
	}
	return ratelimit.New(rdb, cfg.Rate.PerHour), func() { _ = rdb.Close() }
}

func startMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

// setupLogger keeps logs off the terminal unless file is "-", since stdout
// belongs to the menus.
func setupLogger(level, file string) func() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if file != "" && file != "-" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		w = lj
		closeFn = func() { _ = lj.Close() }
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return closeFn
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
