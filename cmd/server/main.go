package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/studentconnect/relay/internal/notify"
	"github.com/studentconnect/relay/internal/server"
	"github.com/studentconnect/relay/internal/store"
	"github.com/studentconnect/relay/internal/store/redisstore"
	"github.com/studentconnect/relay/internal/store/sqlitestore"
	"github.com/studentconnect/relay/pkg/logutils"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	LogLevel  string
	LogFormat string
	LogFile   string
	Port      string
	Origins  string
	Store    string
	DataDir  string
	RedisURL string
}

func main() {
	server.LoadDotenv("")

	f := &flags{}

	cmd := &cli.Command{
		Name:  "relay",
		Usage: "Real-time group chat and notification relay for StudentConnect",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log output format (json, console)",
				Sources:     cli.EnvVars("LOG_FORMAT"),
				Value:       "json",
				Destination: &f.LogFormat,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to stderr)",
				Sources:     cli.EnvVars("LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "port",
				Usage:       "listen address, e.g. :8080",
				Sources:     cli.EnvVars("SERVER_PORT"),
				Destination: &f.Port,
			},
			&cli.StringFlag{
				Name:        "allowed-origins",
				Usage:       "comma-separated WebSocket origin allow-list",
				Sources:     cli.EnvVars("ALLOWED_ORIGINS"),
				Destination: &f.Origins,
			},
			&cli.StringFlag{
				Name:        "store",
				Usage:       "message store backend (memory, sqlite, redis)",
				Sources:     cli.EnvVars("STORE_BACKEND"),
				Destination: &f.Store,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "data directory for the sqlite store",
				Sources:     cli.EnvVars("DATA_DIR"),
				Destination: &f.DataDir,
			},
			&cli.StringFlag{
				Name:        "redis-url",
				Usage:       "redis URL for the redis store",
				Sources:     cli.EnvVars("REDIS_URL"),
				Destination: &f.RedisURL,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, f)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("relay exited with error")
	}
}

func run(ctx context.Context, f *flags) error {
	logger, logCloser, err := setupLogger(f)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logCloser()
	log.Logger = logger

	cfg := buildConfig(f)
	server.SetConfig(cfg)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	defer func() { _ = st.Close() }()

	router := notify.NewRouter(logger)
	hub := server.NewHub(st, router, logger)
	go hub.Run()

	api := server.NewAPI(hub, st, router, logger)
	defer api.Close()

	httpServer := server.CreateServer(cfg.Port, api.SetupRoutes())

	errCh := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-signalCtx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("hub shutdown incomplete")
	}
	return nil
}

// setupLogger builds the process logger: JSON to a file or stderr by
// default, or human-readable console output for foreground runs.
func setupLogger(f *flags) (zerolog.Logger, func(), error) {
	if strings.EqualFold(f.LogFormat, "console") {
		logger, err := logutils.NewConsole(f.LogLevel)
		return logger, func() {}, err
	}
	return logutils.New(f.LogLevel, f.LogFile)
}

// buildConfig starts from the environment-derived configuration and lets
// explicit flags override it.
func buildConfig(f *flags) *server.Config {
	cfg := server.NewConfigFromEnv()

	if f.Port != "" {
		cfg.Port = f.Port
	}
	if f.Origins != "" {
		parts := strings.Split(f.Origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.AllowedOrigins = parts
	}
	if f.Store != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(f.Store))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.RedisURL != "" {
		cfg.RedisURL = f.RedisURL
	}
	return cfg
}

func openStore(ctx context.Context, cfg *server.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case server.StoreMemory:
		return store.NewMemStore(), nil
	case server.StoreRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("redis store selected but no redis URL configured")
		}
		return redisstore.Open(ctx, cfg.RedisURL)
	case server.StoreSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return sqlitestore.Open(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
