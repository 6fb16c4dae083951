// Command tenant-authd serves the authentication engine over HTTP.
//
// Configuration comes from the environment, optionally seeded from a .env
// file. Engine settings use the names parsed by
// [tenantAuth.LoadConfigFromEnv]; the daemon adds:
//
//	HTTP_ADDR        listen address (default :8080)
//	REDIS_ADDR       Redis address (default localhost:6379)
//	REDIS_PASSWORD   Redis password
//	REDIS_DB         Redis database number
//	DATABASE_DSN     optional PostgreSQL DSN for users and devices
//	LOG_LEVEL        debug, info, warn or error
//	LOG_DEV          human-readable logs
//	LOG_FILE         also write JSON logs to this rotated file
//	LOG_ROTATE_EVERY rotation period (default 24h)
//	LOG_MAX_AGE      how long rotated files are kept (default 168h)
//
// Besides the API it serves /metrics in the Prometheus text format and
// /healthz, and runs the retention sweep every RETENTION_INTERVAL.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	tenantAuth "github.com/MrEthical07/tenantAuth"
	"github.com/MrEthical07/tenantAuth/internal/logger"
	"github.com/MrEthical07/tenantAuth/internal/notify"
	"github.com/MrEthical07/tenantAuth/metrics/export/prometheus"
	"github.com/MrEthical07/tenantAuth/store/postgres"
)

type daemonConfig struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	DatabaseDSN   string `env:"DATABASE_DSN"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogDev        bool   `env:"LOG_DEV" envDefault:"false"`

	LogFile        string        `env:"LOG_FILE"`
	LogRotateEvery time.Duration `env:"LOG_ROTATE_EVERY" envDefault:"24h"`
	LogMaxAge      time.Duration `env:"LOG_MAX_AGE" envDefault:"168h"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenant-authd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	var dc daemonConfig
	if err := env.Parse(&dc); err != nil {
		return fmt.Errorf("parse daemon config: %w", err)
	}
	cfg, err := tenantAuth.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	log, err := logger.Init(logger.Config{
		Level:       dc.LogLevel,
		Dev:         dc.LogDev,
		File:        dc.LogFile,
		RotateEvery: dc.LogRotateEvery,
		MaxAge:      dc.LogMaxAge,
		Service:     "tenant-authd",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     dc.RedisAddr,
		Password: dc.RedisPassword,
		DB:       dc.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	builder := tenantAuth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLogger(log.Named("engine")).
		WithNotifier(notify.NewLogSender(log))

	if dc.DatabaseDSN != "" {
		conn, err := postgres.Open(ctx, dc.DatabaseDSN)
		if err != nil {
			return err
		}
		defer conn.Close()
		builder = builder.
			WithUsers(postgres.NewUsers(conn, nil)).
			WithDevices(postgres.NewDevices(conn, nil))
		log.Info("identity store: postgres")
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	mux := http.NewServeMux()
	newServer(engine, log.Named("http")).routes(mux)
	mux.Handle("GET /metrics", prometheus.NewPrometheusExporter(engine).Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := engine.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              dc.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go runRetention(ctx, engine, cfg.Retention.Interval, log.Named("retention"))

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", dc.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runRetention sweeps on every tick until ctx ends. A zero interval
// disables the loop.
func runRetention(ctx context.Context, engine *tenantAuth.Engine, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		log.Info("retention sweep disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := engine.RunRetention(ctx)
			if err != nil {
				log.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			log.Info("retention sweep",
				zap.Int("sessions", report.Sessions),
				zap.Int("verifications", report.Verifications),
				zap.Int("users", report.Users),
			)
		}
	}
}
