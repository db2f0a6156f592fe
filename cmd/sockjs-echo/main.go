// Command sockjs-echo serves a SockJS echo endpoint: every message a client
// sends is sent straight back to it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cyberinferno/go-sockjs/config"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/metrics"
	"github.com/cyberinferno/go-sockjs/server"
	"github.com/cyberinferno/go-sockjs/session"
	"github.com/cyberinferno/go-sockjs/tombstone"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}

	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newTombstoneStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg := session.NewRegistry(session.RegistryConfig{
		Application: echo(log),
		Tombstones:  store,
		Logger:      log,
		Metrics:     metrics.New(promReg),
	})

	srv := server.New(cfg, server.Deps{Registry: reg, Logger: log, Gatherer: promReg})
	return srv.Run(ctx, shutdownTimeout)
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		return logger.NewFileLogger(cfg.ServiceName, cfg.LogDir, level)
	}

	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return logger.NewZerologLogger(zl, cfg.ServiceName, level), nil
}

// newTombstoneStore returns the Redis store when RedisAddr is set, otherwise
// an in-memory one. The returned func releases the store's resources.
func newTombstoneStore(ctx context.Context, cfg config.Config, log logger.Logger) (tombstone.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return tombstone.NewMemoryStore(cfg.TombstoneTTL, cfg.TombstoneTTL), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	log.Info("using redis tombstones", logger.Field{Key: "addr", Value: cfg.RedisAddr})
	return tombstone.NewRedisStore(client, tombstone.DefaultKeyPrefix, cfg.TombstoneTTL), func() { _ = client.Close() }, nil
}

func echo(log logger.Logger) session.Application {
	return session.Callbacks{
		Open: func(s *session.Session) {
			log.Debug("echo session opened", logger.Field{Key: "session_id", Value: s.ID()})
		},
		Message: func(s *session.Session, msg string) {
			if err := s.Send(msg); err != nil {
				log.Debug("echo failed", logger.Field{Key: "session_id", Value: s.ID()}, logger.Field{Key: "error", Value: err.Error()})
			}
		},
		Close: func(s *session.Session) {
			code, reason, _ := s.CloseInfo()
			log.Debug("echo session closed", logger.Field{Key: "session_id", Value: s.ID()}, logger.Field{Key: "code", Value: code}, logger.Field{Key: "reason", Value: reason})
		},
	}
}
