// Package store provides storage backend initialization for the relay.
//
// Backends:
//
//   - memory: in-process store, the default. Data is lost on restart and
//     only one relay instance can use it.
//   - redis: shared store with pub/sub change notification.
//   - nats: JetStream key-value buckets with watchers.
//
// Initialization is fail-fast: an unreachable backend exits the process
// instead of leaving the relay running without storage.
package store

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/HatiCode/kilnpilot/cmd/relay/config"
	"github.com/HatiCode/kilnpilot/pkg/storage"
)

const pingTimeout = 5 * time.Second

// New creates the backend named by cfg.Storage and verifies it answers a
// ping. It calls os.Exit(1) on failure and never returns nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) storage.Store {
	s, err := Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	return s
}

// Open is New without the exit, for callers that handle the error.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		s   storage.Store
		err error
	)
	switch cfg.Storage {
	case "redis":
		logger.Info("initializing redis storage",
			"addr", cfg.RedisAddr,
			"db", cfg.RedisDB,
			"prefix", cfg.RedisPrefix,
		)
		s, err = storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "nats":
		logger.Info("initializing nats storage", "url", cfg.NATSURL)
		s, err = storage.NewNATSStore(ctx, cfg.NATSURL)
	case "memory", "":
		logger.Info("initializing in-memory storage")
		return storage.NewMemoryStore(), nil
	default:
		return nil, &UnknownBackendError{Name: cfg.Storage}
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("storage initialized successfully", "storage", cfg.Storage)
	return s, nil
}

type UnknownBackendError struct {
	Name string
}

func (e *UnknownBackendError) Error() string {
	return "unknown storage backend " + e.Name
}
