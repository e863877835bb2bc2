package main

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"autopilot/internal/config"
	"autopilot/internal/domain/task"
	"autopilot/internal/infra/offline"
	filestore "autopilot/internal/infra/taskstore/file"
	"autopilot/internal/infra/taskstore/postgres"
	"autopilot/internal/shared/logging"
)

// backend is an opened task store plus its cleanup.
type backend struct {
	store task.Store
	close func()
}

func openStore(ctx context.Context, cfg config.Config) (*backend, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "file":
		s, err := filestore.New(cfg.Store.Path, filestore.WithLogger(logging.NewComponentLogger("FileTaskStore")))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return &backend{store: s, close: func() {}}, nil
	case "postgres":
		pool, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s, err := postgres.New(pool, logging.NewComponentLogger("PostgresTaskStore"))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.Store.EnsureSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &backend{store: s, close: pool.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openQueue(cfg config.Config) (*offline.Queue, error) {
	opts := []offline.QueueOption{offline.WithLogger(logging.NewComponentLogger("OfflineQueue"))}
	if cfg.Queue.ReplayRPS > 0 {
		opts = append(opts, offline.WithReplayLimiter(rate.NewLimiter(rate.Limit(cfg.Queue.ReplayRPS), 1)))
	}
	return offline.NewQueue(cfg.OfflineQueue(), opts...)
}

// lister returns the store's listing capability, if any.
func lister(s task.Store) (task.Lister, error) {
	l, ok := s.(task.Lister)
	if !ok {
		return nil, fmt.Errorf("task store %T cannot list tasks", s)
	}
	return l, nil
}
