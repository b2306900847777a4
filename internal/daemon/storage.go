package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/creditgate/internal/config"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
	fsstorage "github.com/mihaimyh/creditgate/storage/firestore"
	"github.com/mihaimyh/creditgate/storage/memory"
	"github.com/mihaimyh/creditgate/storage/postgres"
	redisstorage "github.com/mihaimyh/creditgate/storage/redis"
	"github.com/mihaimyh/creditgate/storage/sqlite"
	"github.com/mihaimyh/creditgate/storage/tiered"
)

// Storage is an opened backend plus the func that releases it.
type Storage struct {
	creditgate.Storage
	closers []func() error
}

// Close releases every resource the backend opened, last opened first.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenStorage connects the configured backend.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger creditgate.Logger) (*Storage, error) {
	s := &Storage{}
	backend, err := s.open(ctx, cfg, cfg.Driver, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Storage = backend
	return s, nil
}

func (s *Storage) open(ctx context.Context, cfg config.StorageConfig, driver string, logger creditgate.Logger) (creditgate.Storage, error) {
	recordTTL := time.Duration(cfg.RecordTTLHours) * time.Hour

	switch driver {
	case "memory":
		return memory.New(), nil

	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st, err := redisstorage.New(client, redisstorage.Config{KeyPrefix: cfg.Redis.KeyPrefix, RecordTTL: recordTTL})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis storage: %w", err)
		}
		s.closers = append(s.closers, st.Close)
		if err := st.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis storage: %w", err)
		}
		return st, nil

	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		pgCfg.MaxConns = cfg.Postgres.MaxConns
		pgCfg.AutoMigrate = !cfg.Postgres.SkipMigrate
		pgCfg.RecordTTL = recordTTL
		pgCfg.Logger = logger
		st, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres storage: %w", err)
		}
		s.closers = append(s.closers, func() error { st.Close(); return nil })
		return st, nil

	case "sqlite":
		st, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, RecordTTL: recordTTL})
		if err != nil {
			return nil, fmt.Errorf("sqlite storage: %w", err)
		}
		s.closers = append(s.closers, st.Close)
		return st, nil

	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		prefix := cfg.Firestore.CollectionPrefix
		st, err := fsstorage.New(client, fsstorage.Config{
			AccountsCollection:     prefix + "accounts",
			ConsumptionsCollection: prefix + "consumptions",
			BudgetCollection:       prefix + "budget",
		})
		if err != nil {
			return nil, fmt.Errorf("firestore storage: %w", err)
		}
		return st, nil

	case "tiered":
		hot, err := s.open(ctx, cfg, cfg.Tiered.Hot, logger)
		if err != nil {
			return nil, err
		}
		cold, err := s.open(ctx, cfg, cfg.Tiered.Cold, logger)
		if err != nil {
			return nil, err
		}
		st, err := tiered.New(tiered.Config{
			Hot:       hot,
			Cold:      cold,
			AsyncSync: cfg.Tiered.AsyncSync,
			AsyncErrorHandler: func(err error) {
				logger.Error("cold storage sync failed", creditgate.Field{Key: "error", Value: err})
			},
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		return st, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
