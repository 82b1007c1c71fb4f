package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/reviewflow/internal/config"
	"github.com/petrijr/reviewflow/internal/persistence"
)

// backend is an opened store plus whatever must be torn down with it.
type backend struct {
	persistence persistence.Persistence
	close       func(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &backend{
			persistence: persistence.NewInMemoryStore().Persistence(),
			close:       func(context.Context) error { return nil },
		}, nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		p, err := store.Persistence()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{persistence: p, close: func(context.Context) error { return db.Close() }}, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		stop, err := maintainPartitions(ctx, store, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			persistence: store.Persistence(),
			close: func(context.Context) error {
				stop()
				return db.Close()
			},
		}, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.DSN})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		store := persistence.NewRedisStore(client, cfg.Prefix)
		return &backend{persistence: store.Persistence(), close: func(context.Context) error { return client.Close() }}, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		store, err := persistence.NewMongoStore(ctx, client, cfg.Database)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return &backend{persistence: store.Persistence(), close: client.Disconnect}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// maintainPartitions creates the audit partitions for this month and the
// next, then keeps creating next month's partition daily.
func maintainPartitions(ctx context.Context, store *persistence.PostgresStore, logger *slog.Logger) (stop func(), err error) {
	ensure := func(ctx context.Context) error {
		now := time.Now().UTC()
		for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
			if err := store.EnsureAuditPartition(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}
	if err := ensure(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit partitions: %w", err)
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := ensure(ctx); err != nil {
			logger.Error("audit_partition_failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
