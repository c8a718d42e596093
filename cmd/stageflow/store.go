package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stageflow/internal/config"
	"github.com/petrijr/stageflow/internal/engine"
	"github.com/petrijr/stageflow/internal/persistence"
	"github.com/petrijr/stageflow/pkg/api"
)

// openEngine builds an engine over the configured store. The returned func
// closes the store connection.
func openEngine(ctx context.Context, cfg *config.Config, obs api.Observer, logger *slog.Logger) (api.Engine, func(), error) {
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.FromStore(store),
		Observer:    obs,
		Logger:      logger,
		Engine:      cfg.EngineSettings(),
	})
	return eng, closeStore, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (persistence.Store, func(), error) {
	noop := func() {}

	switch sc.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryStore(), noop, nil

	case config.DriverSQLite, config.DriverPostgres:
		driverName := "sqlite"
		if sc.Driver == config.DriverPostgres {
			driverName = "pgx"
		}
		db, err := sql.Open(driverName, sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", sc.Driver, err)
		}
		if sc.Driver == config.DriverSQLite {
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping %s: %w", sc.Driver, err)
		}

		var store *persistence.SQLStore
		if sc.Driver == config.DriverSQLite {
			store, err = persistence.NewSQLiteStore(db)
		} else {
			store, err = persistence.NewPostgresStore(db)
		}
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return persistence.NewRedisStore(client, ""), func() { _ = client.Close() }, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		return persistence.NewMongoStore(client, sc.Database), func() { _ = client.Disconnect(context.WithoutCancel(ctx)) }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", sc.Driver)
	}
}
