// Package runtime defines the process-lifetime Runtime value (SPEC_FULL.md
// §5.1, §9 "Global module-level state"): a single struct constructed once
// at startup that owns every pool and client, passed explicitly into the
// catalog, event log, queue, broker, worker, and keychain constructors
// instead of relying on package-level globals.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"noetl.io/noetl/internal/broker"
	"noetl.io/noetl/internal/catalog"
	"noetl.io/noetl/internal/config"
	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/keychain"
	"noetl.io/noetl/internal/localcache"
	"noetl.io/noetl/internal/logging"
	"noetl.io/noetl/internal/loopstate"
	"noetl.io/noetl/internal/queue"
	"noetl.io/noetl/internal/tool"
)

// Runtime owns every shared resource the core subsystems depend on: pools,
// the structured logger, and every store/broker/registry built on top of
// them. One Runtime is constructed at process start and passed explicitly
// into the CLI's run/worker/status paths instead of relying on
// package-level globals (§9 "Global module-level state").
type Runtime struct {
	Config    config.Config
	DB        *db.Postgres
	Redis     *redis.Client
	Logger    *logging.ContextLogger
	RawLogger *logrus.Logger
	Snowflake *idgen.Generator

	Catalog   *catalog.Catalog
	Events    *eventlog.EventLog
	Queue     *queue.Queue
	Loops     *loopstate.Store
	Keychain  *keychain.Keychain
	Auth      *keychain.Resolver
	Tools     *tool.Registry
	Broker    *broker.Broker

	// LocalCache mirrors the most recent `run -r local` execution to disk
	// (§2.2 "Embedded DB for local/offline mode"), independent of the
	// live Postgres row.
	LocalCache *localcache.Store
}

// New constructs a Runtime: opens the Postgres pool, the Redis client, and
// the structured logger, runs schema migrations, and wires every core
// subsystem (catalog, event log, queue, loop state, keychain, tool
// registry, broker) on top of them.
func New(ctx context.Context, cfg config.Config, service string) (*Runtime, error) {
	rawLogger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: cfg.LogFormat,
	})
	logger := logging.ServiceLogger(rawLogger, service, "dev")

	pg, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("runtime: opening postgres: %w", err)
	}
	if err := db.Migrate(ctx, pg); err != nil {
		pg.Close()
		return nil, fmt.Errorf("runtime: migrating schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		pg.Close()
		return nil, fmt.Errorf("runtime: connecting redis: %w", err)
	}

	gen, err := idgen.NewGenerator(cfg.Shard)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("runtime: building id generator: %w", err)
	}

	events := eventlog.New(pg, gen)
	q := queue.New(pg, events, gen, []byte(cfg.LeaseTokenSecret))
	cat := catalog.New(pg, events, gen)
	loops := loopstate.New(pg)

	kc := keychain.New(pg, redisClient, cfg.KeychainTTL)
	resolver := keychain.NewResolver(kc)
	resolver.Register(keychain.NewPostgresProvider(pg))
	resolver.Register(keychain.EnvProvider{})
	resolver.Register(keychain.NewInlineProvider(map[string]map[string]any{}))

	b := broker.New(pg, cat, events, q, loops, gen)

	if err := os.MkdirAll(cfg.LocalStoreDir, 0o755); err != nil {
		pg.Close()
		return nil, fmt.Errorf("runtime: creating local store dir: %w", err)
	}
	localStore, err := localcache.Open(filepath.Join(cfg.LocalStoreDir, "executions.db"))
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("runtime: opening local execution cache: %w", err)
	}

	tools := tool.NewRegistry()
	tools.MustRegister(tool.NewHTTP())
	tools.MustRegister(tool.NewShell())
	tools.MustRegister(tool.NewPostgres())
	tools.MustRegister(tool.NewDuckDB())
	tools.MustRegister(tool.NewSnowflake())
	tools.MustRegister(tool.NewPython())
	tools.MustRegister(tool.NewIterator())
	tools.MustRegister(tool.NewTransfer())
	tools.MustRegister(tool.NewRhai())
	tools.MustRegister(tool.NewPlaybookTool(func(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error) {
		return b.StartExecution(ctx, path, version, workload, &parentExecutionID)
	}))

	return &Runtime{
		Config:    cfg,
		DB:        pg,
		Redis:     redisClient,
		Logger:    logger,
		RawLogger: rawLogger,
		Snowflake: gen,

		Catalog:    cat,
		Events:     events,
		Queue:      q,
		Loops:      loops,
		Keychain:   kc,
		Auth:       resolver,
		Tools:      tools,
		Broker:     b,
		LocalCache: localStore,
	}, nil
}

// Close tears down every pool and client owned by the Runtime.
func (r *Runtime) Close() error {
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
	if r.LocalCache != nil {
		_ = r.LocalCache.Close()
	}
	if r.DB != nil {
		r.DB.Close()
	}
	return nil
}
