package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/app"
	"github.com/ehr/bloodbank/internal/config"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/blobstore"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/kafka"
	"github.com/ehr/bloodbank/internal/platform/notify"
	platformredis "github.com/ehr/bloodbank/internal/platform/redis"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
	"github.com/ehr/bloodbank/internal/sweeper"
)

// runtime is everything serve and sweep share. close releases it in reverse
// order of construction.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	redis    *platformredis.Client
	producer *kafka.Producer
	outbox   *audit.Outbox
	archive  blobstore.Store
	audit    *audit.Dispatcher
	worker   *audit.Worker
	metrics  *telemetry.Metrics
	services *app.Services
	checks   map[string]db.CheckFunc
	closers  []func()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// poolOptions points background sessions at the default tenant's schema.
func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   db.SchemaFor(cfg.DefaultTenant),
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics(), checks: map[string]db.CheckFunc{}}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	// Store
	repos := app.MemoryRepos()
	var (
		tx  db.Transactor = db.NewLocalTransactor()
		dir directory.Directory
	)
	if cfg.StoreDriver == "postgres" {
		if rt.pool, err = db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg)); err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.closers = append(rt.closers, rt.pool.Close)
		repos = app.PostgresRepos(rt.pool)
		tx = db.NewPGTransactor(rt.pool)
		dir = directory.NewPG(rt.pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
	}

	// Redis
	if rt.redis, err = platformredis.New(ctx, platformredis.Options{URL: cfg.RedisURL}); err != nil {
		return nil, err
	}
	if rt.redis != nil {
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
		rt.checks["redis"] = rt.redis.Health
		logger.Info().Msg("connected to redis")
	}
	var source equipment.StatusSource = equipment.StaticSource{Current: true}
	if cfg.EquipmentSource == "redis" {
		source = equipment.NewRedisSource(rt.redis.Client)
	}

	// Audit and alerts
	var sink audit.Sink = audit.NewLogSink(logger)
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		if rt.producer, err = kafka.NewProducer(cfg.KafkaBrokers, "bloodbank-server"); err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		rt.closers = append(rt.closers, rt.producer.Close)
		rt.checks["kafka"] = rt.producer.Ping
		if rt.outbox, err = audit.OpenOutbox(cfg.AuditOutboxPath); err != nil {
			return nil, fmt.Errorf("open audit outbox: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = rt.outbox.Close() })
		sink = audit.Multi{
			sink,
			audit.NewFallbackSink(audit.NewKafkaSink(rt.producer, cfg.AuditTopic), rt.outbox, logger),
		}
		rt.checks["audit_outbox"] = outboxBacklog(rt.outbox)
		notifiers = append(notifiers, notify.NewKafkaNotifier(rt.producer, cfg.AlertTopic))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Msg("audit and alerts published to kafka")
	}
	rt.audit = audit.NewDispatcher(1024)
	rt.worker = audit.NewWorker(sink, rt.audit, logger.With().Str("component", "audit").Logger())

	// Archive
	rt.archive = blobstore.NewMemory()
	if cfg.ArchiveDriver == "s3" {
		s3, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		rt.archive = s3
		rt.checks["archive"] = s3.Ping
	}

	rt.services = app.New(repos, app.Options{
		RequiredTests:      cfg.RequiredTTITests,
		ReservationHold:    cfg.ReservationHold,
		TransfusionTimeout: cfg.TransfusionTimeout,
		OverridableGates:   cfg.OverridableGates,
		Tx:                 tx,
		Audit:              rt.audit,
		Notifier:           notifiers,
		Directory:          dir,
		Equipment:          source,
		Archive:            rt.archive,
		Metrics:            rt.metrics,
		Logger:             logger,
	})
	return rt, nil
}

// outboxBacklogLimit is the replay backlog at which readiness fails.
const outboxBacklogLimit = 10000

func outboxBacklog(o *audit.Outbox) db.CheckFunc {
	return func(ctx context.Context) error {
		n, err := o.Len(ctx)
		if err != nil {
			return err
		}
		if n >= outboxBacklogLimit {
			return fmt.Errorf("%d audit events awaiting kafka replay", n)
		}
		return nil
	}
}

// sweeper builds the housekeeping loop. With Redis configured only the
// replica holding the lease sweeps.
func (rt *runtime) sweeper() *sweeper.Sweeper {
	var lock sweeper.Locker
	if rt.redis != nil {
		lock = platformredis.NewLock(rt.redis.Client, "bloodbank:sweeper", 2*rt.cfg.SweepInterval+10*time.Second)
	}
	s := rt.services
	return sweeper.New(s.CrossMatch, s.Units, s.Transfusion, lock, rt.cfg.SweepInterval, rt.logger)
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
