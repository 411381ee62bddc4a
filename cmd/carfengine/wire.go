package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"carfengine/internal/aggregation"
	aggmemory "carfengine/internal/aggregation/store/memory"
	aggpostgres "carfengine/internal/aggregation/store/postgres"
	aggredis "carfengine/internal/aggregation/store/redis"
	"carfengine/internal/audit"
	kafkasink "carfengine/internal/audit/sink/kafka"
	auditmemory "carfengine/internal/audit/store/memory"
	auditpostgres "carfengine/internal/audit/store/postgres"
	"carfengine/internal/audit/worker"
	"carfengine/internal/ingest"
	"carfengine/internal/pipeline"
	"carfengine/internal/platform/config"
	"carfengine/internal/platform/httpserver"
	"carfengine/internal/platform/metrics"
	redisclient "carfengine/internal/platform/redis"
	"carfengine/internal/privacy"
	"carfengine/internal/risk"
	"carfengine/internal/vault"
	vaultmemory "carfengine/internal/vault/store/memory"
	vaultsqlite "carfengine/internal/vault/store/sqlite"
)

const (
	bucketKeyPrefix = "carf"
	auditQueueSize  = 1024
)

// engine holds every wired component and the resources that must be
// released on shutdown, in reverse order of acquisition.
type engine struct {
	rules      risk.Rules
	vault      *vault.Vault
	auditLog   *audit.Log
	guard      *privacy.Guard
	aggregator *aggregation.Engine
	pipeline   *pipeline.Pipeline
	registry   *prometheus.Registry
	checks     map[string]httpserver.HealthCheck

	auditQueue  chan audit.Entry
	auditWorker *worker.Worker

	closers []func() error
}

func (e *engine) close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

func rulesFrom(cfg config.RiskConfig) risk.Rules {
	return risk.Rules{
		CARFThreshold:    cfg.CARFThresholdGBP,
		EDDThreshold:     cfg.EDDThresholdGBP,
		ThresholdWeight:  cfg.ThresholdWeight,
		StablecoinWeight: cfg.StablecoinWeight,
		HighValueWeight:  cfg.HighValueWeight,
	}
}

// wire builds the engine from cfg. On error everything acquired so far is
// released.
func wire(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *engine, err error) {
	e := &engine{
		rules:    rulesFrom(cfg.Risk),
		registry: prometheus.NewRegistry(),
		checks:   make(map[string]httpserver.HealthCheck),
	}
	defer func() {
		if err != nil {
			_ = e.close()
		}
	}()
	m := metrics.New(e.registry)

	if err := e.wireVault(ctx, cfg, log, m); err != nil {
		return nil, err
	}

	var db *sql.DB
	if cfg.Storage.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		e.closers = append(e.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		e.checks["database"] = db.PingContext
	}

	if err := e.wireAudit(ctx, cfg, db, log, m); err != nil {
		return nil, err
	}

	e.guard, err = privacy.New(e.vault, e.auditLog,
		privacy.WithLogger(log),
		privacy.WithPIIRetention(cfg.Privacy.PIIRetentionEnabled),
	)
	if err != nil {
		return nil, err
	}

	buckets, err := e.bucketStore(ctx, cfg, db, log)
	if err != nil {
		return nil, err
	}
	e.aggregator, err = aggregation.New(buckets, e.auditLog,
		aggregation.WithLogger(log),
		aggregation.WithMetrics(m),
		aggregation.WithThreshold(e.rules.CARFThreshold),
	)
	if err != nil {
		return nil, err
	}

	normalizer, err := newNormalizer(cfg, log, m)
	if err != nil {
		return nil, err
	}
	e.pipeline, err = pipeline.New(normalizer, e.guard, e.aggregator, e.auditLog,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(m),
		pipeline.WithRules(e.rules),
		pipeline.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *engine) wireVault(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) error {
	var store vault.KeyStore = vaultmemory.New()
	if cfg.Privacy.VaultPath != "" {
		s, err := vaultsqlite.Open(ctx, cfg.Privacy.VaultPath)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, s.Close)
		store = s
	} else {
		log.WarnContext(ctx, "VAULT_PATH not set, key material lives in memory only")
	}
	v, err := vault.Open(ctx, store, vault.WithLogger(log), vault.WithMetrics(m))
	if err != nil {
		return err
	}
	e.closers = append(e.closers, v.Close)
	e.vault = v
	e.checks["vault"] = v.Health
	return nil
}

func (e *engine) wireAudit(ctx context.Context, cfg config.Config, db *sql.DB, log *slog.Logger, m *metrics.Metrics) error {
	var store audit.Store = auditmemory.NewInMemoryStore()
	if db != nil {
		s := auditpostgres.New(db)
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
		store = s
	}

	opts := []audit.Option{audit.WithLogger(log), audit.WithMetrics(m)}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafkasink.New(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() error {
			sink.Close()
			return nil
		})
		if err := sink.EnsureTopic(ctx); err != nil {
			return err
		}
		e.auditQueue = make(chan audit.Entry, auditQueueSize)
		e.auditWorker = worker.NewWorker(sink, e.auditQueue, worker.WithLogger(log), worker.WithMetrics(m))
		e.checks["audit_sink"] = sink.Health
		opts = append(opts, audit.WithForwarding(e.auditQueue))
	}

	l, err := audit.Open(ctx, store, opts...)
	if err != nil {
		return err
	}
	e.auditLog = l
	e.checks["audit"] = l.Health
	return nil
}

func (e *engine) bucketStore(ctx context.Context, cfg config.Config, db *sql.DB, log *slog.Logger) (aggregation.Store, error) {
	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	switch {
	case rc != nil:
		e.closers = append(e.closers, rc.Close)
		e.checks["redis"] = rc.Health
		log.InfoContext(ctx, "aggregation buckets stored in redis")
		return aggredis.New(rc.Client, bucketKeyPrefix), nil
	case db != nil:
		s := aggpostgres.New(db)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "aggregation buckets stored in postgres")
		return s, nil
	default:
		return aggmemory.New(), nil
	}
}

func newNormalizer(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*ingest.Normalizer, error) {
	rates, err := cfg.Rates()
	if err != nil {
		return nil, err
	}
	genesis, err := cfg.Genesis()
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Ingest.LocalTimezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	fixed := ingest.FixedRates(rates)
	return ingest.NewNormalizer(fixed,
		ingest.WithLogger(log),
		ingest.WithMetrics(m),
		ingest.WithStablecoins(cfg.Ingest.StablecoinAllowlist),
		ingest.WithAssets(fixed.Assets()),
		ingest.WithGenesis(genesis),
		ingest.WithLocation(loc),
		ingest.WithSkewTolerance(cfg.Ingest.TimestampSkewTolerance),
	), nil
}
