package databasemonitoring

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	indexregistry "github.com/newrelic/nri-perfmon/src/database-monitoring/index-registry"
	poolsampler "github.com/newrelic/nri-perfmon/src/database-monitoring/pool-sampler"
	querytracker "github.com/newrelic/nri-perfmon/src/database-monitoring/query-tracker"
	report "github.com/newrelic/nri-perfmon/src/database-monitoring/report"
	samplestore "github.com/newrelic/nri-perfmon/src/database-monitoring/sample-store"
	validator "github.com/newrelic/nri-perfmon/src/database-monitoring/validator"
	durablecache "github.com/newrelic/nri-perfmon/src/durable-cache"
	"github.com/newrelic/nri-perfmon/src/utils"
)

// Sweeper is any in-memory buffer the retention sweep trims alongside the query samples.
type Sweeper interface {
	Sweep() int
}

// Evaluator is an additional alert source evaluated on the alert timer.
type Evaluator interface {
	Evaluate() []datamodels.PerformanceAlert
}

// Dependencies are the collaborators the monitor is built from. Every field is optional.
type Dependencies struct {
	// Cache is the durable mirror. Nil keeps samples in memory only.
	Cache durablecache.Cache
	// DB is the monitored database, used for EXPLAIN attribution and driver pool stats.
	DB       utils.DataSource
	Hits     querytracker.HitRecorder
	Observer querytracker.Observer
	// Sweepers and Books are trimmed by the retention sweep.
	Sweepers []Sweeper
	Books    []*alerts.Book
	// Evaluators run on every alert evaluation tick after the database rules.
	Evaluators []Evaluator
	Clock      func() time.Time
}

// Monitor owns the database monitoring components and the timers that drive them.
type Monitor struct {
	Store     *samplestore.Store
	Registry  *indexregistry.Registry
	Tracker   *querytracker.Tracker
	Pool      *poolsampler.Sampler
	Generator *alerts.Generator
	Reports   *report.Synthesizer

	cfg        utils.MonitoringConfig
	sweepers   []Sweeper
	books      []*alerts.Book
	evaluators []Evaluator
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor wires the components. cfg is expected to have its defaults applied.
func NewMonitor(ctx context.Context, cfg utils.MonitoringConfig, deps Dependencies) *Monitor {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	store := samplestore.NewStore(samplestore.Options{
		Retention:             cfg.RetentionWindow,
		MaxSamplesPerHash:     cfg.MaxSamplesPerHash,
		DurableSamplesPerHash: cfg.DurableSamplesPerHash,
		MaxSlowQueryLog:       cfg.MaxSlowQueryLog,
		MirrorTimeout:         cfg.MirrorTimeout,
		MirrorQueueSize:       cfg.MirrorQueueSize,
	}, deps.Cache, now)

	catalog := cfg.IndexCatalog
	if catalog == nil {
		catalog = constants.DefaultIndexCatalog
	}
	registry := indexregistry.NewRegistry(now)
	registry.Initialize(catalog)

	var primary poolsampler.PoolTelemetrySource
	if deps.DB != nil {
		primary = poolsampler.NewDriverPoolSource(deps.DB, now)
	}
	estimator := poolsampler.NewVolumeEstimator(store, cfg.PoolMaxConnections, now)
	pool := poolsampler.NewSampler(primary, estimator, deps.Cache, cfg.MirrorTimeout)

	opts := []querytracker.Option{querytracker.WithPoolSizer(pool), querytracker.WithClock(now)}
	if cfg.SlowQueryThresholdMs > 0 {
		opts = append(opts, querytracker.WithSlowQueryThreshold(cfg.SlowQueryThresholdMs))
	}
	if deps.Hits != nil {
		opts = append(opts, querytracker.WithHitRecorder(deps.Hits))
	}
	if deps.Observer != nil {
		opts = append(opts, querytracker.WithObserver(deps.Observer))
	}
	tracker := querytracker.NewTracker(store, registry, attributionStrategy(ctx, cfg, deps.DB, catalog, registry), opts...)

	generator := alerts.NewGenerator(store, registry, pool, nil, now)
	reports := report.NewSynthesizer(store, registry, generator, pool, now)
	reports.SlowQueryThresholdMs = tracker.SlowQueryThresholdMs

	return &Monitor{
		Store:      store,
		Registry:   registry,
		Tracker:    tracker,
		Pool:       pool,
		Generator:  generator,
		Reports:    reports,
		cfg:        cfg,
		sweepers:   deps.Sweepers,
		books:      append([]*alerts.Book{generator.Book()}, deps.Books...),
		evaluators: deps.Evaluators,
		now:        now,
	}
}

// attributionStrategy picks EXPLAIN based attribution when it is enabled and the server
// supports it, the catalog heuristic otherwise.
func attributionStrategy(ctx context.Context, cfg utils.MonitoringConfig, db utils.DataSource,
	catalog []constants.IndexDefinition, registry *indexregistry.Registry) indexregistry.IndexAttributionStrategy {
	heuristic := indexregistry.NewHeuristicStrategy(catalog)
	if db == nil {
		return heuristic
	}

	if missing, err := validator.MissingCatalogIndexes(ctx, db, catalog); err != nil {
		log.Warn("Could not verify the index catalog against the database: %v", err)
	} else if len(missing) > 0 {
		log.Warn("Indexes from the catalog not found in the database: %v", missing)
	}

	if !cfg.ExplainAttribution {
		return heuristic
	}
	if !validator.ValidateExplainSupport(ctx, db) {
		log.Warn("EXPLAIN FORMAT=JSON is not supported by the database, using heuristic index attribution")
		return heuristic
	}
	log.Info("Using EXPLAIN based index attribution for slow queries")
	return indexregistry.NewExplainStrategy(db, heuristic, registry.Known)
}

// Start launches the mirror worker, the pool sampler, the retention sweep and the alert
// evaluation. It returns immediately; Stop waits for every task to finish.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Store.RunMirror(ctx)
	}()

	m.Pool.Sample(ctx)
	m.Every(ctx, "pool sampler", m.cfg.PoolSampleInterval, func(ctx context.Context) error {
		m.Pool.Sample(ctx)
		return nil
	})
	m.Every(ctx, "retention sweeper", m.cfg.SweepInterval, func(context.Context) error {
		m.SweepOnce()
		return nil
	})
	m.Every(ctx, "alert evaluation", m.cfg.AlertEvaluationInterval, func(context.Context) error {
		m.EvaluateOnce()
		return nil
	})
	log.Info("Database monitoring started, slow query threshold %.0fms, retention %v",
		m.Tracker.SlowQueryThresholdMs, m.Store.Retention())
}

// Every runs fn on each tick of interval until ctx is done. A failing or panicking tick is
// logged and the loop keeps going. A non-positive interval disables the task.
func (m *Monitor) Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		log.Debug("Periodic task %s is disabled", name)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runTick(ctx, fn); err != nil {
					log.Error("Periodic task %s failed: %v", name, err)
				}
			}
		}
	}()
}

func runTick(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Stop cancels every task and waits for them to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	log.Info("Database monitoring stopped")
}

// EvaluateOnce runs the database rules and every additional evaluator.
func (m *Monitor) EvaluateOnce() {
	raised := len(m.Generator.Evaluate())
	for _, e := range m.evaluators {
		raised += len(e.Evaluate())
	}
	if raised > 0 {
		log.Info("Alert evaluation raised %d alerts", raised)
	}
}

// SweepOnce trims every buffer to the retention window and prunes old alerts.
func (m *Monitor) SweepOnce() {
	start := time.Now()
	samples, hashes := m.Store.Sweep()
	for _, s := range m.sweepers {
		samples += s.Sweep()
	}
	pruned := 0
	cutoff := m.now().Add(-m.Store.Retention())
	for _, b := range m.books {
		pruned += b.Prune(cutoff)
	}
	if samples > 0 || pruned > 0 {
		log.Debug("Retention sweep removed %d samples, %d query hashes and %d alerts in %v",
			samples, hashes, pruned, time.Since(start))
	}
}

// ClearAll resets every piece of database monitoring state. In-memory state is always
// cleared, a durable cache failure is returned after the fact.
func (m *Monitor) ClearAll(ctx context.Context) error {
	err := m.Store.Clear(ctx)
	m.Registry.Reset()
	m.Pool.Reset()
	m.Generator.Book().Reset()
	return err
}

// Books returns the database alert book followed by the books passed in Dependencies.
func (m *Monitor) Books() []*alerts.Book {
	return append([]*alerts.Book(nil), m.books...)
}
