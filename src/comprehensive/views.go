package comprehensive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	apiperformance "github.com/newrelic/nri-perfmon/src/api-performance"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	"github.com/newrelic/nri-perfmon/src/telemetry"
)

// Realtime is the latest point-in-time view.
type Realtime struct {
	Timestamp           time.Time `json:"timestamp"`
	ActiveUsers         int       `json:"activeUsers"`
	RequestsPerSecond   float64   `json:"requestsPerSecond"`
	AvgResponseTimeMs   float64   `json:"avgResponseTime"`
	ErrorCount          int       `json:"errorCount"`
	CacheHitRate        float64   `json:"cacheHitRate"`
	DatabaseConnections int       `json:"databaseConnections"`
	PoolSource          string    `json:"databaseConnectionsSource"`
	MemoryUsage         float64   `json:"memoryUsage"`
	MemoryUsed          string    `json:"memoryUsed"`
	CPUUsage            float64   `json:"cpuUsage"`
}

func (s *Synthesizer) Realtime(ctx context.Context) Realtime {
	rt := Realtime{Timestamp: s.now()}
	if s.c.API != nil {
		api := s.c.API.Realtime()
		rt.ActiveUsers = api.ActiveUsers
		rt.RequestsPerSecond = api.RequestsPerSecond
		rt.AvgResponseTimeMs = api.AvgResponseTimeMs
		rt.ErrorCount = api.ErrorCount
	}
	if s.c.Cache != nil {
		rt.CacheHitRate = s.c.Cache.Snapshot().HitRate
	}
	if s.c.Pool != nil {
		pool := s.c.Pool.Latest()
		rt.DatabaseConnections = pool.ActiveConnections
		rt.PoolSource = string(pool.Source)
	}
	if s.c.System != nil {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		stats, err := s.c.System.Read(ctx)
		if err != nil {
			log.Warn("System statistics unavailable: %v", err)
		}
		rt.MemoryUsage = stats.MemoryUsedPercent
		rt.MemoryUsed = stats.MemoryUsed
		rt.CPUUsage = stats.CPUPercent
	}
	return rt
}

// Alerts merges the latest cycle of every alert book, most severe and newest first.
func (s *Synthesizer) Alerts() []datamodels.PerformanceAlert {
	merged := []datamodels.PerformanceAlert{}
	for _, b := range s.c.Books {
		merged = append(merged, b.Latest()...)
	}
	alerts.SortAlerts(merged)
	return merged
}

// ResolveAlert marks the alert with id resolved in whichever book holds it.
func (s *Synthesizer) ResolveAlert(id string) error {
	for _, b := range s.c.Books {
		err := b.Resolve(id)
		if err == nil {
			log.Info("Alert %s resolved", id)
			return nil
		}
		if !errors.Is(err, alerts.ErrAlertNotFound) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", alerts.ErrAlertNotFound, id)
}

// ClearAll resets every tracker. In-memory state is always cleared, the durable cache
// error, if any, is returned.
func (s *Synthesizer) ClearAll(ctx context.Context) error {
	var err error
	if s.c.Database != nil {
		err = s.c.Database.ClearAll(ctx)
	}
	if s.c.API != nil {
		s.c.API.Reset()
	}
	if s.c.Cache != nil {
		s.c.Cache.Reset()
	}
	if err != nil {
		log.Warn("Monitoring state cleared in memory only: %v", err)
		return err
	}
	log.Info("Monitoring state cleared")
	return nil
}

type DatabaseDetailed struct {
	Report          datamodels.PerformanceReport  `json:"report"`
	SlowQueries     []datamodels.SlowQueryEntry   `json:"slowQueries"`
	IndexEfficiency []datamodels.IndexUsageRecord `json:"indexEfficiency"`
}

// DatabaseDetailed is the full database report for windowHours together with the shared
// slow query log and the efficiency of every catalog index.
func (s *Synthesizer) DatabaseDetailed(ctx context.Context, windowHours int) (DatabaseDetailed, error) {
	if s.c.Reports == nil {
		return DatabaseDetailed{}, ErrNotConfigured
	}
	rep, err := s.c.Reports.Generate(ctx, windowHours)
	if err != nil {
		return DatabaseDetailed{}, fmt.Errorf("error generating database report: %w", err)
	}
	detailed := DatabaseDetailed{
		Report:          rep,
		SlowQueries:     []datamodels.SlowQueryEntry{},
		IndexEfficiency: []datamodels.IndexUsageRecord{},
	}
	if s.c.SlowLog != nil {
		if slow := s.c.SlowLog.DurableSlowLog(ctx, constants.MaxSlowQueryLog); slow != nil {
			detailed.SlowQueries = slow
		}
	}
	if s.c.Indexes != nil {
		detailed.IndexEfficiency = s.c.Indexes.Snapshot()
	}
	return detailed, nil
}

type APIDetailed struct {
	Report           apiperformance.Report          `json:"report"`
	TopEndpoints     []apiperformance.EndpointStats `json:"topEndpoints"`
	SlowestEndpoints []apiperformance.EndpointStats `json:"slowestEndpoints"`
	LCAMetrics       apiperformance.LCAMetrics      `json:"lcaMetrics"`
}

func (s *Synthesizer) APIDetailed(window time.Duration) (APIDetailed, error) {
	if s.c.API == nil {
		return APIDetailed{}, ErrNotConfigured
	}
	rep := s.c.API.Report(window)
	return APIDetailed{
		Report:           rep,
		TopEndpoints:     rep.TopEndpoints,
		SlowestEndpoints: rep.SlowestEndpoints,
		LCAMetrics:       rep.LCAMetrics,
	}, nil
}

// TelemetryBatches implements telemetry.BatchSource.
func (s *Synthesizer) TelemetryBatches(ctx context.Context) []telemetry.Batch {
	snap := s.Generate(ctx)
	batches := []telemetry.Batch{{EventName: "PerfmonHealthSample", Models: []interface{}{snap.SystemHealth}}}

	if db := snap.DatabasePerformance.Data; db != nil {
		batches = append(batches,
			telemetry.Batch{EventName: "PerfmonDatabaseSample", Models: []interface{}{db.Report.Summary}},
			telemetry.Batch{EventName: "PerfmonPoolSample", Models: []interface{}{db.ConnectionPool}},
		)
	}
	if s.c.Indexes != nil {
		records := s.c.Indexes.Snapshot()
		models := make([]interface{}, 0, len(records))
		for _, rec := range records {
			models = append(models, rec)
		}
		batches = append(batches, telemetry.Batch{EventName: "PerfmonIndexSample", Models: models})
	}
	if api := snap.APIPerformance.Data; api != nil {
		batches = append(batches, telemetry.Batch{EventName: "PerfmonApiSample", Models: []interface{}{*api}})
	}
	if c := snap.SystemHealth.Cache.Data; c != nil {
		batches = append(batches, telemetry.Batch{EventName: "PerfmonCacheSample", Models: []interface{}{*c}})
	}
	if sys := snap.SystemHealth.System.Data; sys != nil {
		batches = append(batches, telemetry.Batch{EventName: "PerfmonSystemSample", Models: []interface{}{*sys}})
	}
	return batches
}
