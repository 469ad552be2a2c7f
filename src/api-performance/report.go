package apiperformance

import (
	"fmt"
	"math"
	"sort"
	"time"

	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
)

const topEndpoints = 10

type EndpointStats struct {
	Endpoint          string  `json:"endpoint"`
	Method            string  `json:"method"`
	Requests          int     `json:"requests"`
	AvgResponseTimeMs float64 `json:"avgResponseTime"`
	P95ResponseTimeMs float64 `json:"p95ResponseTime"`
	ErrorRate         float64 `json:"errorRate"`
	CacheHitRate      float64 `json:"cacheHitRate"`
}

// LCAMetrics covers the life-cycle-assessment endpoints.
type LCAMetrics struct {
	Requests          int             `json:"requests"`
	AvgResponseTimeMs float64         `json:"avgResponseTime"`
	P95ResponseTimeMs float64         `json:"p95ResponseTime"`
	ErrorRate         float64         `json:"errorRate"`
	Endpoints         []EndpointStats `json:"endpoints"`
}

type Report struct {
	WindowSeconds     float64         `json:"windowSeconds"`
	TotalRequests     int             `json:"totalRequests" metric_name:"api.totalRequests" source_type:"gauge"`
	AvgResponseTimeMs float64         `json:"avgResponseTime" metric_name:"api.avgResponseTimeMs" source_type:"gauge"`
	P95ResponseTimeMs float64         `json:"p95ResponseTime" metric_name:"api.p95ResponseTimeMs" source_type:"gauge"`
	ErrorRate         float64         `json:"errorRate" metric_name:"api.errorRate" source_type:"gauge"`
	RequestsPerSecond float64         `json:"requestsPerSecond" metric_name:"api.requestsPerSecond" source_type:"gauge"`
	CacheHitRate      float64         `json:"cacheHitRate" metric_name:"api.cacheHitRate" source_type:"gauge"`
	Score             float64         `json:"score" metric_name:"api.score" source_type:"gauge"`
	TopEndpoints      []EndpointStats `json:"topEndpoints" metric_name:"-" source_type:"-"`
	SlowestEndpoints  []EndpointStats `json:"slowestEndpoints" metric_name:"-" source_type:"-"`
	LCAMetrics        LCAMetrics      `json:"lcaMetrics" metric_name:"-" source_type:"-"`
}

type Realtime struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	AvgResponseTimeMs float64 `json:"avgResponseTime"`
	ErrorCount        int     `json:"errorCount"`
	ActiveUsers       int     `json:"activeUsers"`
}

// Report aggregates the requests of the last window.
func (t *Tracker) Report(window time.Duration) Report {
	if window <= 0 {
		window = time.Hour
	}
	samples := t.since(t.now().Add(-window))

	rep := Report{WindowSeconds: window.Seconds(), TopEndpoints: []EndpointStats{}, SlowestEndpoints: []EndpointStats{}}
	rep.LCAMetrics.Endpoints = []EndpointStats{}
	rep.TotalRequests = len(samples)
	if len(samples) == 0 {
		rep.Score = 100
		return rep
	}

	overall := aggregate(samples)
	rep.AvgResponseTimeMs = overall.AvgResponseTimeMs
	rep.P95ResponseTimeMs = overall.P95ResponseTimeMs
	rep.ErrorRate = overall.ErrorRate
	rep.CacheHitRate = overall.CacheHitRate
	rep.RequestsPerSecond = float64(len(samples)) / window.Seconds()
	rep.Score = Score(rep.AvgResponseTimeMs, rep.ErrorRate)

	byEndpoint := make(map[string][]Sample)
	var lca []Sample
	for _, s := range samples {
		key := s.Method + " " + s.Endpoint
		byEndpoint[key] = append(byEndpoint[key], s)
		if IsLCAEndpoint(s.Endpoint) {
			lca = append(lca, s)
		}
	}
	endpoints := make([]EndpointStats, 0, len(byEndpoint))
	for _, group := range byEndpoint {
		stats := aggregate(group)
		stats.Endpoint = group[0].Endpoint
		stats.Method = group[0].Method
		endpoints = append(endpoints, stats)
	}

	rep.TopEndpoints = topBy(endpoints, func(a, b EndpointStats) bool { return a.Requests > b.Requests })
	rep.SlowestEndpoints = topBy(endpoints, func(a, b EndpointStats) bool { return a.AvgResponseTimeMs > b.AvgResponseTimeMs })

	if len(lca) > 0 {
		agg := aggregate(lca)
		rep.LCAMetrics = LCAMetrics{
			Requests:          agg.Requests,
			AvgResponseTimeMs: agg.AvgResponseTimeMs,
			P95ResponseTimeMs: agg.P95ResponseTimeMs,
			ErrorRate:         agg.ErrorRate,
		}
		var lcaEndpoints []EndpointStats
		for _, e := range endpoints {
			if IsLCAEndpoint(e.Endpoint) {
				lcaEndpoints = append(lcaEndpoints, e)
			}
		}
		rep.LCAMetrics.Endpoints = topBy(lcaEndpoints, func(a, b EndpointStats) bool { return a.Requests > b.Requests })
	}
	return rep
}

func topBy(endpoints []EndpointStats, less func(a, b EndpointStats) bool) []EndpointStats {
	sorted := append([]EndpointStats(nil), endpoints...)
	sort.Slice(sorted, func(i, j int) bool {
		if less(sorted[i], sorted[j]) {
			return true
		}
		if less(sorted[j], sorted[i]) {
			return false
		}
		return sorted[i].Method+sorted[i].Endpoint < sorted[j].Method+sorted[j].Endpoint
	})
	if len(sorted) > topEndpoints {
		sorted = sorted[:topEndpoints]
	}
	return sorted
}

func aggregate(samples []Sample) EndpointStats {
	stats := EndpointStats{Requests: len(samples)}
	if len(samples) == 0 {
		return stats
	}
	times := make([]float64, 0, len(samples))
	var total float64
	var errs, hits int
	for _, s := range samples {
		times = append(times, s.ResponseTimeMs)
		total += s.ResponseTimeMs
		if s.IsError() {
			errs++
		}
		if s.CacheHit {
			hits++
		}
	}
	n := float64(len(samples))
	stats.AvgResponseTimeMs = total / n
	stats.P95ResponseTimeMs = Percentile(times, 0.95)
	stats.ErrorRate = float64(errs) / n
	stats.CacheHitRate = float64(hits) / n
	return stats
}

// Percentile returns the nearest-rank percentile p in (0,1] of values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Score rates the API on a 0-100 scale from latency and error rate.
func Score(avgResponseTimeMs, errorRate float64) float64 {
	latency := math.Max(0, 1-avgResponseTimeMs/constants.APILatencyCriticalMs)
	errs := math.Max(0, 1-errorRate/constants.APIErrorRateCritical)
	return 100 * (0.6*latency + 0.4*errs)
}

// Realtime summarizes the last minute, active users over the last five minutes.
func (t *Tracker) Realtime() Realtime {
	now := t.now()
	var rt Realtime
	users := make(map[string]bool)
	var total float64
	count := 0
	for _, s := range t.since(now.Add(-5 * time.Minute)) {
		if s.UserID != "" {
			users[s.UserID] = true
		}
		if s.Timestamp.Before(now.Add(-time.Minute)) {
			continue
		}
		count++
		total += s.ResponseTimeMs
		if s.IsError() {
			rt.ErrorCount++
		}
	}
	rt.ActiveUsers = len(users)
	rt.RequestsPerSecond = float64(count) / 60
	if count > 0 {
		rt.AvgResponseTimeMs = total / float64(count)
	}
	return rt
}

// Evaluate applies the API alert rules to the last hour and records the cycle in the tracker's Book.
func (t *Tracker) Evaluate() []datamodels.PerformanceAlert {
	now := t.now()
	rep := t.Report(constants.AlertWindow)

	var cycle []datamodels.PerformanceAlert
	add := func(typ datamodels.AlertType, sev datamodels.Severity, value, threshold float64, msg, rec string) {
		cycle = append(cycle, datamodels.PerformanceAlert{
			ID:             t.newID(),
			Type:           typ,
			Severity:       sev,
			Message:        msg,
			Recommendation: rec,
			Timestamp:      now,
			Source:         SourceAPI,
			MetricValue:    value,
			Threshold:      threshold,
		})
	}

	if rep.TotalRequests > 0 {
		switch avg := rep.AvgResponseTimeMs; {
		case avg > constants.APILatencyCriticalMs:
			add(datamodels.AlertAPILatency, datamodels.SeverityCritical, avg, constants.APILatencyCriticalMs,
				fmt.Sprintf("Average API response time is %.0fms", avg),
				"Profile the slowest endpoints and cache expensive responses")
		case avg > constants.APILatencyHighMs:
			add(datamodels.AlertAPILatency, datamodels.SeverityHigh, avg, constants.APILatencyHighMs,
				fmt.Sprintf("Average API response time is %.0fms", avg),
				"Profile the slowest endpoints and cache expensive responses")
		}
		switch rate := rep.ErrorRate; {
		case rate > constants.APIErrorRateCritical:
			add(datamodels.AlertAPIErrors, datamodels.SeverityCritical, rate, constants.APIErrorRateCritical,
				fmt.Sprintf("%.1f%% of API requests failed with a server error", rate*100),
				"Check the application logs for the failing endpoints")
		case rate > constants.APIErrorRateHigh:
			add(datamodels.AlertAPIErrors, datamodels.SeverityHigh, rate, constants.APIErrorRateHigh,
				fmt.Sprintf("%.1f%% of API requests failed with a server error", rate*100),
				"Check the application logs for the failing endpoints")
		}
	}

	alerts.SortAlerts(cycle)
	t.book.Replace(cycle)
	return t.book.Latest()
}
