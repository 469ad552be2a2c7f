package alerts

import (
	"errors"
	"sort"
	"sync"
	"time"

	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
)

var ErrAlertNotFound = errors.New("alert not found")

// Book keeps the latest evaluation cycle of one alert source. Alerts from earlier
// cycles stay resolvable by id until they are pruned.
type Book struct {
	mu     sync.RWMutex
	latest []string
	known  map[string]*datamodels.PerformanceAlert
}

func NewBook() *Book {
	return &Book{known: make(map[string]*datamodels.PerformanceAlert)}
}

// Replace makes cycle the latest set of alerts. An alert that was already raised for
// the same source and type keeps its id and resolution, so repeated evaluations do
// not reopen what an operator resolved. A rise in severity reopens it.
func (b *Book) Replace(cycle []datamodels.PerformanceAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := make(map[string][]*datamodels.PerformanceAlert, len(b.latest))
	for _, id := range b.latest {
		if alert, ok := b.known[id]; ok {
			key := conditionKey(*alert)
			previous[key] = append(previous[key], alert)
		}
	}

	b.latest = b.latest[:0]
	for i := range cycle {
		alert := cycle[i]
		key := conditionKey(alert)
		if prior := previous[key]; len(prior) > 0 {
			previous[key] = prior[1:]
			alert.ID = prior[0].ID
			alert.Resolved = prior[0].Resolved && alert.Severity.Rank() <= prior[0].Severity.Rank()
		}
		b.known[alert.ID] = &alert
		b.latest = append(b.latest, alert.ID)
	}
}

func conditionKey(alert datamodels.PerformanceAlert) string {
	return alert.Source + "/" + string(alert.Type)
}

// Latest returns copies of the alerts of the latest cycle, resolution state included.
func (b *Book) Latest() []datamodels.PerformanceAlert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]datamodels.PerformanceAlert, 0, len(b.latest))
	for _, id := range b.latest {
		if alert, ok := b.known[id]; ok {
			out = append(out, *alert)
		}
	}
	return out
}

// Resolve marks an alert as resolved. Resolving twice is not an error.
func (b *Book) Resolve(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	alert, ok := b.known[id]
	if !ok {
		return ErrAlertNotFound
	}
	alert.Resolved = true
	return nil
}

// Prune forgets alerts raised before the cutoff that are not part of the latest cycle.
func (b *Book) Prune(before time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[string]bool, len(b.latest))
	for _, id := range b.latest {
		current[id] = true
	}
	removed := 0
	for id, alert := range b.known {
		if !current[id] && alert.Timestamp.Before(before) {
			delete(b.known, id)
			removed++
		}
	}
	return removed
}

func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = nil
	b.known = make(map[string]*datamodels.PerformanceAlert)
}

// SortAlerts orders alerts by severity, critical first, then newest first.
func SortAlerts(alerts []datamodels.PerformanceAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}
