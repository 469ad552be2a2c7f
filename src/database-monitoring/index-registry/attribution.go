package indexregistry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	utils "github.com/newrelic/nri-perfmon/src/utils"
)

// Statement is what an attribution strategy gets to look at for one tracked execution.
type Statement struct {
	Type            datamodels.QueryType
	Raw             string
	Normalized      string
	QueryHash       string
	ExecutionTimeMs float64
	Slow            bool
}

// Attribution names the indexes that served a statement. Plan is only filled for slow statements.
type Attribution struct {
	Indexes []string
	Plan    string
}

// IndexAttributionStrategy attributes execution cost to the indexes that served a statement.
type IndexAttributionStrategy interface {
	Attribute(ctx context.Context, stmt Statement) Attribution
}

var tableReference = regexp.MustCompile(`\b(?:from|join|into|update)\s+` + "`?" + `([a-z_][a-z0-9_]*)`)

// HeuristicStrategy guesses index usage from the table and column names that appear in a
// statement. It is an approximation: a name match says nothing about the plan the
// engine actually chose.
type HeuristicStrategy struct {
	catalog []constants.IndexDefinition
}

func NewHeuristicStrategy(catalog []constants.IndexDefinition) *HeuristicStrategy {
	return &HeuristicStrategy{catalog: catalog}
}

func (h *HeuristicStrategy) Attribute(_ context.Context, stmt Statement) Attribution {
	text := stmt.Normalized
	tables := map[string]bool{}
	for _, m := range tableReference.FindAllStringSubmatch(text, -1) {
		tables[m[1]] = true
	}

	// only the predicate part can be served by an index
	predicate := text
	if i := strings.Index(text, " where "); i >= 0 {
		predicate = text[i:]
	} else if i := strings.Index(text, " order by "); i >= 0 {
		predicate = text[i:]
	} else if stmt.Type == datamodels.QueryTypeInsert {
		predicate = ""
	}

	var indexes []string
	for _, def := range h.catalog {
		if !tables[strings.ToLower(def.Table)] {
			continue
		}
		for _, col := range def.Columns {
			if strings.Contains(predicate, strings.ToLower(col)) {
				indexes = append(indexes, def.Name)
				break
			}
		}
	}
	sort.Strings(indexes)

	attribution := Attribution{Indexes: indexes}
	if stmt.Slow {
		attribution.Plan = syntheticPlan(stmt, indexes)
	}
	return attribution
}

// syntheticPlan describes what the heuristic inferred. It is labelled as such so it is
// never mistaken for an engine plan.
func syntheticPlan(stmt Statement, indexes []string) string {
	access := "ALL (full scan suspected)"
	if len(indexes) > 0 {
		access = "ref via " + strings.Join(indexes, ", ")
	}
	return fmt.Sprintf("synthetic plan (heuristic, not an engine EXPLAIN): type=%s hash=%s access=%s execution_time=%.1fms statement=%q",
		stmt.Type, stmt.QueryHash, access, stmt.ExecutionTimeMs, stmt.Normalized)
}

// ExplainStrategy asks the database for the real plan of slow statements and reads the
// chosen keys from it. Fast statements, statements with bind placeholders and any EXPLAIN
// failure fall back to the heuristic. EXPLAIN runs on the tracking path, so it is bounded
// by Timeout rather than the driver call timeout.
type ExplainStrategy struct {
	db       utils.DataSource
	fallback IndexAttributionStrategy
	known    func(name string) bool

	Timeout time.Duration
}

func NewExplainStrategy(db utils.DataSource, fallback IndexAttributionStrategy, known func(name string) bool) *ExplainStrategy {
	return &ExplainStrategy{db: db, fallback: fallback, known: known, Timeout: constants.ExplainTimeout}
}

func (e *ExplainStrategy) Attribute(ctx context.Context, stmt Statement) Attribution {
	if !stmt.Slow || strings.Contains(stmt.Raw, "?") || strings.TrimSpace(stmt.Raw) == "" {
		return e.fallback.Attribute(ctx, stmt)
	}

	plan, err := e.explain(ctx, stmt.Raw)
	if err != nil {
		log.Debug("EXPLAIN failed for query %s, using heuristic attribution: %v", stmt.QueryHash, err)
		return e.fallback.Attribute(ctx, stmt)
	}

	keys, err := ExtractPlanKeys(plan)
	if err != nil {
		log.Debug("Unreadable plan for query %s, using heuristic attribution: %v", stmt.QueryHash, err)
		return e.fallback.Attribute(ctx, stmt)
	}

	var indexes []string
	for _, k := range keys {
		if e.known == nil || e.known(k) {
			indexes = append(indexes, k)
		}
	}
	return Attribution{Indexes: indexes, Plan: plan}
}

func (e *ExplainStrategy) explain(ctx context.Context, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	rows, err := e.db.QueryxContext(ctx, fmt.Sprintf(constants.ExplainQueryFormat, strings.TrimRight(strings.TrimSpace(query), ";")))
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var plan string
	if rows.Next() {
		if err := rows.Scan(&plan); err != nil {
			return "", err
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if plan == "" {
		return "", fmt.Errorf("empty execution plan")
	}
	return plan, nil
}

// ExtractPlanKeys returns the sorted, de-duplicated index names ("key") chosen anywhere in
// an EXPLAIN FORMAT=JSON document.
func ExtractPlanKeys(planJSON string) ([]string, error) {
	js, err := simplejson.NewJson([]byte(planJSON))
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	collectKeys(js.Interface(), seen)

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func collectKeys(node interface{}, seen map[string]bool) {
	switch v := node.(type) {
	case map[string]interface{}:
		if key, ok := v["key"].(string); ok && key != "" {
			seen[key] = true
		}
		for _, child := range v {
			collectKeys(child, seen)
		}
	case []interface{}:
		for _, child := range v {
			collectKeys(child, seen)
		}
	}
}
