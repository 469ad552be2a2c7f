package utils

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/newrelic/go-agent/v3/integrations/nrmysql"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// DataSource is the slice of the monitored database the service needs: EXPLAIN
// statements for slow queries and the driver's pool statistics.
type DataSource interface {
	Close()
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	Stats() sql.DBStats
}

type Database struct {
	source *sqlx.DB
	app    *newrelic.Application
}

// OpenSQLXDB opens the monitored database through the instrumented MySQL driver.
func OpenSQLXDB(dsn string, app *newrelic.Application) (DataSource, error) {
	source, err := sqlx.Open("nrmysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening DSN: %w", err)
	}

	return NewDatabase(source, app), nil
}

// NewDatabase wraps an already opened handle.
func NewDatabase(source *sqlx.DB, app *newrelic.Application) *Database {
	return &Database{source: source, app: app}
}

func (db *Database) Close() {
	db.source.Close()
}

func (db *Database) Stats() sql.DBStats {
	return db.source.Stats()
}

// QueryxContext runs query inside a datastore segment of the transaction found in ctx,
// starting a background transaction when there is none.
func (db *Database) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	txn := newrelic.FromContext(ctx)
	if txn == nil && db.app != nil {
		txn = db.app.StartTransaction("PerfmonDatastoreQuery")
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	operation := "SELECT"
	if fields := strings.Fields(query); len(fields) > 0 {
		operation = strings.ToUpper(fields[0])
	}
	s := newrelic.DatastoreSegment{
		StartTime:          txn.StartSegmentNow(),
		Product:            newrelic.DatastoreMySQL,
		Operation:          operation,
		ParameterizedQuery: query,
	}
	defer s.End()
	return db.source.QueryxContext(ctx, query, args...)
}
