package validator

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	utils "github.com/newrelic/nri-perfmon/src/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMockDataSource(t *testing.T) (utils.DataSource, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return utils.NewDatabase(sqlx.NewDb(db, "sqlmock"), nil), mock, func() { db.Close() }
}

func TestValidateExplainSupport(t *testing.T) {
	tests := []struct {
		version  string
		expected bool
	}{
		{"8.0.36", true},
		{"5.7.44-log", true},
		{"5.6.51", true},
		{"5.5.62", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			ds, mock, done := getMockDataSource(t)
			defer done()
			mock.ExpectQuery("SELECT VERSION()").
				WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow(tt.version))

			assert.Equal(t, tt.expected, ValidateExplainSupport(context.Background(), ds))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestValidateExplainSupport_QueryError(t *testing.T) {
	ds, mock, done := getMockDataSource(t)
	defer done()
	mock.ExpectQuery("SELECT VERSION()").WillReturnError(sql.ErrConnDone)

	assert.False(t, ValidateExplainSupport(context.Background(), ds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingCatalogIndexes(t *testing.T) {
	ds, mock, done := getMockDataSource(t)
	defer done()

	catalog := constants.DefaultIndexCatalog[:3]
	mock.ExpectQuery("SELECT DISTINCT INDEX_NAME FROM information_schema.STATISTICS").
		WithArgs(catalog[0].Name, catalog[1].Name, catalog[2].Name).
		WillReturnRows(sqlmock.NewRows([]string{"INDEX_NAME"}).AddRow(catalog[0].Name).AddRow(catalog[2].Name))

	missing, err := MissingCatalogIndexes(context.Background(), ds, catalog)
	require.NoError(t, err)
	assert.Equal(t, []string{catalog[1].Name}, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingCatalogIndexes_QueryError(t *testing.T) {
	ds, mock, done := getMockDataSource(t)
	defer done()
	mock.ExpectQuery("SELECT DISTINCT INDEX_NAME").WillReturnError(sql.ErrConnDone)

	_, err := MissingCatalogIndexes(context.Background(), ds, constants.DefaultIndexCatalog)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}
