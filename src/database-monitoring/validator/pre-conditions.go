package validator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	utils "github.com/newrelic/nri-perfmon/src/utils"
)

const minVersionParts = 2

var ErrMySQLVersion = errors.New("could not determine MySQL version")

// ValidateExplainSupport reports whether the monitored server accepts EXPLAIN FORMAT=JSON (MySQL 5.6+).
// Any failure is treated as unsupported so the heuristic strategy stays in use.
func ValidateExplainSupport(ctx context.Context, db utils.DataSource) bool {
	version, err := getMySQLVersion(ctx, db)
	if err != nil {
		log.Warn("Failed to get MySQL version, EXPLAIN based index attribution disabled: %v", err)
		return false
	}
	if !isVersionAtLeast(version, 5, 6) {
		log.Warn("MySQL version %s does not support EXPLAIN FORMAT=JSON, using heuristic index attribution", version)
		return false
	}
	return true
}

// MissingCatalogIndexes returns the catalog indexes the current schema does not define.
func MissingCatalogIndexes(ctx context.Context, db utils.DataSource, catalog []constants.IndexDefinition) ([]string, error) {
	if len(catalog) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(catalog))
	args := make([]interface{}, 0, len(catalog))
	for _, def := range catalog {
		names = append(names, "?")
		args = append(args, def.Name)
	}
	query := "SELECT DISTINCT INDEX_NAME FROM information_schema.STATISTICS WHERE TABLE_SCHEMA = DATABASE() AND INDEX_NAME IN (" +
		strings.Join(names, ", ") + ");"

	ctx, cancel := context.WithTimeout(ctx, constants.TimeoutDuration)
	defer cancel()
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check catalog indexes: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("Failed to close rows: %v", err)
		}
	}()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	var missing []string
	for _, def := range catalog {
		if !present[def.Name] {
			log.Warn("Index %s on %s is in the catalog but not defined in the database", def.Name, def.Table)
			missing = append(missing, def.Name)
		}
	}
	return missing, nil
}

// getMySQLVersion retrieves the MySQL version from the database.
func getMySQLVersion(ctx context.Context, db utils.DataSource) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.TimeoutDuration)
	defer cancel()
	rows, err := db.QueryxContext(ctx, "SELECT VERSION();")
	if err != nil {
		return "", fmt.Errorf("failed to execute version query: %w", err)
	}
	defer rows.Close()

	var version string
	if rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return "", fmt.Errorf("failed to scan version: %w", err)
		}
	}
	if version == "" {
		return "", ErrMySQLVersion
	}
	return version, nil
}

func isVersionAtLeast(version string, major, minor int) bool {
	gotMajor, gotMinor := parseVersion(version)
	return gotMajor > major || (gotMajor == major && gotMinor >= minor)
}

// parseVersion extracts the major and minor version numbers from the version string
func parseVersion(version string) (int, int) {
	parts := strings.Split(version, ".")
	if len(parts) < minVersionParts {
		return 0, 0
	}

	majorVersion, err := strconv.Atoi(parts[0])
	if err != nil {
		log.Error("Failed to parse major version: %v", err)
		return 0, 0
	}
	minor := parts[1]
	if i := strings.IndexFunc(minor, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minor = minor[:i]
	}
	minorVersion, err := strconv.Atoi(minor)
	if err != nil {
		log.Error("Failed to parse minor version: %v", err)
		return 0, 0
	}
	return majorVersion, minorVersion
}
