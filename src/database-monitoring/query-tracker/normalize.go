package querytracker

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	pg_query "github.com/lfittl/pg_query_go"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
)

// PlaceholderToken replaces every literal and bind parameter in a normalized statement.
const PlaceholderToken = "?"

var (
	blockComment      = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment       = regexp.MustCompile(`--[^\n]*`)
	bitString         = regexp.MustCompile(`\b[xb]'[0-9a-f]*'`)
	quotedString      = regexp.MustCompile(`'(?:[^'\\]|\\.|'')*'`)
	doubleQuoted      = regexp.MustCompile(`"(?:[^"\\]|\\.|"")*"`)
	dollarParam       = regexp.MustCompile(`\$\d+`)
	namedParam        = regexp.MustCompile(`(^|[^:]):[a-z_][a-z0-9_]*`)
	hexLiteral        = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	numericLiteral    = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:e[+-]?\d+)?\b`)
	signedPlaceholder = regexp.MustCompile(`([=<>(,*/%]|^|\b(?:and|or|not|is|between|in|like|case|when|then|else|values|select|set|by|limit|offset|return))(\s*)[-+]\s*\?`)
	placeholderRun    = regexp.MustCompile(`\(\s*\?(?:\s*,\s*\?)*\s*\)`)
	whitespace        = regexp.MustCompile(`\s+`)
)

// Normalize reduces a statement to its shape so executions that differ only in literal
// values or bind parameters share one hash. Statements the Postgres grammar accepts have
// their constants replaced by the parser first; the lexical pass below then canonicalizes
// both those and statements in other dialects.
func Normalize(query string) string {
	if parsed, err := pg_query.Normalize(query); err == nil {
		query = parsed
	}
	return normalizeText(query)
}

func normalizeText(query string) string {
	q := blockComment.ReplaceAllString(query, " ")
	q = lineComment.ReplaceAllString(q, " ")
	q = strings.ToLower(q)
	q = bitString.ReplaceAllString(q, PlaceholderToken)
	q = quotedString.ReplaceAllString(q, PlaceholderToken)
	q = doubleQuoted.ReplaceAllString(q, PlaceholderToken)
	q = dollarParam.ReplaceAllString(q, PlaceholderToken)
	q = namedParam.ReplaceAllString(q, "${1}"+PlaceholderToken)
	q = hexLiteral.ReplaceAllString(q, PlaceholderToken)
	q = numericLiteral.ReplaceAllString(q, PlaceholderToken)
	// A sign after an operator or keyword belongs to the literal; after an operand it is arithmetic.
	q = signedPlaceholder.ReplaceAllString(q, "${1}${2}"+PlaceholderToken)
	q = whitespace.ReplaceAllString(q, " ")
	q = placeholderRun.ReplaceAllString(q, "("+PlaceholderToken+")")
	q = strings.TrimSpace(q)
	q = strings.TrimRight(q, "; ")
	return q
}

// Hash returns the fixed length identifier of a normalized statement: the first 16 hex
// characters of its SHA-256 digest, upper case.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return strings.ToUpper(hex.EncodeToString(sum[:8]))
}

// Classify returns the statement type of a normalized statement from its leading keyword.
// hint is used when the keyword is not one of the supported statements, SELECT otherwise.
func Classify(normalized string, hint string) datamodels.QueryType {
	q := strings.TrimLeft(normalized, "( ")
	keyword := q
	if i := strings.IndexAny(q, " (\n\t"); i >= 0 {
		keyword = q[:i]
	}
	if qt, ok := datamodels.ParseQueryType(strings.ToUpper(keyword)); ok {
		return qt
	}
	if qt, ok := datamodels.ParseQueryType(strings.ToUpper(strings.TrimSpace(hint))); ok {
		return qt
	}
	return datamodels.QueryTypeSelect
}
