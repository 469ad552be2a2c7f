package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/xeipuuv/gojsonschema"
)

const trackQuerySchema = `{
	"type": "object",
	"required": ["queryType", "query", "executionTime"],
	"properties": {
		"queryType": {"type": "string", "minLength": 1},
		"query": {"type": "string", "minLength": 1},
		"executionTime": {"type": "number", "minimum": 0},
		"affectedRows": {"type": ["integer", "null"], "minimum": 0},
		"cacheHit": {"type": "boolean"}
	}
}`

const trackAPISchema = `{
	"type": "object",
	"required": ["endpoint", "method", "responseTime", "statusCode"],
	"properties": {
		"endpoint": {"type": "string", "minLength": 1},
		"method": {"type": "string", "minLength": 1},
		"responseTime": {"type": "number", "minimum": 0},
		"statusCode": {"type": "integer", "minimum": 100, "maximum": 599},
		"cacheHit": {"type": "boolean"},
		"userId": {"type": "string"}
	}
}`

var (
	trackQueryValidator = mustSchema(trackQuerySchema)
	trackAPIValidator   = mustSchema(trackAPISchema)
)

func mustSchema(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return s
}

type trackQueryRequest struct {
	QueryType     string  `json:"queryType"`
	Query         string  `json:"query"`
	ExecutionTime float64 `json:"executionTime"`
	AffectedRows  *int64  `json:"affectedRows"`
	CacheHit      bool    `json:"cacheHit"`
}

type trackAPIRequest struct {
	Endpoint     string  `json:"endpoint"`
	Method       string  `json:"method"`
	ResponseTime float64 `json:"responseTime"`
	StatusCode   int     `json:"statusCode"`
	CacheHit     bool    `json:"cacheHit"`
	UserID       string  `json:"userId"`
}

var errBodyTooLarge = errors.New("request body too large")

// decodeValid reads the body, checks it against schema and decodes it into dst.
// A nil field list with a nil error means dst is populated.
func decodeValid(r *http.Request, schema *gojsonschema.Schema, dst interface{}) ([]FieldError, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	if !json.Valid(body) {
		return []FieldError{{Field: "(root)", Message: "body is not valid JSON"}}, nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		fields := make([]FieldError, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			fields = append(fields, FieldError{Field: fieldName(e), Message: e.Description()})
		}
		return fields, nil
	}
	return nil, json.Unmarshal(body, dst)
}

// fieldName reports the missing property for required errors, which gojsonschema files under the root.
func fieldName(e gojsonschema.ResultError) string {
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok {
			return prop
		}
	}
	return e.Field()
}
