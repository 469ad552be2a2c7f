package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	apiperformance "github.com/newrelic/nri-perfmon/src/api-performance"
	"github.com/newrelic/nri-perfmon/src/comprehensive"
	alerts "github.com/newrelic/nri-perfmon/src/database-monitoring/alerts"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultDatabaseHours = 24
	defaultAPIHours      = 1
	maxWindowHours       = 24 * 7
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendMessage(w, "ok")
}

func (s *Server) handleComprehensive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := s.deps.Service.Generate(r.Context())
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: snap, ExecutionTimeMs: &elapsed})
}

func (s *Server) handleOptimizationImpact(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.deps.Service.OptimizationImpact(r.Context()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.deps.Service.Alerts())
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.deps.Service.Realtime(r.Context()))
}

func (s *Server) handleDatabaseDetailed(w http.ResponseWriter, r *http.Request) {
	hours, ok := s.hoursParam(w, r, defaultDatabaseHours)
	if !ok {
		return
	}
	detailed, err := s.deps.Service.DatabaseDetailed(r.Context(), hours)
	if err != nil {
		s.sendServiceError(w, "Failed to generate database report", err)
		return
	}
	s.sendData(w, detailed)
}

func (s *Server) handleAPIDetailed(w http.ResponseWriter, r *http.Request) {
	hours, ok := s.hoursParam(w, r, defaultAPIHours)
	if !ok {
		return
	}
	detailed, err := s.deps.Service.APIDetailed(time.Duration(hours) * time.Hour)
	if err != nil {
		s.sendServiceError(w, "Failed to generate API report", err)
		return
	}
	s.sendData(w, detailed)
}

func (s *Server) handleTrackQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queries == nil {
		s.sendServiceError(w, "Query tracking is not configured", comprehensive.ErrNotConfigured)
		return
	}
	var req trackQueryRequest
	if !s.decode(w, r, trackQueryValidator, &req) {
		return
	}
	s.deps.Queries.TrackQuery(r.Context(), req.QueryType, req.Query, req.ExecutionTime, req.AffectedRows, req.CacheHit)
	s.sendMessage(w, "Query tracked")
}

func (s *Server) handleTrackAPI(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		s.sendServiceError(w, "API tracking is not configured", comprehensive.ErrNotConfigured)
		return
	}
	var req trackAPIRequest
	if !s.decode(w, r, trackAPIValidator, &req) {
		return
	}
	err := s.deps.Requests.Track(req.Endpoint, req.Method, req.ResponseTime, req.StatusCode, req.CacheHit, req.UserID)
	if errors.Is(err, apiperformance.ErrInvalidSample) {
		s.sendValidationError(w, []FieldError{{Field: "(root)", Message: err.Error()}})
		return
	}
	if err != nil {
		s.sendServiceError(w, "Failed to track API request", err)
		return
	}
	s.sendMessage(w, "API request tracked")
}

// handleClearCache succeeds once in-memory state is cleared. A durable cache failure is reported
// in the message because the durable copy expires on its own.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.ClearAll(r.Context()); err != nil {
		log.Warn("Durable performance cache was not cleared: %v", err)
		s.sendMessage(w, "Performance data cleared, durable cache unavailable: "+err.Error())
		return
	}
	s.sendMessage(w, "Performance data cleared")
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["alertId"]
	err := s.deps.Service.ResolveAlert(id)
	if errors.Is(err, alerts.ErrAlertNotFound) {
		s.sendError(w, http.StatusNotFound, "Alert not found", err)
		return
	}
	if err != nil {
		s.sendServiceError(w, "Failed to resolve alert", err)
		return
	}
	s.sendMessage(w, "Alert resolved")
}

func (s *Server) sendServiceError(w http.ResponseWriter, errText string, err error) {
	log.Error("%s: %v", errText, err)
	s.sendError(w, http.StatusInternalServerError, errText, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, dst interface{}) bool {
	fields, err := decodeValid(r, schema, dst)
	switch {
	case errors.Is(err, errBodyTooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large", err)
		return false
	case err != nil:
		s.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	case len(fields) > 0:
		s.sendValidationError(w, fields)
		return false
	}
	return true
}

// hoursParam reads the optional hours query parameter, a whole number of hours between 1 and a week.
func (s *Server) hoursParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return def, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > maxWindowHours {
		s.sendValidationError(w, []FieldError{{Field: "hours", Message: "hours must be a whole number between 1 and 168"}})
		return 0, false
	}
	return hours, true
}
