package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
)

// FieldError names one offending request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Response is the envelope of every route.
type Response struct {
	Success         bool         `json:"success"`
	Data            interface{}  `json:"data,omitempty"`
	Message         string       `json:"message,omitempty"`
	Error           string       `json:"error,omitempty"`
	Fields          []FieldError `json:"fields,omitempty"`
	ExecutionTimeMs *float64     `json:"executionTime,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = s.now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("Error writing response: %v", err)
	}
}

func (s *Server) sendData(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func (s *Server) sendMessage(w http.ResponseWriter, message string) {
	s.sendJSON(w, http.StatusOK, Response{Success: true, Message: message})
}

func (s *Server) sendError(w http.ResponseWriter, status int, errText string, err error) {
	resp := Response{Error: errText}
	if err != nil {
		resp.Message = err.Error()
	}
	s.sendJSON(w, status, resp)
}

func (s *Server) sendValidationError(w http.ResponseWriter, fields []FieldError) {
	s.sendJSON(w, http.StatusBadRequest, Response{
		Error:   "Validation failed",
		Message: "Request body is missing or has invalid fields",
		Fields:  fields,
	})
}
