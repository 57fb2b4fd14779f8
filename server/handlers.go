package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/fedrag/privacy-rag/apperr"
	"github.com/fedrag/privacy-rag/knowledge"
	"github.com/fedrag/privacy-rag/pipeline"
	"github.com/fedrag/privacy-rag/telemetry"
)

const genericErrorMessage = "Something went wrong while answering your question. Please try again and quote the correlation id if the problem persists."

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId,omitempty"`
}

type chatResponse struct {
	Answer          string                    `json:"answer"`
	Citations       []knowledge.Citation      `json:"citations"`
	GuardrailAction knowledge.GuardrailAction `json:"guardrailAction"`
	SessionID       string                    `json:"sessionId,omitempty"`
	RedactedQuery   string                    `json:"redactedQuery,omitempty"`
	RedactedAnswer  string                    `json:"redactedAnswer,omitempty"`
	Degraded        bool                      `json:"degraded"`
	CorrelationID   string                    `json:"correlationId"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlationId"`
}

// chat handles POST /chat
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	correlationID := CorrelationID(r.Context())

	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.writeError(w, r, http.StatusRequestEntityTooLarge, string(apperr.KindClient), "Request body is too large.")
		case errors.Is(err, io.EOF):
			s.writeError(w, r, http.StatusBadRequest, string(apperr.KindClient), "Request body is empty.")
		default:
			s.writeError(w, r, http.StatusBadRequest, string(apperr.KindClient), "Request body must be JSON with a \"query\" field.")
		}
		return
	}

	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := s.deps.Pipeline.Answer(ctx, pipeline.Request{
		Query:         req.Query,
		SessionID:     req.SessionID,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	citations := resp.Answer.Citations
	if citations == nil {
		citations = []knowledge.Citation{}
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		Answer:          resp.Answer.Text,
		Citations:       citations,
		GuardrailAction: resp.Answer.GuardrailAction,
		SessionID:       resp.Answer.SessionID,
		RedactedQuery:   resp.RedactedQuery,
		RedactedAnswer:  resp.RedactedAnswer,
		Degraded:        resp.Answer.Degraded,
		CorrelationID:   correlationID,
	})
}

// writePipelineError maps a pipeline failure to a status. Only client
// errors echo their message; everything else gets the generic text.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := genericErrorMessage

	if e, ok := apperr.As(err); ok {
		status = e.HTTPStatus()
		code = string(e.Kind)
		if e.Kind == apperr.KindClient || e.Kind == apperr.KindInvalidInput {
			message = e.Message
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "correlation_id", CorrelationID(r.Context()), "kind", code, "status", status, "error", err)
		s.report(r, code, err)
	} else {
		s.logger.Info("request rejected", "correlation_id", CorrelationID(r.Context()), "kind", code, "status", status)
	}
	s.writeError(w, r, status, code, message)
}

// report sends server-side failures to Sentry. It is a no-op when no client
// is bound to the hub.
func (s *Server) report(r *http.Request, kind string, err error) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("correlation_id", CorrelationID(r.Context()))
		scope.SetTag("error_kind", kind)
		scope.SetTag("route", r.URL.Path)
	})
	hub.CaptureException(err)
}

// healthCheck handles GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "privacy-rag",
	}
	if s.deps.Health != nil {
		body["detector"] = s.deps.Health.GetInfo()
		if !s.deps.Health.IsHealthy() {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
	}
	s.writeJSON(w, status, body)
}

// weeklyTelemetry handles GET /api/telemetry/weekly
func (s *Server) weeklyTelemetry(w http.ResponseWriter, r *http.Request) {
	weeks := []telemetry.WeeklyCounters{}
	if s.deps.Weekly != nil {
		if snap := s.deps.Weekly.Snapshot(); snap != nil {
			weeks = snap
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"weeks": weeks})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:         message,
		Code:          code,
		CorrelationID: CorrelationID(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
