package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedrag/privacy-rag/apperr"
	"github.com/fedrag/privacy-rag/knowledge"
	"github.com/fedrag/privacy-rag/pipeline"
	"github.com/fedrag/privacy-rag/telemetry"
)

type fakeAnswerer struct {
	resp    pipeline.Response
	err     error
	got     pipeline.Request
	hasDead bool
}

func (f *fakeAnswerer) Answer(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	f.got = req
	_, f.hasDead = ctx.Deadline()
	return f.resp, f.err
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) IsHealthy() bool { return f.healthy }

func (f fakeHealth) GetInfo() map[string]interface{} {
	return map[string]interface{}{"detector": "regex_detector", "healthy": f.healthy}
}

type fakeWeekly struct{ rows []telemetry.WeeklyCounters }

func (f fakeWeekly) Snapshot() []telemetry.WeeklyCounters { return f.rows }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(answerer Answerer, opts Options) *Server {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Second
	}
	return NewServer(opts, Deps{
		Pipeline: answerer,
		Health:   fakeHealth{healthy: true},
		Weekly:   fakeWeekly{},
		Logger:   quietLogger(),
	})
}

func postChat(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChat_ReturnsAnswer(t *testing.T) {
	answerer := &fakeAnswerer{resp: pipeline.Response{
		Answer: pipeline.Answer{
			Text:            "Call [REDACTED: PHONE] for details.",
			GuardrailAction: knowledge.GuardrailActionNone,
			SessionID:       "sess-1",
		},
		RedactedQuery:  "Who is [REDACTED: NAME]?",
		RedactedAnswer: "Call [REDACTED: PHONE] for details.",
	}}
	srv := newTestServer(answerer, Options{})

	rec := postChat(t, srv.Handler(), `{"query":"Who is John?","sessionId":"sess-1"}`, map[string]string{correlationHeader: "corr-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-123", rec.Header().Get(correlationHeader))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Call [REDACTED: PHONE] for details.", body["answer"])
	assert.Equal(t, []interface{}{}, body["citations"])
	assert.Equal(t, "NONE", body["guardrailAction"])
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Equal(t, "Who is [REDACTED: NAME]?", body["redactedQuery"])
	assert.Equal(t, false, body["degraded"])
	assert.Equal(t, "corr-123", body["correlationId"])

	assert.Equal(t, "Who is John?", answerer.got.Query)
	assert.Equal(t, "sess-1", answerer.got.SessionID)
	assert.Equal(t, "corr-123", answerer.got.CorrelationID)
	assert.True(t, answerer.hasDead, "pipeline context should carry the request timeout")
}

func TestChat_OmitsUnchangedRedactions(t *testing.T) {
	answerer := &fakeAnswerer{resp: pipeline.Response{Answer: pipeline.DegradedAnswer("")}}
	srv := newTestServer(answerer, Options{})

	rec := postChat(t, srv.Handler(), `{"query":"What changed?"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "redactedQuery")
	assert.NotContains(t, body, "redactedAnswer")
	assert.Equal(t, true, body["degraded"])
	assert.NotEmpty(t, body["sessionId"])
}

func TestChat_GeneratesCorrelationID(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, Options{})

	rec := postChat(t, srv.Handler(), `{"query":"hi"}`, map[string]string{correlationHeader: "bad id with spaces"})
	id := rec.Header().Get(correlationHeader)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "bad id with spaces", id)
}

func TestChat_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "client error keeps its message",
			err:        apperr.New(apperr.KindClient, "pipeline.validate", "query must not be empty"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "client_error",
			wantMsg:    "query must not be empty",
		},
		{
			name:       "throttled",
			err:        apperr.New(apperr.KindUpstreamThrottled, "knowledge.generate", "ThrottlingException: rate exceeded"),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "upstream_throttled",
			wantMsg:    genericErrorMessage,
		},
		{
			name:       "timeout",
			err:        apperr.New(apperr.KindTimeout, "pipeline.generate", "deadline exceeded"),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "timeout",
			wantMsg:    genericErrorMessage,
		},
		{
			name:       "pii detection hides internals",
			err:        apperr.New(apperr.KindPIIDetectionFailed, "pii.redact", "comprehend: access denied"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "pii_detection_failed",
			wantMsg:    genericErrorMessage,
		},
		{
			name:       "untyped error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
			wantMsg:    genericErrorMessage,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeAnswerer{err: tc.err}, Options{})
			rec := postChat(t, srv.Handler(), `{"query":"hello"}`, map[string]string{correlationHeader: "corr-9"})

			assert.Equal(t, tc.wantStatus, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Code)
			assert.Equal(t, tc.wantMsg, body.Error)
			assert.Equal(t, "corr-9", body.CorrelationID)
		})
	}
}

func TestChat_BadBodies(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, Options{MaxBodyBytes: 32})

	rec := postChat(t, srv.Handler(), `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postChat(t, srv.Handler(), ``, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postChat(t, srv.Handler(), `{"query":"`+strings.Repeat("a", 64)+`"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChat_RateLimited(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, Options{RateLimit: 0.001, RateBurst: 1})

	first := postChat(t, srv.Handler(), `{"query":"one"}`, nil)
	second := postChat(t, srv.Handler(), `{"query":"two"}`, nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestChat_CORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, Options{AllowedOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChat_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	for _, healthy := range []bool{true, false} {
		srv := NewServer(Options{}, Deps{Pipeline: &fakeAnswerer{}, Health: fakeHealth{healthy: healthy}, Logger: quietLogger()})

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		if healthy {
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "healthy", body["status"])
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, "unhealthy", body["status"])
		}
		assert.Contains(t, body, "detector")
	}
}

func TestWeeklyTelemetry(t *testing.T) {
	week := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	srv := NewServer(Options{}, Deps{
		Pipeline: &fakeAnswerer{},
		Weekly:   fakeWeekly{rows: []telemetry.WeeklyCounters{{PolicyID: "gr-default", WeekStart: week, Requests: 4, Interventions: 1}}},
		Logger:   quietLogger(),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/weekly", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Weeks []telemetry.WeeklyCounters `json:"weeks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Weeks, 1)
	assert.Equal(t, "gr-default", body.Weeks[0].PolicyID)
	assert.Equal(t, int64(4), body.Weeks[0].Requests)
	assert.True(t, week.Equal(body.Weeks[0].WeekStart))
}

func TestWeeklyTelemetry_EmptyIsArray(t *testing.T) {
	srv := NewServer(Options{}, Deps{Pipeline: &fakeAnswerer{}, Logger: quietLogger()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/telemetry/weekly", nil))
	assert.JSONEq(t, `{"weeks":[]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	collector := telemetry.NewCollector("", prometheus.NewRegistry())
	m := telemetry.NewRequestMetrics("corr-1")
	m.PolicyID = "gr-default"
	m.Finalize("")
	collector.Record(m)

	srv := NewServer(Options{}, Deps{
		Pipeline: &fakeAnswerer{},
		Metrics:  promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}),
		Logger:   quietLogger(),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `privacy_rag_requests_total{outcome="ok",policy="gr-default"} 1`)
}
