// Package telemetry records per-request pipeline metrics, exports them to
// Prometheus, and rolls them up into weekly counters per guardrail policy.
package telemetry

import (
	"sync"
	"time"
)

type Stage string

const (
	StageValidate       Stage = "validate"
	StageRedactQuestion Stage = "redact_question"
	StageContext        Stage = "context"
	StageGuardrail      Stage = "guardrail"
	StageGenerate       Stage = "generate"
	StageBypass         Stage = "bypass"
	StageRedactAnswer   Stage = "redact_answer"
)

// CacheResult is the outcome of a cache lookup for one request.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	// CacheSkip means the cache was not consulted, e.g. for session requests.
	CacheSkip CacheResult = "skip"
)

const OutcomeOK = "ok"

// StageTiming is one completed stage.
type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// RequestMetrics accumulates what happened during a single request. It is
// owned by the request goroutine; the mutex only guards against stage timers
// stopped from deferred calls after Finalize.
type RequestMetrics struct {
	mu sync.Mutex

	CorrelationID    string
	PolicyID         string
	StartedAt        time.Time
	Stages           []StageTiming
	Retries          int
	EntitiesRedacted int
	Interventions    int
	BypassReason     string
	Bypassed         bool
	ContextCache     CacheResult
	AnswerCache      CacheResult
	Degraded         bool
	Outcome          string
	Total            time.Duration

	now       func() time.Time
	finalized bool
}

func NewRequestMetrics(correlationID string) *RequestMetrics {
	return newRequestMetrics(correlationID, time.Now)
}

func newRequestMetrics(correlationID string, now func() time.Time) *RequestMetrics {
	return &RequestMetrics{
		CorrelationID: correlationID,
		StartedAt:     now(),
		ContextCache:  CacheSkip,
		AnswerCache:   CacheSkip,
		now:           now,
	}
}

// Track starts timing a stage and returns the func that stops it.
//
//	defer m.Track(telemetry.StageGenerate)()
func (m *RequestMetrics) Track(stage Stage) func() time.Duration {
	start := m.now()
	return func() time.Duration {
		d := m.now().Sub(start)
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.finalized {
			m.Stages = append(m.Stages, StageTiming{Stage: stage, Duration: d})
		}
		return d
	}
}

// StageDuration sums every timing recorded for stage.
func (m *RequestMetrics) StageDuration(stage Stage) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	for _, s := range m.Stages {
		if s.Stage == stage {
			total += s.Duration
		}
	}
	return total
}

// Finalize stamps the outcome and total duration. Later calls are no-ops.
func (m *RequestMetrics) Finalize(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	m.Outcome = outcome
	m.Total = m.now().Sub(m.StartedAt)
	m.finalized = true
}

// LogAttrs renders the metrics as slog key-value pairs. It never includes
// request or answer text, and leaves the correlation id to the caller's
// logger.
func (m *RequestMetrics) LogAttrs() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs := []any{
		"policy_id", m.PolicyID,
		"outcome", m.Outcome,
		"duration_ms", m.Total.Milliseconds(),
		"retries", m.Retries,
		"entities_redacted", m.EntitiesRedacted,
		"interventions", m.Interventions,
		"bypassed", m.Bypassed,
		"context_cache", string(m.ContextCache),
		"answer_cache", string(m.AnswerCache),
		"degraded", m.Degraded,
	}
	for _, s := range m.Stages {
		attrs = append(attrs, "stage_"+string(s.Stage)+"_ms", s.Duration.Milliseconds())
	}
	return attrs
}

// Recorder consumes finalized request metrics.
type Recorder interface {
	Record(m *RequestMetrics)
}

// Recorders fans out to every non-nil recorder.
type Recorders []Recorder

func (rs Recorders) Record(m *RequestMetrics) {
	for _, r := range rs {
		if r != nil {
			r.Record(m)
		}
	}
}
