// Package pipeline answers one question end to end: redact, route through
// the guardrail, generate, redact again, and account for it.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fedrag/privacy-rag/apperr"
	"github.com/fedrag/privacy-rag/cache"
	"github.com/fedrag/privacy-rag/guardrail"
	"github.com/fedrag/privacy-rag/knowledge"
	"github.com/fedrag/privacy-rag/pii"
	"github.com/fedrag/privacy-rag/resilience"
	"github.com/fedrag/privacy-rag/telemetry"
)

const (
	DefaultMaxQueryLength = 10000
	DefaultContextTopK    = 3
)

// Redactor masks PII in free text.
type Redactor interface {
	Redact(ctx context.Context, text string) (pii.MaskingResult, error)
}

type Options struct {
	MaxQueryLength int
	ContextTopK    int
	// DegradeOnThrottle answers with DegradedAnswer when the generation call
	// stays throttled after retries; otherwise the throttling error surfaces.
	DegradeOnThrottle bool
	// LogVerbose adds masked question and answer text to debug logs.
	LogVerbose bool
}

func DefaultOptions() Options {
	return Options{
		MaxQueryLength:    DefaultMaxQueryLength,
		ContextTopK:       DefaultContextTopK,
		DegradeOnThrottle: true,
	}
}

// Deps are the collaborators an Orchestrator needs. Nil caches disable
// caching; a nil Recorder drops metrics.
type Deps struct {
	Redactor     Redactor
	Knowledge    knowledge.Service
	Executor     *resilience.Executor
	ContextCache cache.Cache[[]knowledge.Snippet]
	AnswerCache  cache.Cache[CachedAnswer]
	Selector     *guardrail.Selector
	Bypass       *guardrail.Bypass
	Recorder     telemetry.Recorder
	Logger       *slog.Logger
}

type Orchestrator struct {
	redactor     Redactor
	knowledge    knowledge.Service
	executor     *resilience.Executor
	contextCache cache.Cache[[]knowledge.Snippet]
	answerCache  cache.Cache[CachedAnswer]
	selector     *guardrail.Selector
	bypass       *guardrail.Bypass
	recorder     telemetry.Recorder
	logger       *slog.Logger
	opts         Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = DefaultMaxQueryLength
	}
	if opts.ContextTopK <= 0 {
		opts.ContextTopK = DefaultContextTopK
	}
	if deps.Executor == nil {
		deps.Executor = resilience.NewExecutor(resilience.DefaultOptions())
	}
	if deps.ContextCache == nil {
		deps.ContextCache = noCache[[]knowledge.Snippet]{}
	}
	if deps.AnswerCache == nil {
		deps.AnswerCache = noCache[CachedAnswer]{}
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.Recorders{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		redactor:     deps.Redactor,
		knowledge:    deps.Knowledge,
		executor:     deps.Executor,
		contextCache: deps.ContextCache,
		answerCache:  deps.AnswerCache,
		selector:     deps.Selector,
		bypass:       deps.Bypass,
		recorder:     deps.Recorder,
		logger:       deps.Logger.With("component", "pipeline"),
		opts:         opts,
	}
}

type noCache[T any] struct{}

func (noCache[T]) Get(context.Context, string) (T, bool) {
	var zero T
	return zero, false
}

func (noCache[T]) Set(context.Context, string, T) {}

// Answer runs the full pipeline for one question. Stages run strictly in
// order; only the context sample is allowed to fail softly.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (resp Response, err error) {
	m := telemetry.NewRequestMetrics(req.CorrelationID)
	log := o.logger.With("correlation_id", req.CorrelationID)
	defer func() {
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		m.Finalize(outcome)
		o.recorder.Record(m)
		log.Info("request completed", m.LogAttrs()...)
	}()

	stop := m.Track(telemetry.StageValidate)
	err = o.validate(req.Query)
	o.stageDone(log, telemetry.StageValidate, stop)
	if err != nil {
		return Response{Metrics: m}, err
	}

	stop = m.Track(telemetry.StageRedactQuestion)
	question, err := o.redactor.Redact(ctx, req.Query)
	o.stageDone(log, telemetry.StageRedactQuestion, stop, "entities", len(question.EntitiesFound))
	if err != nil {
		return Response{Metrics: m}, o.fail(ctx, "pipeline.redact_question", err)
	}
	m.EntitiesRedacted += len(question.EntitiesFound)
	if o.opts.LogVerbose {
		log.Debug("masked question", "text", question.MaskedText)
	}

	stop = m.Track(telemetry.StageContext)
	sample := o.contextSample(ctx, log, question.MaskedText, m)
	o.stageDone(log, telemetry.StageContext, stop, "snippets", len(sample))

	stop = m.Track(telemetry.StageGuardrail)
	policy := o.selector.Select(ctx, req.Query, sample)
	o.stageDone(log, telemetry.StageGuardrail, stop, "policy", policy.Name)
	m.PolicyID = policy.CacheID()

	resp = Response{Metrics: m}
	if question.Changed() {
		resp.RedactedQuery = question.MaskedText
	}

	stop = m.Track(telemetry.StageGenerate)
	useCache := req.SessionID == ""
	if useCache {
		if hit, ok := o.answerCache.Get(ctx, answerKey(question.MaskedText, policy)); ok {
			o.stageDone(log, telemetry.StageGenerate, stop, "cache", "hit")
			m.AnswerCache = telemetry.CacheHit
			resp.Answer = hit.answer()
			resp.Answer.RetryCount = m.Retries
			if hit.Redacted {
				resp.RedactedAnswer = hit.Text
			}
			return resp, nil
		}
		m.AnswerCache = telemetry.CacheMiss
	}
	out, err := o.generate(ctx, question.MaskedText, policy, req.SessionID, m)
	o.stageDone(log, telemetry.StageGenerate, stop)

	message, intervened := interventionMessage(out, err)
	if intervened {
		m.Interventions++
		firstSession := out.SessionID
		stop = m.Track(telemetry.StageBypass)
		out, policy, intervened, err = o.tryBypass(ctx, log, req, question.MaskedText, message, m)
		o.stageDone(log, telemetry.StageBypass, stop, "bypassed", m.Bypassed)
		if intervened {
			resp.Answer = blockedAnswer(firstNonEmpty(out.SessionID, firstSession, req.SessionID))
			resp.Answer.RetryCount = m.Retries
			return resp, nil
		}
	}

	if err != nil {
		// A deadline that fired during backoff is a timeout, not throttling.
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return Response{Metrics: m}, o.fail(ctx, "pipeline.generate", err)
		}
		if o.opts.DegradeOnThrottle && apperr.IsKind(err, apperr.KindUpstreamThrottled) {
			log.Warn("knowledge service throttled, answering in degraded mode", "retries", resilience.RetriesOf(err))
			m.Degraded = true
			resp.Answer = DegradedAnswer(req.SessionID)
			resp.Answer.RetryCount = m.Retries
			return resp, nil
		}
		return Response{Metrics: m}, o.fail(ctx, "pipeline.generate", err)
	}

	stop = m.Track(telemetry.StageRedactAnswer)
	answer, err := o.redactor.Redact(ctx, out.AnswerText)
	o.stageDone(log, telemetry.StageRedactAnswer, stop, "entities", len(answer.EntitiesFound))
	if err != nil {
		return Response{Metrics: m}, o.fail(ctx, "pipeline.redact_answer", err)
	}
	m.EntitiesRedacted += len(answer.EntitiesFound)
	if o.opts.LogVerbose {
		log.Debug("masked answer", "text", answer.MaskedText)
	}

	citations := knowledge.CloneCitations(out.Citations)
	if citations == nil {
		citations = []knowledge.Citation{}
	}
	if answer.Changed() {
		resp.RedactedAnswer = answer.MaskedText
		if err := o.redactCitationSpans(ctx, citations); err != nil {
			return Response{Metrics: m}, o.fail(ctx, "pipeline.redact_answer", err)
		}
	}

	resp.Answer = Answer{
		Text:            answer.MaskedText,
		Citations:       citations,
		GuardrailAction: knowledge.GuardrailActionNone,
		SessionID:       firstNonEmpty(out.SessionID, req.SessionID),
		RetryCount:      m.Retries,
	}
	if useCache {
		o.answerCache.Set(ctx, answerKey(question.MaskedText, policy), CachedAnswer{
			Text:      answer.MaskedText,
			Citations: citations,
			Redacted:  answer.Changed(),
		})
	}
	return resp, nil
}

func answerKey(question string, policy guardrail.Policy) string {
	return cache.Key{Intent: cache.IntentAnswer, Prompt: question, PolicyID: policy.CacheID(), PolicyVersion: policy.Version}.Digest()
}

func (o *Orchestrator) validate(query string) error {
	if !utf8.ValidString(query) {
		return apperr.New(apperr.KindClient, "pipeline.validate", "query must be valid UTF-8 text")
	}
	if strings.TrimSpace(query) == "" {
		return apperr.New(apperr.KindClient, "pipeline.validate", "query must not be empty")
	}
	if n := utf8.RuneCountInString(query); n > o.opts.MaxQueryLength {
		return apperr.Newf(apperr.KindClient, "pipeline.validate", "query is %d characters; the limit is %d", n, o.opts.MaxQueryLength)
	}
	return nil
}

// contextSample retrieves a few snippets for routing. Any failure yields an
// empty sample and the default policy.
func (o *Orchestrator) contextSample(ctx context.Context, log *slog.Logger, question string, m *telemetry.RequestMetrics) []knowledge.Snippet {
	key := cache.Key{Intent: cache.IntentContext, Prompt: question, TopK: o.opts.ContextTopK}.Digest()
	if v, ok := o.contextCache.Get(ctx, key); ok {
		m.ContextCache = telemetry.CacheHit
		return v
	}
	m.ContextCache = telemetry.CacheMiss

	res, err := resilience.Execute(ctx, o.executor, func(ctx context.Context) ([]knowledge.Snippet, error) {
		return o.knowledge.Retrieve(ctx, question, o.opts.ContextTopK)
	})
	m.Retries += res.Retries
	if err != nil {
		log.Warn("context sample unavailable, routing with default policy",
			"error_kind", apperr.KindOf(err),
			"retries", res.Retries,
		)
		return nil
	}
	if len(res.Value) > 0 {
		o.contextCache.Set(ctx, key, res.Value)
	}
	return res.Value
}

// generate calls the knowledge service through the executor. Caching
// happens in Answer, after redaction.
func (o *Orchestrator) generate(ctx context.Context, question string, policy guardrail.Policy, sessionID string, m *telemetry.RequestMetrics) (knowledge.GenerateOutput, error) {
	res, err := resilience.Execute(ctx, o.executor, func(ctx context.Context) (knowledge.GenerateOutput, error) {
		return o.knowledge.RetrieveAndGenerate(ctx, knowledge.GenerateInput{
			Question:  question,
			Guardrail: policy.Ref(),
			SessionID: sessionID,
		})
	})
	m.Retries += res.Retries
	if err != nil {
		return knowledge.GenerateOutput{}, err
	}
	return res.Value, nil
}

// interventionMessage reports whether a generation result was blocked by the
// guardrail, either as a reported action or as a rejected call.
func interventionMessage(out knowledge.GenerateOutput, err error) (string, bool) {
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindGuardrailIntervention {
			return ae.Message, true
		}
		return "", false
	}
	if out.GuardrailAction == knowledge.GuardrailActionIntervened {
		return out.AnswerText, true
	}
	return "", false
}

// tryBypass evaluates the intervention and, when verified, retries once under
// the alternate policy, which it returns along with the output. The returned
// bool is true when the intervention stands.
func (o *Orchestrator) tryBypass(ctx context.Context, log *slog.Logger, req Request, masked, message string, m *telemetry.RequestMetrics) (knowledge.GenerateOutput, guardrail.Policy, bool, error) {
	d := o.bypass.Evaluate(ctx, req.Query, message)
	m.BypassReason = string(d.Reason)
	if !d.Bypass() {
		return knowledge.GenerateOutput{}, d.Policy, true, nil
	}

	out, err := o.generate(ctx, masked, d.Policy, req.SessionID, m)
	if err != nil {
		if apperr.IsKind(err, apperr.KindGuardrailIntervention) {
			return knowledge.GenerateOutput{}, d.Policy, true, nil
		}
		return out, d.Policy, false, err
	}
	if out.GuardrailAction == knowledge.GuardrailActionIntervened {
		log.Info("alternate policy also intervened", "policy", d.Policy.Name)
		return out, d.Policy, true, nil
	}
	m.Bypassed = true
	m.PolicyID = d.Policy.CacheID()
	return out, d.Policy, false, nil
}

func blockedAnswer(sessionID string) Answer {
	return Answer{
		Text:            guardrail.BlockedAnswer,
		Citations:       []knowledge.Citation{},
		GuardrailAction: knowledge.GuardrailActionIntervened,
		SessionID:       sessionID,
	}
}

// redactCitationSpans masks the answer excerpts citations quote, so text
// removed from the answer cannot reappear through them.
func (o *Orchestrator) redactCitationSpans(ctx context.Context, citations []knowledge.Citation) error {
	for i := range citations {
		span := &citations[i].AnswerSpan
		if strings.TrimSpace(span.Text) == "" {
			continue
		}
		res, err := o.redactor.Redact(ctx, span.Text)
		if err != nil {
			return err
		}
		span.Text = res.MaskedText
	}
	return nil
}

// fail maps an error to the taxonomy the server renders. Deadline overruns
// become Timeout regardless of where they surfaced.
func (o *Orchestrator) fail(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &apperr.Error{Kind: apperr.KindTimeout, Op: op, Message: "request timed out", Err: err}
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindUpstreamError, op, err)
}

func (o *Orchestrator) stageDone(log *slog.Logger, stage telemetry.Stage, stop func() time.Duration, attrs ...any) {
	d := stop()
	log.Debug("stage completed", append([]any{"stage", string(stage), "duration_ms", d.Milliseconds()}, attrs...)...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
