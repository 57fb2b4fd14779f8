package guardrail

import (
	"context"
	"log/slog"

	"github.com/fedrag/privacy-rag/pii"
)

// State is the outcome of evaluating an intervention.
type State string

const (
	StateBypass State = "bypass"
	StateAbort  State = "abort"
)

// Reason explains a Decision; it is logged and counted, never shown to users.
type Reason string

const (
	ReasonNotPIITopic        Reason = "not_pii_topic"
	ReasonPIIDetected        Reason = "pii_detected"
	ReasonNoComplianceIntent Reason = "no_compliance_intent"
	ReasonVerificationFailed Reason = "verification_failed"
	ReasonComplianceVerified Reason = "compliance_verified"
)

type Decision struct {
	State  State
	Reason Reason
	// Policy is the alternate policy to retry with when State is StateBypass.
	Policy Policy
	// Entities is the number of entities verification found.
	Entities int
	Err      error
}

func (d Decision) Bypass() bool { return d.State == StateBypass }

// PIIDetector verifies a question carries no personal information. Results
// are unthresholded so any detection blocks the bypass.
type PIIDetector interface {
	Detect(ctx context.Context, text string) (pii.DetectionResult, error)
}

// Bypass decides whether an intervention on the default policy may be
// retried once under the compliance policy.
type Bypass struct {
	policies     Policies
	intervention InterventionClassifier
	intent       IntentClassifier
	detector     PIIDetector
	logger       *slog.Logger
}

func NewBypass(policies Policies, intervention InterventionClassifier, intent IntentClassifier, detector PIIDetector, logger *slog.Logger) *Bypass {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bypass{
		policies:     policies,
		intervention: intervention,
		intent:       intent,
		detector:     detector,
		logger:       logger.With("component", "guardrail_bypass"),
	}
}

// Evaluate runs the verification sequence on the ORIGINAL question. Any
// detected entity or verification error aborts.
func (b *Bypass) Evaluate(ctx context.Context, question, interventionMessage string) Decision {
	d := b.evaluate(ctx, question, interventionMessage)
	b.logger.Info("guardrail intervention evaluated",
		"state", d.State,
		"reason", d.Reason,
		"entities", d.Entities,
	)
	return d
}

func (b *Bypass) evaluate(ctx context.Context, question, interventionMessage string) Decision {
	if !b.intervention.IsPersonalInformationTopic(interventionMessage) {
		return Decision{State: StateAbort, Reason: ReasonNotPIITopic}
	}

	res, err := b.detector.Detect(ctx, question)
	if err != nil {
		return Decision{State: StateAbort, Reason: ReasonVerificationFailed, Err: err}
	}
	if !res.NoneFound || len(res.Entities) > 0 {
		return Decision{State: StateAbort, Reason: ReasonPIIDetected, Entities: len(res.Entities)}
	}

	if !b.intent.HasComplianceIntent(question) {
		return Decision{State: StateAbort, Reason: ReasonNoComplianceIntent}
	}

	return Decision{State: StateBypass, Reason: ReasonComplianceVerified, Policy: b.policies.Compliance}
}
