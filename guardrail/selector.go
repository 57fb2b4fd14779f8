package guardrail

import (
	"context"

	"github.com/fedrag/privacy-rag/knowledge"
)

// Selector picks the policy for the first generation call.
type Selector struct {
	policies Policies
	intent   IntentClassifier
	detector PIIDetector
}

// NewSelector builds a Selector. Without a detector the compliance policy is
// never chosen up front.
func NewSelector(policies Policies, intent IntentClassifier, detector PIIDetector) *Selector {
	return &Selector{policies: policies, intent: intent, detector: detector}
}

func (s *Selector) Policies() Policies { return s.policies }

// Select returns the compliance policy up front only when one is configured,
// the question reads as a compliance question, the retrieved context is
// itself about privacy, and unthresholded detection on the original question
// finds nothing. A failed detection keeps the default. Running without any
// guardrail is never chosen here; that only happens through a verified
// bypass.
func (s *Selector) Select(ctx context.Context, question string, contextSample []knowledge.Snippet) Policy {
	if s.policies.Compliance.Disabled() || s.detector == nil {
		return s.policies.Default
	}
	if !s.intent.HasComplianceIntent(question) || !s.mentionsPrivacy(contextSample) {
		return s.policies.Default
	}
	res, err := s.detector.Detect(ctx, question)
	if err != nil || !res.NoneFound {
		return s.policies.Default
	}
	return s.policies.Compliance
}

func (s *Selector) mentionsPrivacy(sample []knowledge.Snippet) bool {
	for _, sn := range sample {
		if s.intent.MentionsPrivacy(sn.Text) {
			return true
		}
	}
	return false
}
