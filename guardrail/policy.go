// Package guardrail chooses the content-safety policy for a generation call
// and decides whether a personal-information intervention may be retried
// under the compliance policy.
package guardrail

import "github.com/fedrag/privacy-rag/knowledge"

const (
	PolicyNameDefault    = "default"
	PolicyNameCompliance = "compliance"
)

// BlockedAnswer is returned whenever an intervention stands.
const BlockedAnswer = "Sorry, I can't help with that request because it may involve personal information. " +
	"Please remove any personal details and ask again."

// Policy names a guardrail configuration. A policy with an empty ID runs the
// generation call without a guardrail.
type Policy struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
}

func (p Policy) Disabled() bool { return p.ID == "" }

// Ref returns the knowledge-service guardrail reference, nil when disabled.
func (p Policy) Ref() *knowledge.GuardrailRef {
	if p.Disabled() {
		return nil
	}
	return &knowledge.GuardrailRef{ID: p.ID, Version: p.Version}
}

// CacheID identifies the policy inside cache keys.
func (p Policy) CacheID() string {
	if p.Disabled() {
		return "none"
	}
	return p.ID
}

// Policies is the configured pair. A zero Compliance policy means bypass
// retries run with the guardrail disabled.
type Policies struct {
	Default    Policy
	Compliance Policy
}

func NewPolicies(defaultID, defaultVersion, complianceID, complianceVersion string) Policies {
	return Policies{
		Default:    Policy{Name: PolicyNameDefault, ID: defaultID, Version: defaultVersion},
		Compliance: Policy{Name: PolicyNameCompliance, ID: complianceID, Version: complianceVersion},
	}
}
