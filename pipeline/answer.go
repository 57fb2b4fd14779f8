package pipeline

import (
	"github.com/google/uuid"

	"github.com/fedrag/privacy-rag/knowledge"
	"github.com/fedrag/privacy-rag/telemetry"
)

// DegradedAnswerText is returned when the knowledge service stays throttled.
const DegradedAnswerText = "Verified sources are temporarily unavailable, so this reply is unsourced and should not be relied on. " +
	"Please try your question again in a few minutes."

type Request struct {
	Query         string
	SessionID     string
	CorrelationID string
}

// Answer is what the user sees. Degraded and intervened answers never carry
// citations.
type Answer struct {
	Text            string                    `json:"text"`
	Citations       []knowledge.Citation      `json:"citations"`
	GuardrailAction knowledge.GuardrailAction `json:"guardrailAction"`
	SessionID       string                    `json:"sessionId,omitempty"`
	RetryCount      int                       `json:"retryCount"`
	Degraded        bool                      `json:"degraded"`
}

// DegradedAnswer synthesizes the unsourced fallback. An empty sessionID gets
// a fresh one so the client can keep the conversation going.
func DegradedAnswer(sessionID string) Answer {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return Answer{
		Text:            DegradedAnswerText,
		Citations:       []knowledge.Citation{},
		GuardrailAction: knowledge.GuardrailActionNone,
		SessionID:       sessionID,
		Degraded:        true,
	}
}

// Response is the full result of one request. RedactedQuery and
// RedactedAnswer are set only when masking changed the text.
type Response struct {
	Answer         Answer
	RedactedQuery  string
	RedactedAnswer string
	Metrics        *telemetry.RequestMetrics
}

// CachedAnswer is a completed answer after redaction. Entries are shared
// across callers, so they never carry a session id.
type CachedAnswer struct {
	Text      string               `json:"text"`
	Citations []knowledge.Citation `json:"citations"`
	Redacted  bool                 `json:"redacted"`
}

func (c CachedAnswer) Clone() CachedAnswer {
	return CachedAnswer{Text: c.Text, Citations: knowledge.CloneCitations(c.Citations), Redacted: c.Redacted}
}

// answer rebuilds a user-facing answer from a cache entry. The upstream
// session belonged to whoever populated the entry, so none is returned.
func (c CachedAnswer) answer() Answer {
	citations := knowledge.CloneCitations(c.Citations)
	if citations == nil {
		citations = []knowledge.Citation{}
	}
	return Answer{
		Text:            c.Text,
		Citations:       citations,
		GuardrailAction: knowledge.GuardrailActionNone,
	}
}
