// Package knowledge is the boundary to the managed retrieval-and-generation
// service. Everything above it works with these types and *apperr.Error,
// never with SDK shapes.
package knowledge

import "context"

const UnknownSource = "unknown source"

// GuardrailAction reports whether the service's guardrail altered a call.
type GuardrailAction string

const (
	GuardrailActionNone       GuardrailAction = "NONE"
	GuardrailActionIntervened GuardrailAction = "INTERVENED"
)

// GuardrailRef names the guardrail applied to a generation call. A nil
// *GuardrailRef means the call runs without a guardrail.
type GuardrailRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type Snippet struct {
	Text      string  `json:"text"`
	SourceURI string  `json:"sourceUri,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

type Reference struct {
	Text      string         `json:"text"`
	SourceURI string         `json:"sourceUri,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Source returns the location of the reference for display.
func (r Reference) Source() string {
	if r.SourceURI == "" {
		return UnknownSource
	}
	return r.SourceURI
}

type Span struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Citation ties a slice of the generated answer to its sources.
type Citation struct {
	AnswerSpan Span        `json:"answerSpan"`
	References []Reference `json:"references"`
}

func (c Citation) Clone() Citation {
	out := Citation{AnswerSpan: c.AnswerSpan}
	if c.References != nil {
		out.References = make([]Reference, len(c.References))
		for i, r := range c.References {
			out.References[i] = Reference{Text: r.Text, SourceURI: r.SourceURI, Metadata: cloneMap(r.Metadata)}
		}
	}
	return out
}

func CloneCitations(cs []Citation) []Citation {
	if cs == nil {
		return nil
	}
	out := make([]Citation, len(cs))
	for i, c := range cs {
		out[i] = c.Clone()
	}
	return out
}

func CloneSnippets(s []Snippet) []Snippet {
	if s == nil {
		return nil
	}
	out := make([]Snippet, len(s))
	copy(out, s)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

type GenerateInput struct {
	Question  string
	Guardrail *GuardrailRef
	SessionID string
}

type GenerateOutput struct {
	AnswerText      string          `json:"answerText"`
	Citations       []Citation      `json:"citations"`
	GuardrailAction GuardrailAction `json:"guardrailAction"`
	SessionID       string          `json:"sessionId,omitempty"`
}

func (o GenerateOutput) Clone() GenerateOutput {
	o.Citations = CloneCitations(o.Citations)
	return o
}

// Service is the knowledge retrieval-and-generation contract. Errors are
// *apperr.Error values.
type Service interface {
	RetrieveAndGenerate(ctx context.Context, in GenerateInput) (GenerateOutput, error)
	Retrieve(ctx context.Context, question string, topK int) ([]Snippet, error)
}
