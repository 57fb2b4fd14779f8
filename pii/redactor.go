// Package pii masks personally identifiable information in free text using
// whichever detector the DetectorManager currently holds.
package pii

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fedrag/privacy-rag/apperr"
	"github.com/fedrag/privacy-rag/pii/detectors"
)

const (
	DefaultMinConfidenceScore = 0.5
	DefaultMaskPattern        = "<REDACTED:{TYPE}>"
	DefaultLanguageCode       = "en"

	unknownEntityType = "UNKNOWN"
	typePlaceholder   = "{TYPE}"
)

// Entity is a normalized detector finding. Offsets are a half-open rune range
// into the original text, never into masked text.
type Entity struct {
	Type        string  `json:"type"`
	Score       float64 `json:"score"`
	BeginOffset int     `json:"beginOffset"`
	EndOffset   int     `json:"endOffset"`
}

// MaskingResult is the outcome of one Redact call. EntitiesFound holds every
// entity at or above the confidence threshold, including ones whose span was
// unusable for masking.
type MaskingResult struct {
	OriginalText  string   `json:"originalText"`
	MaskedText    string   `json:"maskedText"`
	EntitiesFound []Entity `json:"entitiesFound"`
}

// Changed reports whether masking altered the text.
func (r MaskingResult) Changed() bool { return r.MaskedText != r.OriginalText }

// DetectionResult is returned by Detect, which does not mask.
type DetectionResult struct {
	NoneFound bool     `json:"noneFound"`
	Entities  []Entity `json:"entities"`
}

// DetectorProvider returns the detector to use for the next call. The
// DetectorManager implements it so a hot-swapped detector is picked up
// without rebuilding the Redactor.
type DetectorProvider interface {
	GetDetector() (detectors.Detector, error)
}

// Options tune masking. Use DefaultOptions as a starting point; a zero
// MinConfidenceScore masks every entity.
type Options struct {
	MinConfidenceScore float64
	MaskPattern        string
	LanguageCode       string
}

func DefaultOptions() Options {
	return Options{
		MinConfidenceScore: DefaultMinConfidenceScore,
		MaskPattern:        DefaultMaskPattern,
		LanguageCode:       DefaultLanguageCode,
	}
}

// Redactor detects and masks PII spans.
type Redactor struct {
	provider DetectorProvider
	opts     Options
}

func NewRedactor(provider DetectorProvider, opts Options) *Redactor {
	if opts.MaskPattern == "" {
		opts.MaskPattern = DefaultMaskPattern
	}
	if opts.LanguageCode == "" {
		opts.LanguageCode = DefaultLanguageCode
	}
	if opts.MinConfidenceScore < 0 {
		opts.MinConfidenceScore = 0
	}
	if opts.MinConfidenceScore > 1 {
		opts.MinConfidenceScore = 1
	}
	return &Redactor{provider: provider, opts: opts}
}

// RedactValue accepts an untyped value, as decoded from JSON, and rejects
// anything that is not a string.
func (r *Redactor) RedactValue(ctx context.Context, v any) (MaskingResult, error) {
	s, ok := v.(string)
	if !ok {
		return MaskingResult{}, apperr.Newf(apperr.KindInvalidInput, "pii.redact", "text must be a string, got %T", v)
	}
	return r.Redact(ctx, s)
}

// Redact masks every sufficiently confident entity in text. On detector
// failure it returns an error and no partial result.
func (r *Redactor) Redact(ctx context.Context, text string) (MaskingResult, error) {
	if !utf8.ValidString(text) {
		return MaskingResult{}, apperr.New(apperr.KindInvalidInput, "pii.redact", "text is not valid UTF-8")
	}
	if strings.TrimSpace(text) == "" {
		return MaskingResult{OriginalText: text, MaskedText: text, EntitiesFound: []Entity{}}, nil
	}

	entities, err := r.detect(ctx, "pii.redact", text)
	if err != nil {
		return MaskingResult{}, err
	}

	found := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Score >= r.opts.MinConfidenceScore {
			found = append(found, e)
		}
	}

	runes := []rune(text)
	var maskable []Entity
	for _, e := range found {
		if validSpan(e, len(runes)) {
			maskable = append(maskable, e)
		}
	}

	return MaskingResult{
		OriginalText:  text,
		MaskedText:    applyMasks(runes, mergeSpans(maskable), r.opts.MaskPattern),
		EntitiesFound: found,
	}, nil
}

// Detect reports every entity the detector returns, regardless of confidence.
func (r *Redactor) Detect(ctx context.Context, text string) (DetectionResult, error) {
	if strings.TrimSpace(text) == "" {
		return DetectionResult{NoneFound: true, Entities: []Entity{}}, nil
	}
	entities, err := r.detect(ctx, "pii.detect", text)
	if err != nil {
		return DetectionResult{}, err
	}
	return DetectionResult{NoneFound: len(entities) == 0, Entities: entities}, nil
}

func (r *Redactor) detect(ctx context.Context, op, text string) ([]Entity, error) {
	detector, err := r.provider.GetDetector()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPIIDetectionFailed, op, err)
	}
	out, err := detector.Detect(ctx, detectors.DetectorInput{Text: text, LanguageCode: r.opts.LanguageCode})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindTimeout, op, err)
		}
		return nil, apperr.Wrap(apperr.KindPIIDetectionFailed, op, fmt.Errorf("%s: %w", detector.GetName(), err))
	}
	return normalize(out.Entities), nil
}

func normalize(raw []detectors.Entity) []Entity {
	entities := make([]Entity, 0, len(raw))
	for _, e := range raw {
		typ := e.Label
		if typ == "" {
			typ = unknownEntityType
		}
		entities = append(entities, Entity{
			Type:        typ,
			Score:       e.Confidence,
			BeginOffset: e.StartPos,
			EndOffset:   e.EndPos,
		})
	}
	return entities
}

func validSpan(e Entity, length int) bool {
	return e.BeginOffset >= 0 && e.EndOffset > e.BeginOffset && e.EndOffset <= length
}

type mergedSpan struct {
	start, end int
	types      map[string]struct{}
}

// mergeSpans unions overlapping spans (a.start < b.end && b.start < a.end)
// transitively and returns them ordered by descending start. Touching spans
// stay apart.
func mergeSpans(entities []Entity) []mergedSpan {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BeginOffset > sorted[j].BeginOffset })

	var spans []mergedSpan
	for _, e := range sorted {
		cur := mergedSpan{start: e.BeginOffset, end: e.EndOffset, types: map[string]struct{}{e.Type: {}}}
		kept := spans[:0]
		for _, s := range spans {
			if cur.start < s.end && s.start < cur.end {
				cur.start = min(cur.start, s.start)
				cur.end = max(cur.end, s.end)
				for t := range s.types {
					cur.types[t] = struct{}{}
				}
				continue
			}
			kept = append(kept, s)
		}
		spans = append(kept, cur)
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })
	return spans
}

// applyMasks replaces spans right to left so earlier offsets stay valid.
func applyMasks(runes []rune, spans []mergedSpan, pattern string) string {
	out := runes
	for _, s := range spans {
		types := make([]string, 0, len(s.types))
		for t := range s.types {
			types = append(types, t)
		}
		sort.Strings(types)
		mask := []rune(strings.ReplaceAll(pattern, typePlaceholder, strings.Join(types, "|")))

		next := make([]rune, 0, len(out)-(s.end-s.start)+len(mask))
		next = append(next, out[:s.start]...)
		next = append(next, mask...)
		next = append(next, out[s.end:]...)
		out = next
	}
	return string(out)
}
