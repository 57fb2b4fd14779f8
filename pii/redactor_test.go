package pii

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fedrag/privacy-rag/apperr"
	"github.com/fedrag/privacy-rag/pii/detectors"
)

// mockDetector implements detectors.Detector for testing
type mockDetector struct {
	entities []detectors.Entity
	err      error
	calls    int
	// byText, when set, returns entities keyed by the input text
	byText map[string][]detectors.Entity
}

func (m *mockDetector) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	m.calls++
	if m.err != nil {
		return detectors.DetectorOutput{}, m.err
	}
	if m.byText != nil {
		return detectors.DetectorOutput{Text: input.Text, Entities: m.byText[input.Text]}, nil
	}
	return detectors.DetectorOutput{Text: input.Text, Entities: m.entities}, nil
}

func (m *mockDetector) GetName() string { return "mock_detector" }

func (m *mockDetector) Close() error { return nil }

// staticProvider hands out a fixed detector
type staticProvider struct {
	detector detectors.Detector
	err      error
}

func (p staticProvider) GetDetector() (detectors.Detector, error) { return p.detector, p.err }

func newTestRedactor(d detectors.Detector) *Redactor {
	return NewRedactor(staticProvider{detector: d}, DefaultOptions())
}

func TestRedact_ContactExample(t *testing.T) {
	detector := &mockDetector{entities: []detectors.Entity{
		{Label: "PERSON", Confidence: 0.99, StartPos: 8, EndPos: 12},
		{Label: "EMAIL", Confidence: 0.99, StartPos: 16, EndPos: 32},
	}}

	result, err := newTestRedactor(detector).Redact(context.Background(), "Contact John at john@example.com")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := "Contact <REDACTED:PERSON> at <REDACTED:EMAIL>"
	if result.MaskedText != want {
		t.Errorf("Expected %q, got %q", want, result.MaskedText)
	}
	if len(result.EntitiesFound) != 2 {
		t.Errorf("Expected 2 entities found, got %d", len(result.EntitiesFound))
	}
	if detector.calls != 1 {
		t.Errorf("Expected exactly one detector call, got %d", detector.calls)
	}
}

func TestRedact_OverlappingSpansMerge(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		entities []detectors.Entity
		want     string
	}{
		{
			name: "nested spans union types",
			text: "mail john.doe@example.com now",
			entities: []detectors.Entity{
				{Label: "EMAIL", Confidence: 0.9, StartPos: 5, EndPos: 25},
				{Label: "PERSON", Confidence: 0.9, StartPos: 5, EndPos: 13},
			},
			want: "mail <REDACTED:EMAIL|PERSON> now",
		},
		{
			name: "chain of overlaps collapses into one span",
			text: "abcdefghij",
			entities: []detectors.Entity{
				{Label: "A", Confidence: 0.9, StartPos: 0, EndPos: 3},
				{Label: "C", Confidence: 0.9, StartPos: 6, EndPos: 9},
				{Label: "B", Confidence: 0.9, StartPos: 2, EndPos: 7},
			},
			want: "<REDACTED:A|B|C>j",
		},
		{
			name: "touching spans stay separate",
			text: "abcdef",
			entities: []detectors.Entity{
				{Label: "X", Confidence: 0.9, StartPos: 0, EndPos: 3},
				{Label: "Y", Confidence: 0.9, StartPos: 3, EndPos: 6},
			},
			want: "<REDACTED:X><REDACTED:Y>",
		},
		{
			name: "duplicate types are listed once",
			text: "John Smith",
			entities: []detectors.Entity{
				{Label: "NAME", Confidence: 0.9, StartPos: 0, EndPos: 4},
				{Label: "NAME", Confidence: 0.9, StartPos: 0, EndPos: 10},
			},
			want: "<REDACTED:NAME>",
		},
		{
			name: "rune offsets with multi-byte text",
			text: "Señor Núñez llamó",
			entities: []detectors.Entity{
				{Label: "NAME", Confidence: 0.9, StartPos: 6, EndPos: 11},
			},
			want: "Señor <REDACTED:NAME> llamó",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := newTestRedactor(&mockDetector{entities: tt.entities}).Redact(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if result.MaskedText != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, result.MaskedText)
			}
		})
	}
}

func TestRedact_InvalidSpansKeptInMetadataOnly(t *testing.T) {
	text := "short text"
	detector := &mockDetector{entities: []detectors.Entity{
		{Label: "NAME", Confidence: 0.9, StartPos: -1, EndPos: 3},
		{Label: "NAME", Confidence: 0.9, StartPos: 4, EndPos: 4},
		{Label: "NAME", Confidence: 0.9, StartPos: 5, EndPos: 99},
	}}

	result, err := newTestRedactor(detector).Redact(context.Background(), text)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.MaskedText != text {
		t.Errorf("Expected text unchanged, got %q", result.MaskedText)
	}
	if len(result.EntitiesFound) != 3 {
		t.Errorf("Expected 3 entities found, got %d", len(result.EntitiesFound))
	}
}

func TestRedact_ConfidenceFiltering(t *testing.T) {
	text := "Call Alice now"
	for _, threshold := range []float64{0, 0.25, 0.5, 0.75, 1} {
		for _, score := range []float64{0, 0.3, 0.5, 0.8, 1} {
			opts := DefaultOptions()
			opts.MinConfidenceScore = threshold
			r := NewRedactor(staticProvider{detector: &mockDetector{entities: []detectors.Entity{
				{Label: "NAME", Confidence: score, StartPos: 5, EndPos: 10},
			}}}, opts)

			result, err := r.Redact(context.Background(), text)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			masked := result.MaskedText != text
			if score < threshold && masked {
				t.Errorf("threshold %.2f score %.2f: entity below threshold was masked", threshold, score)
			}
			if score >= threshold && !masked {
				t.Errorf("threshold %.2f score %.2f: entity at or above threshold was not masked", threshold, score)
			}
		}
	}
}

func TestRedact_NormalizesMissingFields(t *testing.T) {
	opts := DefaultOptions()
	opts.MinConfidenceScore = 0
	r := NewRedactor(staticProvider{detector: &mockDetector{entities: []detectors.Entity{{EndPos: 3}}}}, opts)

	result, err := r.Redact(context.Background(), "abc def")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.MaskedText != "<REDACTED:UNKNOWN> def" {
		t.Errorf("Expected UNKNOWN type mask, got %q", result.MaskedText)
	}
	if result.EntitiesFound[0].Type != "UNKNOWN" || result.EntitiesFound[0].Score != 0 {
		t.Errorf("Expected defaulted entity, got %+v", result.EntitiesFound[0])
	}
}

func TestRedact_EmptyTextSkipsDetector(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		detector := &mockDetector{}
		result, err := newTestRedactor(detector).Redact(context.Background(), text)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if result.MaskedText != text || result.OriginalText != text {
			t.Errorf("Expected identity result for %q", text)
		}
		if detector.calls != 0 {
			t.Errorf("Expected no detector call for %q, got %d", text, detector.calls)
		}
	}
}

func TestRedactValue_RejectsNonStrings(t *testing.T) {
	r := newTestRedactor(&mockDetector{})
	for _, v := range []any{nil, 42, []string{"a"}, map[string]any{}} {
		_, err := r.RedactValue(context.Background(), v)
		if !apperr.IsKind(err, apperr.KindInvalidInput) {
			t.Errorf("Expected InvalidInput for %T, got %v", v, err)
		}
	}

	if _, err := r.RedactValue(context.Background(), "fine"); err != nil {
		t.Errorf("Expected no error for string input, got %v", err)
	}
}

func TestRedact_DetectorFailure(t *testing.T) {
	r := newTestRedactor(&mockDetector{err: errors.New("service unavailable")})

	result, err := r.Redact(context.Background(), "Contact John")
	if !apperr.IsKind(err, apperr.KindPIIDetectionFailed) {
		t.Fatalf("Expected PIIDetectionFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "service unavailable") {
		t.Errorf("Expected wrapped message, got %q", err.Error())
	}
	if result.MaskedText != "" {
		t.Errorf("Expected no partial result, got %q", result.MaskedText)
	}
}

func TestRedact_ProviderFailure(t *testing.T) {
	r := NewRedactor(staticProvider{err: errors.New("detector is unhealthy")}, DefaultOptions())
	if _, err := r.Redact(context.Background(), "hello"); !apperr.IsKind(err, apperr.KindPIIDetectionFailed) {
		t.Errorf("Expected PIIDetectionFailed, got %v", err)
	}
}

func TestRedact_Idempotent(t *testing.T) {
	original := "Contact John at john@example.com"
	masked := "Contact <REDACTED:PERSON> at <REDACTED:EMAIL>"
	detector := &mockDetector{byText: map[string][]detectors.Entity{
		original: {
			{Label: "PERSON", Confidence: 0.99, StartPos: 8, EndPos: 12},
			{Label: "EMAIL", Confidence: 0.99, StartPos: 16, EndPos: 32},
		},
	}}
	r := newTestRedactor(detector)

	first, err := r.Redact(context.Background(), original)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := r.Redact(context.Background(), first.MaskedText)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if first.MaskedText != masked || second.MaskedText != masked {
		t.Errorf("Expected masking to be a fixed point, got %q then %q", first.MaskedText, second.MaskedText)
	}
}

func TestRedact_OffsetSafetyDeterministic(t *testing.T) {
	text := "0123456789abcdefghij"
	entities := []detectors.Entity{
		{Label: "A", Confidence: 1, StartPos: 0, EndPos: 5},
		{Label: "B", Confidence: 1, StartPos: 3, EndPos: 8},
		{Label: "C", Confidence: 1, StartPos: 12, EndPos: 20},
		{Label: "D", Confidence: 1, StartPos: 15, EndPos: 16},
	}
	// same set in a different order must produce the same output
	reversed := []detectors.Entity{entities[3], entities[2], entities[1], entities[0]}

	a, err := newTestRedactor(&mockDetector{entities: entities}).Redact(context.Background(), text)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	b, err := newTestRedactor(&mockDetector{entities: reversed}).Redact(context.Background(), text)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := "<REDACTED:A|B>89ab<REDACTED:C|D>"
	if a.MaskedText != want || b.MaskedText != want {
		t.Errorf("Expected %q for both orders, got %q and %q", want, a.MaskedText, b.MaskedText)
	}
}

func TestDetect(t *testing.T) {
	detector := &mockDetector{entities: []detectors.Entity{
		{Label: "NAME", Confidence: 0.1, StartPos: 0, EndPos: 4},
	}}
	result, err := newTestRedactor(detector).Detect(context.Background(), "John asked")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.NoneFound {
		t.Error("Expected low-confidence entity to be reported by Detect")
	}
	if len(result.Entities) != 1 {
		t.Errorf("Expected 1 entity, got %d", len(result.Entities))
	}

	clean, err := newTestRedactor(&mockDetector{}).Detect(context.Background(), "How do we handle requests?")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !clean.NoneFound {
		t.Error("Expected NoneFound for clean text")
	}
}
