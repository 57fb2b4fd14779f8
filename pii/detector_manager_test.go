package pii

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fedrag/privacy-rag/pii/detectors"
)

type closeTrackingDetector struct {
	mockDetector
	closed bool
}

func (c *closeTrackingDetector) Close() error {
	c.closed = true
	return nil
}

func TestDetectorManager_InitialLoad(t *testing.T) {
	m := NewDetectorManager(detectors.DetectorNameRegex, nil, nil)
	defer func() { _ = m.Close() }()

	if !m.IsHealthy() {
		t.Fatalf("Expected healthy manager, last error: %v", m.GetLastError())
	}
	d, err := m.GetDetector()
	if err != nil {
		t.Fatalf("Expected detector, got error %v", err)
	}
	if d.GetName() != detectors.DetectorNameRegex {
		t.Errorf("Expected regex detector, got %s", d.GetName())
	}
}

func TestDetectorManager_UnhealthyOnUnknownDetector(t *testing.T) {
	m := NewDetectorManager("missing_detector", nil, nil)

	if m.IsHealthy() {
		t.Error("Expected unhealthy manager")
	}
	if _, err := m.GetDetector(); err == nil {
		t.Error("Expected error from GetDetector")
	}
	info := m.GetInfo()
	if info["healthy"] != false || info["error"] == nil {
		t.Errorf("Expected info to report the failure, got %v", info)
	}
}

func TestDetectorManager_SwapClosesPrevious(t *testing.T) {
	m := NewDetectorManager(detectors.DetectorNameRegex, nil, nil)
	first := &closeTrackingDetector{}
	if err := m.Swap(first); err != nil {
		t.Fatalf("Expected swap to succeed, got %v", err)
	}

	second := &closeTrackingDetector{}
	if err := m.Swap(second); err != nil {
		t.Fatalf("Expected swap to succeed, got %v", err)
	}
	if !first.closed {
		t.Error("Expected previous detector to be closed")
	}
	d, _ := m.GetDetector()
	if d != second {
		t.Error("Expected second detector to be active")
	}
}

func TestDetectorManager_SwapRejectsFailingDetector(t *testing.T) {
	m := NewDetectorManager(detectors.DetectorNameRegex, nil, nil)
	bad := &closeTrackingDetector{mockDetector: mockDetector{err: errors.New("boom")}}

	if err := m.Swap(bad); err == nil {
		t.Fatal("Expected swap to fail validation")
	}
	if !bad.closed {
		t.Error("Expected rejected detector to be closed")
	}
	if m.IsHealthy() {
		t.Error("Expected manager to be unhealthy after failed swap")
	}
}

func TestDetectorManager_WorksWithRedactor(t *testing.T) {
	m := NewDetectorManager(detectors.DetectorNameRegex, nil, nil)
	r := NewRedactor(m, DefaultOptions())

	result, err := r.Redact(context.Background(), "Reach me at jane@test.org")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.MaskedText != "Reach me at <REDACTED:EMAIL>" {
		t.Errorf("Unexpected masked text %q", result.MaskedText)
	}
}

func TestModelDirectoryConfig(t *testing.T) {
	dir := t.TempDir()

	if _, err := ModelDirectoryConfig(filepath.Join(dir, "nope")); err == nil {
		t.Error("Expected error for missing directory")
	}
	if _, err := ModelDirectoryConfig(dir); err == nil {
		t.Error("Expected error for directory without model files")
	}

	for _, f := range []string{"model_quantized.onnx", "tokenizer.json", "label_mappings.json"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := ModelDirectoryConfig(dir)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg["tokenizer_path"] != filepath.Join(dir, "tokenizer.json") {
		t.Errorf("Unexpected tokenizer path %v", cfg["tokenizer_path"])
	}
}
