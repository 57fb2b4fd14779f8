package pii

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fedrag/privacy-rag/pii/detectors"
)

const validationProbe = "Test with John Smith"

// DetectorManager owns the active detector and can swap it at runtime
// without interrupting in-flight requests.
type DetectorManager struct {
	mu           sync.RWMutex
	current      detectors.Detector
	detectorName string
	isHealthy    bool
	lastError    error
	loadedAt     time.Time
	logger       *slog.Logger
}

// NewDetectorManager builds the named detector. A detector that fails to
// load leaves the manager unhealthy instead of failing startup; requests
// then fail with a detection error until Reload succeeds.
func NewDetectorManager(name string, config map[string]interface{}, logger *slog.Logger) *DetectorManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &DetectorManager{logger: logger.With("component", "detector_manager")}
	if err := m.Reload(name, config); err != nil {
		m.logger.Warn("initial detector load failed, manager marked unhealthy", "detector", name, "error", err)
	}
	return m
}

// GetDetector returns the current detector in a thread-safe manner
func (m *DetectorManager) GetDetector() (detectors.Detector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isHealthy {
		return nil, fmt.Errorf("detector is unhealthy: %w", m.lastError)
	}
	if m.current == nil {
		return nil, fmt.Errorf("no detector available")
	}
	return m.current, nil
}

// Reload constructs a detector from the factory registry and swaps it in.
func (m *DetectorManager) Reload(name string, config map[string]interface{}) error {
	m.logger.Info("loading detector", "detector", name)

	next, err := detectors.NewDetector(name, config)
	if err != nil {
		m.markUnhealthy(err)
		return fmt.Errorf("failed to load detector: %w", err)
	}
	return m.Swap(next)
}

// Swap validates d with a probe inference and makes it the active detector.
// The previous detector is closed after the swap.
func (m *DetectorManager) Swap(d detectors.Detector) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := d.Detect(ctx, detectors.DetectorInput{Text: validationProbe, LanguageCode: DefaultLanguageCode}); err != nil {
		if closeErr := d.Close(); closeErr != nil {
			m.logger.Warn("failed to close rejected detector", "error", closeErr)
		}
		m.markUnhealthy(err)
		return fmt.Errorf("detector validation failed: %w", err)
	}

	m.mu.Lock()
	old := m.current
	m.current = d
	m.detectorName = d.GetName()
	m.isHealthy = true
	m.lastError = nil
	m.loadedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("detector swap completed", "detector", d.GetName())

	if old != nil && old != d {
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close previous detector", "error", err)
		}
	}
	return nil
}

func (m *DetectorManager) markUnhealthy(err error) {
	m.mu.Lock()
	m.isHealthy = false
	m.lastError = err
	m.mu.Unlock()
}

// IsHealthy returns whether the current detector is usable
func (m *DetectorManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthy
}

// GetLastError returns the last error encountered (if any)
func (m *DetectorManager) GetLastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// GetInfo reports detector state for the health endpoint
func (m *DetectorManager) GetInfo() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := map[string]interface{}{
		"detector": m.detectorName,
		"healthy":  m.isHealthy,
		"error":    nil,
	}
	if !m.loadedAt.IsZero() {
		info["loaded_at"] = m.loadedAt.UTC().Format(time.RFC3339)
	}
	if m.lastError != nil {
		info["error"] = m.lastError.Error()
	}
	return info
}

// Close closes the current detector
func (m *DetectorManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.isHealthy = false
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	if err != nil {
		return fmt.Errorf("failed to close detector: %w", err)
	}
	return nil
}

// ModelDirectoryConfig checks that dir holds a local model bundle and returns
// the factory config for the onnx_model_detector.
func ModelDirectoryConfig(dir string) (map[string]interface{}, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	requiredFiles := []string{"model_quantized.onnx", "tokenizer.json", "label_mappings.json"}
	var missingFiles []string
	for _, filename := range requiredFiles {
		if _, err := os.Stat(filepath.Join(dir, filename)); os.IsNotExist(err) {
			missingFiles = append(missingFiles, filename)
		}
	}
	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}
	return map[string]interface{}{
		"model_path":     filepath.Join(absDir, "model_quantized.onnx"),
		"tokenizer_path": filepath.Join(absDir, "tokenizer.json"),
		"label_map_path": filepath.Join(absDir, "label_mappings.json"),
	}, nil
}
