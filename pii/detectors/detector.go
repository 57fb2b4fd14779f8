// Package detectors provides the PII entity detectors the redaction engine
// calls out to. Every detector reports offsets as character (rune) positions
// into the text it was given.
package detectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const (
	DetectorNameComprehend = "comprehend"
	DetectorNameModel      = "model_detector"
	DetectorNameRegex      = "regex_detector"
	DetectorNameONNXModel  = "onnx_model_detector"
)

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code,omitempty"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}

// Entity represents a detected PII entity. StartPos and EndPos are a
// half-open rune range into DetectorInput.Text.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

type NewDetectorFunc func(config map[string]interface{}) (Detector, error)

var (
	factoriesMu       sync.RWMutex
	detectorFactories = make(map[string]NewDetectorFunc)
)

// RegisterDetectorFactory makes a detector constructor available under name.
// Registering the same name twice replaces the earlier factory.
func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	detectorFactories[name] = factory
}

func NewDetector(name string, config map[string]interface{}) (Detector, error) {
	factoriesMu.RLock()
	factory, ok := detectorFactories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(config)
}

// RegisteredDetectors returns the registered factory names in sorted order.
func RegisteredDetectors() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(detectorFactories))
	for name := range detectorFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDetectorFactory(DetectorNameModel, func(config map[string]interface{}) (Detector, error) {
		baseURL, ok := config["base_url"].(string)
		if !ok || baseURL == "" {
			return nil, fmt.Errorf("base_url is required for model detector")
		}
		return NewModelDetector(baseURL), nil
	})

	RegisterDetectorFactory(DetectorNameRegex, func(config map[string]interface{}) (Detector, error) {
		return NewRegexDetector(PIIPatterns), nil
	})

	RegisterDetectorFactory(DetectorNameComprehend, func(config map[string]interface{}) (Detector, error) {
		region, _ := config["region"].(string)
		return NewComprehendDetectorFromRegion(context.Background(), region)
	})
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
