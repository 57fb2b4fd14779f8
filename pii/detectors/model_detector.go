package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ModelDetector calls a self-hosted NER model server over HTTP.
type ModelDetector struct {
	baseURL string
	client  *http.Client
}

func NewModelDetector(baseURL string) *ModelDetector {
	return &ModelDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetName returns the name of this detector
func (m *ModelDetector) GetName() string {
	return DetectorNameModel
}

// Detect posts the text to {baseURL}/detect and decodes the entity list
func (m *ModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	requestBody := map[string]interface{}{
		"text": input.Text,
	}
	if input.LanguageCode != "" {
		requestBody["language_code"] = input.LanguageCode
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return DetectorOutput{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/detect", bytes.NewBuffer(jsonData))
	if err != nil {
		return DetectorOutput{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(req)
	if err != nil {
		return DetectorOutput{}, err
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return DetectorOutput{}, fmt.Errorf("model server returned status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	entities, err := convertResponseToEntities(response.Body)
	if err != nil {
		return DetectorOutput{}, err
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// convertResponseToEntities decodes {"entities": [...]} leniently: fields the
// server omits are left at their zero value for the caller to normalize.
func convertResponseToEntities(body io.Reader) ([]Entity, error) {
	var responseBody struct {
		Entities []map[string]interface{} `json:"entities"`
	}
	if err := json.NewDecoder(body).Decode(&responseBody); err != nil {
		return nil, fmt.Errorf("failed to decode model server response: %w", err)
	}

	entities := make([]Entity, 0, len(responseBody.Entities))
	for _, entity := range responseBody.Entities {
		text, _ := entity["text"].(string)
		label, _ := entity["label"].(string)
		confidence, _ := entity["confidence"].(float64)
		entities = append(entities, Entity{
			Text:       text,
			Label:      label,
			StartPos:   intField(entity["start_pos"]),
			EndPos:     intField(entity["end_pos"]),
			Confidence: confidence,
		})
	}
	return entities, nil
}

// intField handles positions that arrive as float64 from JSON
func intField(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// Close implements the Detector interface
func (m *ModelDetector) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
