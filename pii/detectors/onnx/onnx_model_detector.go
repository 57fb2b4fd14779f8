//go:build onnx

package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"

	"github.com/fedrag/privacy-rag/pii/detectors"
)

func init() {
	detectors.RegisterDetectorFactory(detectors.DetectorNameONNXModel, func(config map[string]interface{}) (detectors.Detector, error) {
		modelPath, ok := config["model_path"].(string)
		if !ok || modelPath == "" {
			return nil, fmt.Errorf("model_path is required for ONNX model detector")
		}
		tokenizerPath, ok := config["tokenizer_path"].(string)
		if !ok || tokenizerPath == "" {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX model detector")
		}
		labelMapPath, _ := config["label_map_path"].(string)
		return NewModelDetector(modelPath, tokenizerPath, labelMapPath)
	})
}

// ModelDetector runs a quantized token-classification model in-process.
// Detect serializes on a mutex because the session reuses its tensors.
type ModelDetector struct {
	mu           sync.Mutex
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numLabels    int
	modelPath    string
}

// NewModelDetector loads the tokenizer and label map. The ONNX session is
// created on first use.
func NewModelDetector(modelPath, tokenizerPath, labelMapPath string) (*ModelDetector, error) {
	if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}
	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, err := loadLabelMap(labelMapPath)
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			log.Printf("[ONNXDetector] Warning: failed to close tokenizer during cleanup: %v", closeErr)
		}
		return nil, err
	}

	numLabels := 0
	for idStr := range id2label {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil && id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		_ = tk.Close()
		return nil, fmt.Errorf("label map %s has no labels", labelMapPath)
	}

	return &ModelDetector{
		tokenizer: tk,
		id2label:  id2label,
		numLabels: numLabels,
		modelPath: modelPath,
	}, nil
}

// loadLabelMap accepts either {"id2label": {...}} or {"pii": {"id2label": {...}}}.
func loadLabelMap(path string) (map[string]string, error) {
	if path == "" {
		return nil, fmt.Errorf("label_map_path is required for ONNX model detector")
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read label map: %w", err)
	}

	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
		PII      struct {
			ID2Label map[string]string `json:"id2label"`
		} `json:"pii"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse label map: %w", err)
	}
	if len(cfg.PII.ID2Label) > 0 {
		return cfg.PII.ID2Label, nil
	}
	return cfg.ID2Label, nil
}

func (d *ModelDetector) GetName() string {
	return detectors.DetectorNameONNXModel
}

func (d *ModelDetector) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return detectors.DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	offsets := make([]tokenOffset, len(encoding.Offsets))
	for i, o := range encoding.Offsets {
		offsets[i] = tokenOffset(o)
	}

	runeIndex := byteToRuneIndex(input.Text)
	var perChunk [][]detectors.Entity
	for _, chunk := range chunkTokens(encoding.IDs, offsets) {
		if err := ctx.Err(); err != nil {
			return detectors.DetectorOutput{}, err
		}
		d.updateInputTensors(chunk.tokenIDs)
		if err := d.session.Run(); err != nil {
			return detectors.DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
		}
		perChunk = append(perChunk, d.decodeChunk(input.Text, runeIndex, chunk))
	}

	return detectors.DetectorOutput{
		Text:     input.Text,
		Entities: mergeChunkEntities(perChunk),
	}, nil
}

// decodeChunk groups B-/I- tagged tokens into entities.
func (d *ModelDetector) decodeChunk(text string, runeIndex []int, chunk tokenChunk) []detectors.Entity {
	logits := d.outputTensor.GetData()
	var entities []detectors.Entity
	var current *detectors.Entity
	var tokens []int

	flush := func() {
		if current != nil {
			finalizeEntity(current, tokens, text, runeIndex, chunk.offsets)
			entities = append(entities, *current)
		}
		current, tokens = nil, nil
	}

	for i := range chunk.tokenIDs {
		start, end := i*d.numLabels, (i+1)*d.numLabels
		if end > len(logits) {
			break
		}
		label, confidence := d.classify(logits[start:end])

		base := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")
		switch {
		case label == "O":
			flush()
		case strings.HasPrefix(label, "I-") && current != nil && current.Label == base:
			tokens = append(tokens, i)
			current.Confidence = (current.Confidence + confidence) / 2
		default:
			flush()
			current = &detectors.Entity{Label: base, Confidence: confidence}
			tokens = []int{i}
		}
	}
	flush()
	return entities
}

// classify returns the argmax label and its softmax probability.
func (d *ModelDetector) classify(tokenLogits []float32) (string, float64) {
	best := 0
	maxLogit := float64(-math.MaxFloat64)
	for j, l := range tokenLogits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
			best = j
		}
	}
	var sum float64
	for _, l := range tokenLogits {
		sum += math.Exp(float64(l) - maxLogit)
	}
	confidence := 1 / sum

	label, ok := d.id2label[fmt.Sprintf("%d", best)]
	if !ok || confidence < 0.5 {
		return "O", confidence
	}
	return label, confidence
}

// finalizeEntity fills text and rune positions from the token byte offsets.
func finalizeEntity(entity *detectors.Entity, tokenIndices []int, text string, runeIndex []int, offsets []tokenOffset) {
	if len(tokenIndices) == 0 {
		return
	}
	startByte := int(offsets[tokenIndices[0]][0])
	endByte := int(offsets[tokenIndices[len(tokenIndices)-1]][1])
	if startByte < 0 || endByte > len(text) || startByte >= endByte {
		return
	}
	entity.Text = text[startByte:endByte]
	entity.StartPos = runeIndex[startByte]
	entity.EndPos = runeIndex[endByte]
}

func (d *ModelDetector) initializeSession() error {
	shape := onnxruntime.NewShape(1, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(shape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	maskTensor, err := onnxruntime.NewTensor(shape, make([]int64, maxSeqLen))
	if err != nil {
		_ = inputTensor.Destroy()
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](onnxruntime.NewShape(1, maxSeqLen, int64(d.numLabels)))
	if err != nil {
		_ = inputTensor.Destroy()
		_ = maskTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"pii_logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = maskTensor.Destroy()
		_ = outputTensor.Destroy()
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor
	return nil
}

func (d *ModelDetector) updateInputTensors(tokenIDs []uint32) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()
	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}
	for i, id := range tokenIDs {
		inputData[i] = int64(id)
		maskData[i] = 1
	}
}

func (d *ModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	// tensors are only allocated together with the session
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		for _, destroy := range []func() error{d.inputTensor.Destroy, d.maskTensor.Destroy, d.outputTensor.Destroy} {
			if err := destroy(); err != nil {
				errs = append(errs, fmt.Errorf("failed to destroy tensor: %w", err))
			}
		}
		d.session = nil
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
