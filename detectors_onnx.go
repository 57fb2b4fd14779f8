//go:build onnx

package main

// Registers the onnx_model_detector factory. Requires the ONNX runtime and
// tokenizers shared libraries at build and run time.
import _ "github.com/fedrag/privacy-rag/pii/detectors/onnx"
