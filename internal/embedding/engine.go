// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package embedding provides the fixed-dimension text embedding service
// used by the classifier and the semantic cache. Inference runs on an
// ONNX MiniLM model loaded once for the process lifetime; when the model
// or runtime is unavailable the service degrades to zero vectors and
// flags itself on /health.
package embedding

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// Dimension is the output dimension of the MiniLM model.
	Dimension = 384

	// MaxSequenceLength is the maximum input sequence length.
	MaxSequenceLength = 256
)

// Engine runs embedding inference through the ONNX runtime.
type Engine struct {
	session   *ort.DynamicAdvancedSession
	modelPath string
	vocabPath string
	tokenizer *wordPieceTokenizer
	enabled   bool
	mu        sync.RWMutex
}

// EngineConfig holds paths for the ONNX engine.
type EngineConfig struct {
	// ModelPath is the ONNX model file.
	ModelPath string

	// VocabPath is the tokenizer vocabulary file.
	VocabPath string

	// SharedLibraryPath locates the ONNX runtime shared library.
	SharedLibraryPath string
}

// NewEngine creates an engine. It is inert until Initialize succeeds.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	return &Engine{
		modelPath: cfg.ModelPath,
		vocabPath: cfg.VocabPath,
	}, nil
}

// Initialize loads the ONNX model and prepares the engine for inference.
func (e *Engine) Initialize(sharedLibPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", e.modelPath)
	}

	if sharedLibPath != "" {
		ort.SetSharedLibraryPath(sharedLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to load ONNX model: %w", err)
	}
	e.session = session

	tokenizer, err := newWordPieceTokenizer(e.vocabPath)
	if err != nil {
		e.session.Destroy()
		return fmt.Errorf("failed to initialize tokenizer: %w", err)
	}
	e.tokenizer = tokenizer

	e.enabled = true
	log.Infof("Embedding engine initialized with model: %s", filepath.Base(e.modelPath))
	return nil
}

// IsEnabled reports whether the engine is ready for inference.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Dimension returns the embedding output dimension.
func (e *Engine) Dimension() int {
	return Dimension
}

// Embed computes the embedding vector for a single text.
func (e *Engine) Embed(text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.enabled {
		return nil, fmt.Errorf("embedding engine not initialized")
	}

	tokens, err := e.tokenizer.Tokenize(text, MaxSequenceLength)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	vec, err := e.runInference(tokens)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return vec, nil
}

// runInference executes the ONNX model with the given tokens.
// Must be called with read lock held.
func (e *Engine) runInference(tokens *tokenizedInput) ([]float32, error) {
	seqLen := int64(len(tokens.InputIDs))

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, Dimension))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = e.session.Run(
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{outputTensor},
	)
	if err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}

	vec := meanPooling(outputTensor.GetData(), tokens.AttentionMask, int(seqLen))
	return normalize(vec), nil
}

// meanPooling averages token embeddings weighted by the attention mask.
func meanPooling(output []float32, attentionMask []int64, seqLen int) []float32 {
	vec := make([]float32, Dimension)
	var totalWeight float32

	for i := 0; i < seqLen; i++ {
		if attentionMask[i] == 1 {
			for j := 0; j < Dimension; j++ {
				vec[j] += output[i*Dimension+j]
			}
			totalWeight++
		}
	}
	if totalWeight > 0 {
		for j := 0; j < Dimension; j++ {
			vec[j] /= totalWeight
		}
	}
	return vec
}

// normalize applies L2 normalization in place.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Shutdown releases the ONNX session.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.enabled = false
	log.Info("Embedding engine shut down")
	return nil
}
