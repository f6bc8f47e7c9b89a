// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/config"
)

// Embedder is the minimal surface the classifier and cache depend on.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}

// Service wraps the ONNX engine and degrades to zero vectors when the
// model cannot be loaded. Callers never see an error from Embed in
// degraded mode; they see a zero vector and the Degraded flag on /health.
type Service struct {
	engine   *Engine
	degraded bool
	mu       sync.RWMutex
}

// NewService builds the embedding service from configuration. A missing
// model or runtime is not fatal: the service starts degraded.
func NewService(cfg config.EmbeddingConfig) *Service {
	s := &Service{}

	engine, err := NewEngine(EngineConfig{
		ModelPath: cfg.ModelPath,
		VocabPath: cfg.VocabPath,
	})
	if err != nil {
		log.Warnf("Embedding disabled, running degraded: %v", err)
		s.degraded = true
		return s
	}
	if err := engine.Initialize(cfg.SharedLibraryPath); err != nil {
		log.Warnf("Embedding engine unavailable, running degraded: %v", err)
		s.degraded = true
		return s
	}
	s.engine = engine
	return s
}

// newServiceWithEngine is used by tests to inject a fake embedder.
func newServiceWithEngine(e *Engine, degraded bool) *Service {
	return &Service{engine: e, degraded: degraded}
}

// Degraded reports whether the service is serving zero vectors.
func (s *Service) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Dimension returns the vector dimension, fixed regardless of mode.
func (s *Service) Dimension() int {
	return Dimension
}

// Embed returns the embedding for text. In degraded mode it returns a
// zero vector of the same dimension so downstream similarity checks
// simply never match.
func (s *Service) Embed(text string) ([]float32, error) {
	s.mu.RLock()
	engine := s.engine
	degraded := s.degraded
	s.mu.RUnlock()

	if degraded || engine == nil {
		return make([]float32, Dimension), nil
	}

	vec, err := engine.Embed(text)
	if err != nil {
		log.Warnf("Embedding failed, entering degraded mode: %v", err)
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		return make([]float32, Dimension), nil
	}
	return vec, nil
}

// Shutdown releases the underlying engine, if any.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		_ = s.engine.Shutdown()
		s.engine = nil
	}
	s.degraded = true
}

// Quantize maps each dimension of a normalized vector into one of levels
// buckets and returns the bucket bytes. The mapping is pure, so equal
// vectors always produce equal keys and near-equal vectors usually do.
// Values are clamped to [-1, 1] before bucketing.
func Quantize(vec []float32, levels int) []byte {
	if levels < 2 {
		levels = 2
	}
	out := make([]byte, len(vec))
	for i, v := range vec {
		if v < -1 {
			v = -1
		} else if v > 1 {
			v = 1
		}
		bucket := int(float64(v+1) / 2 * float64(levels))
		if bucket >= levels {
			bucket = levels - 1
		}
		out[i] = byte(bucket)
	}
	return out
}
