// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backend defines the model backend contract the pool consumes
// and a registry of loader implementations keyed by descriptor kind.
// Backends are black boxes to the pool: retries and streaming are the
// backend's concern.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/cognalia/hearthd/internal/config"
)

// Params are generation parameters passed through to the backend.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Handle is one loaded model instance.
type Handle interface {
	// Generate produces a completion for prompt. It honours ctx
	// cancellation and deadlines.
	Generate(ctx context.Context, prompt string, params Params) (string, error)

	// Shutdown releases the model's resources. Idempotent.
	Shutdown() error
}

// Loader loads one model described by a descriptor. Load blocks and
// may fail; the pool owns fallback policy.
type Loader interface {
	Load(ctx context.Context, desc config.ModelDescriptor) (Handle, error)
}

// LoadOptions tune a single load.
type LoadOptions struct {
	// LowPriority requests reduced CPU parallelism, used by prefetch
	// loads so they do not starve interactive gets.
	LowPriority bool

	// UseMmap asks the backend to map the model file instead of
	// reading it into memory.
	UseMmap bool

	// LockResident asks the backend to mlock resident weights.
	LockResident bool
}

// OptionLoader is implemented by loaders that understand LoadOptions.
type OptionLoader interface {
	LoadWithOptions(ctx context.Context, desc config.ModelDescriptor, opts LoadOptions) (Handle, error)
}

// Registry maps descriptor kinds to loaders.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register binds a loader to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[kind] = l
}

// Load resolves the loader for desc.Kind and loads the model.
func (r *Registry) Load(ctx context.Context, desc config.ModelDescriptor, opts LoadOptions) (Handle, error) {
	r.mu.RLock()
	l, ok := r.loaders[desc.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", desc.Kind)
	}
	if ol, ok := l.(OptionLoader); ok {
		return ol.LoadWithOptions(ctx, desc, opts)
	}
	return l.Load(ctx, desc)
}

// DefaultRegistry returns a registry with the built-in loaders bound.
func DefaultRegistry(workerThreads int) *Registry {
	r := NewRegistry()
	r.Register("local-file", NewLocalLoader(workerThreads))
	r.Register("remote-rpc", NewRemoteLoader())
	return r
}
