// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/config"
)

// defaultRunnerBaseURL is the local model runner. Overridable with
// HEARTHD_RUNTIME_BASE_URL.
const defaultRunnerBaseURL = "http://localhost:11434"

// LocalLoader serves local-file descriptors through a resident model
// runner process speaking an HTTP completion API. The loader verifies
// the model file, asks the runner to page it in, and hands back a
// handle bound to that model.
type LocalLoader struct {
	baseURL       string
	client        *http.Client
	workerThreads int
}

// NewLocalLoader builds the local loader. workerThreads caps runner-side
// parallelism for full-priority loads.
func NewLocalLoader(workerThreads int) *LocalLoader {
	base := os.Getenv("HEARTHD_RUNTIME_BASE_URL")
	if base == "" {
		base = defaultRunnerBaseURL
	}
	if workerThreads <= 0 {
		workerThreads = 4
	}
	return &LocalLoader{
		baseURL:       base,
		client:        &http.Client{Timeout: 5 * time.Minute},
		workerThreads: workerThreads,
	}
}

// Load implements Loader with full priority.
func (l *LocalLoader) Load(ctx context.Context, desc config.ModelDescriptor) (Handle, error) {
	return l.LoadWithOptions(ctx, desc, LoadOptions{})
}

// LoadWithOptions pages the model into the runner. Prefetch loads run
// with a single worker thread so they never starve an interactive get.
func (l *LocalLoader) LoadWithOptions(ctx context.Context, desc config.ModelDescriptor, opts LoadOptions) (Handle, error) {
	if _, err := os.Stat(desc.Location); err != nil {
		return nil, fmt.Errorf("model file %s: %w", desc.Location, err)
	}

	threads := l.workerThreads
	if opts.LowPriority {
		threads = 1
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":   desc.Name,
		"path":    desc.Location,
		"threads": threads,
		"mmap":    opts.UseMmap,
		"mlock":   opts.LockResident,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/load", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner load request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("runner load failed: %s: %s", resp.Status, payload)
	}

	log.Debugf("backend: runner loaded %s (%d threads)", desc.Name, threads)
	return &runnerHandle{
		baseURL: l.baseURL,
		client:  l.client,
		model:   desc.Name,
	}, nil
}

// runnerHandle generates through the runner's completion endpoint.
type runnerHandle struct {
	baseURL string
	client  *http.Client
	model   string
}

func (h *runnerHandle) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":       h.model,
		"prompt":      prompt,
		"max_tokens":  params.MaxTokens,
		"temperature": params.Temperature,
		"stream":      false,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("runner generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("runner generate failed: %s: %s", resp.Status, payload)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("runner response: %w", err)
	}
	return out.Response, nil
}

func (h *runnerHandle) Shutdown() error {
	body, _ := json.Marshal(map[string]string{"model": h.model})
	req, err := http.NewRequest(http.MethodPost, h.baseURL+"/api/unload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		// The runner may already be gone during process shutdown.
		log.Debugf("backend: unload %s: %v", h.model, err)
		return nil
	}
	resp.Body.Close()
	return nil
}
