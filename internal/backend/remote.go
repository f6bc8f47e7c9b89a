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
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cognalia/hearthd/internal/config"
)

// RemoteLoader serves remote-rpc descriptors. Location is the endpoint
// base URL; HEARTHD_REMOTE_BASE_URL overrides it for every remote model.
// Loading is a liveness probe, the remote end owns its own residency.
type RemoteLoader struct {
	client *http.Client
}

// NewRemoteLoader builds the remote loader.
func NewRemoteLoader() *RemoteLoader {
	return &RemoteLoader{
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Load probes the remote endpoint and returns a handle bound to it.
func (l *RemoteLoader) Load(ctx context.Context, desc config.ModelDescriptor) (Handle, error) {
	base := os.Getenv("HEARTHD_REMOTE_BASE_URL")
	if base == "" {
		base = desc.Location
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return nil, fmt.Errorf("remote model %s has no location", desc.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote endpoint %s unreachable: %w", base, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("remote endpoint %s unhealthy: %s", base, resp.Status)
	}

	return &remoteHandle{baseURL: base, client: l.client, model: desc.Name}, nil
}

// remoteHandle speaks an OpenAI-style completion API.
type remoteHandle struct {
	baseURL string
	client  *http.Client
	model   string
}

func (h *remoteHandle) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": h.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  params.MaxTokens,
		"temperature": params.Temperature,
		"stream":      false,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("remote generate failed: %s: %s", resp.Status, payload)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("remote response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("remote response had no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Shutdown is a no-op; the remote end owns its residency.
func (h *remoteHandle) Shutdown() error { return nil }
