// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit records one JSON line per answered request to a rotating
// log file. The sink is best-effort: a write failure is logged and the
// request is still answered.
package audit

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cognalia/hearthd/internal/config"
)

// Record is one audit line.
type Record struct {
	// Timestamp is when the request completed.
	Timestamp time.Time `json:"timestamp"`

	// RequestID correlates the line with server logs.
	RequestID string `json:"request_id"`

	// Decision is the routing terminal that answered.
	Decision string `json:"decision"`

	// Tier is set for cascade decisions, 0 otherwise.
	Tier int `json:"tier,omitempty"`

	// Model is the pool entry that served the answer.
	Model string `json:"model_name"`

	// LatencyMS is the wall time from admission to response.
	LatencyMS int64 `json:"latency_ms"`

	// Degraded reflects the health state at answer time.
	Degraded bool `json:"degraded"`

	// CacheHit is true when the weights came from the semantic cache.
	CacheHit bool `json:"cache_hit,omitempty"`

	// OverrideRule names the config rule that pinned the decision.
	OverrideRule string `json:"override_rule,omitempty"`
}

// Sink writes audit records to a rotating file.
type Sink struct {
	mu      sync.Mutex
	encoder *json.Encoder
	file    *lumberjack.Logger
	enabled bool
}

// NewSink opens the audit log. A disabled config yields a no-op sink.
func NewSink(cfg config.AuditConfig) (*Sink, error) {
	if !cfg.Enabled {
		return &Sink{}, nil
	}

	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	return &Sink{
		encoder: json.NewEncoder(file),
		file:    file,
		enabled: true,
	}, nil
}

// Write appends one record. Safe for concurrent use.
func (s *Sink) Write(rec Record) {
	if !s.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(rec); err != nil {
		log.WithFields(log.Fields{
			"error":      err.Error(),
			"request_id": rec.RequestID,
			"decision":   rec.Decision,
		}).Error("audit: failed to write record")
	}
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	if !s.enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
