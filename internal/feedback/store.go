// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package feedback persists routing outcomes to a local SQLite database.
// The stored outcomes feed the meta-control promotion counter and give
// operators a queryable trail of what the router actually decided.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/config"
)

// Outcome is one recorded routing result.
type Outcome struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Query      string    `json:"query"`
	Decision   string    `json:"decision"`
	Tier       int       `json:"tier,omitempty"`
	Model      string    `json:"model"`
	Alpha      float64   `json:"alpha"`
	Beta       float64   `json:"beta"`
	Confidence float64   `json:"confidence,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

// Store records outcomes. A disabled store accepts and drops records.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	enabled       bool
	retentionDays int
}

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	request_id TEXT NOT NULL,
	query TEXT NOT NULL,
	decision TEXT NOT NULL,
	tier INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL,
	alpha REAL NOT NULL,
	beta REAL NOT NULL,
	confidence REAL,
	latency_ms INTEGER NOT NULL,
	success INTEGER NOT NULL,
	error_kind TEXT
);

CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON outcomes(timestamp);
CREATE INDEX IF NOT EXISTS idx_outcomes_decision ON outcomes(decision);
CREATE INDEX IF NOT EXISTS idx_outcomes_model ON outcomes(model);
`

// NewStore opens the database and ensures the schema. A disabled config
// yields a no-op store.
func NewStore(ctx context.Context, cfg config.FeedbackConfig) (*Store, error) {
	if !cfg.Enabled {
		return &Store{}, nil
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("feedback enabled without a database path")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create feedback directory: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open feedback database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create feedback schema: %w", err)
	}

	s := &Store{db: db, enabled: true, retentionDays: cfg.RetentionDays}
	if n, err := s.sweepExpired(ctx); err != nil {
		log.Warnf("feedback: retention sweep failed: %v", err)
	} else if n > 0 {
		log.Infof("feedback: swept %d expired outcomes", n)
	}
	return s, nil
}

// newStoreWithDB is the test seam for fake databases.
func newStoreWithDB(db *sql.DB, retentionDays int) *Store {
	return &Store{db: db, enabled: true, retentionDays: retentionDays}
}

// Enabled reports whether outcomes are being persisted.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Record stores one outcome. Failures are returned but callers treat the
// store as best-effort.
func (s *Store) Record(ctx context.Context, o *Outcome) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO outcomes (
		timestamp, request_id, query, decision, tier, model,
		alpha, beta, confidence, latency_ms, success, error_kind
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Timestamp, o.RequestID, o.Query, o.Decision, o.Tier, o.Model,
		o.Alpha, o.Beta, o.Confidence, o.LatencyMS, boolToInt(o.Success), o.ErrorKind,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		o.ID = id
	}
	return nil
}

// Recent returns the newest outcomes, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, timestamp, request_id, query, decision, tier, model,
	       alpha, beta, confidence, latency_ms, success, error_kind
	FROM outcomes
	ORDER BY timestamp DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		var o Outcome
		var success int
		var errKind sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&o.ID, &o.Timestamp, &o.RequestID, &o.Query, &o.Decision,
			&o.Tier, &o.Model, &o.Alpha, &o.Beta, &confidence, &o.LatencyMS,
			&success, &errKind); err != nil {
			log.Warnf("feedback: skipping unreadable outcome: %v", err)
			continue
		}
		o.Success = success != 0
		o.ErrorKind = errKind.String
		o.Confidence = confidence.Float64
		out = append(out, &o)
	}
	return out, rows.Err()
}

// SuccessRate aggregates the success share per decision.
func (s *Store) SuccessRate(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT decision, AVG(success)
	FROM outcomes
	GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("aggregate outcomes: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var decision string
		var rate float64
		if err := rows.Scan(&decision, &rate); err != nil {
			return nil, err
		}
		rates[decision] = rate
	}
	return rates, rows.Err()
}

// sweepExpired deletes outcomes older than the retention window.
func (s *Store) sweepExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	s.enabled = false
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
