// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cognalia/hearthd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), config.FeedbackConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "outcomes.db"),
		RetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDisabledStoreDropsRecords(t *testing.T) {
	s, err := NewStore(context.Background(), config.FeedbackConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if s.Enabled() {
		t.Error("disabled store reports enabled")
	}
	if err := s.Record(context.Background(), &Outcome{Decision: "cascade_tier1"}); err != nil {
		t.Errorf("Record() error = %v", err)
	}
	if got, err := s.Recent(context.Background(), 10); err != nil || got != nil {
		t.Errorf("Recent() = %v, %v", got, err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Outcome{
		RequestID: "r-1",
		Query:     "configure ssh on a remote host",
		Decision:  "cascade_tier1",
		Tier:      1,
		Model:     "tiny",
		Alpha:     0.95,
		Beta:      0.05,
		LatencyMS: 80,
		Success:   true,
	}
	if err := s.Record(ctx, first); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if first.ID == 0 {
		t.Error("Record() did not backfill the row id")
	}

	second := &Outcome{
		Timestamp: time.Now().Add(time.Second),
		RequestID: "r-2",
		Query:     "i feel overwhelmed",
		Decision:  "empathic_fallback",
		Model:     "empathic",
		Alpha:     0.2,
		Beta:      0.8,
		LatencyMS: 200,
		Success:   false,
		ErrorKind: "timeout",
	}
	if err := s.Record(ctx, second); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d outcomes, want 2", len(got))
	}
	if got[0].RequestID != "r-2" {
		t.Errorf("newest first: got %s", got[0].RequestID)
	}
	if got[0].ErrorKind != "timeout" || got[0].Success {
		t.Errorf("failure outcome round trip = %+v", got[0])
	}
	if got[1].Alpha != 0.95 || got[1].Tier != 1 {
		t.Errorf("outcome round trip = %+v", got[1])
	}
}

func TestSuccessRateAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ok := range []bool{true, true, false, true} {
		if err := s.Record(ctx, &Outcome{
			RequestID: "r", Query: "q", Decision: "cascade_tier2",
			Model: "expert_short", Alpha: 0.7, Beta: 0.3, Success: ok,
		}); err != nil {
			t.Fatal(err)
		}
	}

	rates, err := s.SuccessRate(ctx)
	if err != nil {
		t.Fatalf("SuccessRate() error = %v", err)
	}
	if got := rates["cascade_tier2"]; got != 0.75 {
		t.Errorf("success rate = %v, want 0.75", got)
	}
}

func TestRetentionSweepOnOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "outcomes.db")
	ctx := context.Background()

	s, err := NewStore(ctx, config.FeedbackConfig{Enabled: true, DBPath: dbPath, RetentionDays: 7})
	if err != nil {
		t.Fatal(err)
	}
	stale := &Outcome{
		Timestamp: time.Now().AddDate(0, 0, -14),
		RequestID: "old", Query: "q", Decision: "cascade_tier1", Model: "tiny",
	}
	fresh := &Outcome{RequestID: "new", Query: "q", Decision: "cascade_tier1", Model: "tiny"}
	if err := s.Record(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopening sweeps anything past retention.
	s, err = NewStore(ctx, config.FeedbackConfig{Enabled: true, DBPath: dbPath, RetentionDays: 7})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RequestID != "new" {
		t.Errorf("after sweep got %d outcomes, want only the fresh one", len(got))
	}
}

func TestRecordSurfacesInsertErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO outcomes").WillReturnError(errors.New("disk I/O error"))

	s := newStoreWithDB(db, 30)
	err = s.Record(context.Background(), &Outcome{RequestID: "r-1", Query: "q", Decision: "vision", Model: "vision"})
	if err == nil {
		t.Fatal("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
