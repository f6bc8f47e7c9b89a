// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metacontrol

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cognalia/hearthd/internal/classifier"
)

func TestPhase1Rules(t *testing.T) {
	tests := []struct {
		name       string
		hard, soft float64
		wantAlpha  float64
		wantBeta   float64
	}{
		{"analytic", 0.9, 0.1, 0.95, 0.05},
		{"empathic", 0.1, 0.85, 0.20, 0.80},
		{"mixed", 0.5, 0.5, 0.60, 0.40},
		{"hard boundary not exceeded", 0.8, 0.1, 0.60, 0.40},
		{"soft boundary not exceeded", 0.1, 0.7, 0.60, 0.40},
	}

	p := &rulePolicy{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := p.Weights(classifier.Scores{Hard: tt.hard, Soft: tt.soft}, Context{})
			if w.Alpha != tt.wantAlpha || w.Beta != tt.wantBeta {
				t.Errorf("Weights() = (%v, %v), want (%v, %v)", w.Alpha, w.Beta, tt.wantAlpha, tt.wantBeta)
			}
		})
	}
}

// Weight pairs must sum to 1 within epsilon for every policy and every
// score vector.
func TestWeightsSumProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policies := []Policy{&rulePolicy{}, &projectionPolicy{}, newSequencePolicy()}

	properties.Property("alpha+beta == 1 within epsilon", prop.ForAll(
		func(hard, soft, web float64, qlen int) bool {
			scores := classifier.Scores{Hard: hard, Soft: soft, WebQuery: web}
			ctx := Context{QueryLen: qlen}
			for _, p := range policies {
				w := p.Weights(scores, ctx)
				if math.Abs(w.Alpha+w.Beta-1.0) > 1e-9 {
					return false
				}
				if w.Alpha < 0 || w.Alpha > 1 || w.Beta < 0 || w.Beta > 1 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 4096),
	))

	properties.TestingRun(t)
}

func TestPromotionAcrossPhases(t *testing.T) {
	c := New(3, "")
	if c.Phase() != "phase1-rules" {
		t.Fatalf("initial phase = %s", c.Phase())
	}
	for i := 0; i < 3; i++ {
		c.Observe()
	}
	if c.Phase() != "phase2-projection" {
		t.Errorf("after K observations phase = %s, want phase2-projection", c.Phase())
	}
	for i := 0; i < 3; i++ {
		c.Observe()
	}
	if c.Phase() != "phase3-sequence" {
		t.Errorf("after 2K observations phase = %s, want phase3-sequence", c.Phase())
	}
}

func TestPromotionDisabled(t *testing.T) {
	c := New(0, "")
	for i := 0; i < 100; i++ {
		c.Observe()
	}
	if c.Phase() != "phase1-rules" {
		t.Errorf("phase = %s, want phase1-rules with promotion disabled", c.Phase())
	}
}

func TestCounterPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metacontrol.jsonl")

	c := New(5, path)
	for i := 0; i < 7; i++ {
		c.Observe()
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	fresh := New(5, path)
	defer fresh.Close()
	if fresh.Observations() != 7 {
		t.Errorf("Observations() after restart = %d, want 7", fresh.Observations())
	}
	if fresh.Phase() != "phase2-projection" {
		t.Errorf("restored phase = %s, want phase2-projection", fresh.Phase())
	}
}

func TestCounterToleratesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metacontrol.jsonl")
	content := "{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n{\"n\":"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(10, path)
	defer c.Close()
	if c.Observations() != 3 {
		t.Errorf("Observations() = %d, want 3 (last valid line)", c.Observations())
	}
}

func TestCounterMissingFileStartsCold(t *testing.T) {
	c := New(10, filepath.Join(t.TempDir(), "nope.jsonl"))
	defer c.Close()
	if c.Observations() != 0 {
		t.Errorf("Observations() = %d, want 0", c.Observations())
	}
}
