// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package refiner

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/routing"
)

func testRefiner(maxIter int) *Refiner {
	return New(config.RefinerConfig{
		Enabled:              true,
		MaxIterations:        maxIter,
		ConvergenceThreshold: 0.95,
		MinQueryLength:       24,
	})
}

func TestZeroIterationsReturnsInputUnchanged(t *testing.T) {
	r := testRefiner(0)
	called := false
	res := r.Refine(context.Background(), "q", "the original answer", func(context.Context, string) (string, error) {
		called = true
		return "something else", nil
	})
	if res.Text != "the original answer" {
		t.Errorf("Text = %q, want unchanged input", res.Text)
	}
	if called {
		t.Error("generator called despite zero iteration cap")
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
}

func TestConvergenceStopsEarly(t *testing.T) {
	r := testRefiner(3)
	calls := 0
	stable := "The answer is forty two. Therefore nothing more needs saying."
	res := r.Refine(context.Background(), "what is the answer", "first draft of the answer", func(context.Context, string) (string, error) {
		calls++
		return stable, nil
	})
	// Second iteration reproduces the first's output exactly; LCS
	// similarity is 1 and the loop stops at iteration 2.
	if !res.Converged {
		t.Error("expected convergence")
	}
	if calls != 2 {
		t.Errorf("generator calls = %d, want 2", calls)
	}
	if res.Text != stable {
		t.Errorf("Text = %q, want the converged answer", res.Text)
	}
}

func TestIterationCapRespected(t *testing.T) {
	r := testRefiner(3)
	calls := 0
	answers := []string{
		"alpha bravo charlie delta",
		"echo foxtrot golf hotel",
		"india juliet kilo lima",
	}
	res := r.Refine(context.Background(), "some sufficiently long question", "seed", func(context.Context, string) (string, error) {
		out := answers[calls]
		calls++
		return out, nil
	})
	if calls != 3 {
		t.Errorf("generator calls = %d, want 3", calls)
	}
	if res.Converged {
		t.Error("unexpected convergence")
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", res.Iterations)
	}
}

func TestErrorReturnsBestSoFarWithAnnotation(t *testing.T) {
	r := testRefiner(3)
	good := "Configure the server carefully. Check the logs. In conclusion it works. " +
		"This answer mentions the server configuration question directly."
	calls := 0
	res := r.Refine(context.Background(), "how do I configure the server", "short seed", func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return good, nil
		}
		return "", errors.New("backend went away")
	})
	if res.Annotation == "" {
		t.Error("missing error annotation")
	}
	if res.Text != good {
		t.Errorf("Text = %q, want best-so-far", res.Text)
	}
}

func TestBestIterationWins(t *testing.T) {
	r := testRefiner(2)
	rich := "The deployment needs three steps. First configure the host. Then verify the keys. " +
		"In conclusion, deployment succeeds when every step of the configure sequence runs."
	poor := "ok"
	calls := 0
	res := r.Refine(context.Background(), "how do I configure the deployment host", "seed", func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return rich, nil
		}
		return poor, nil
	})
	if res.Text != rich {
		t.Errorf("kept %q, want the higher-quality iteration", res.Text)
	}
}

func TestShouldRefine(t *testing.T) {
	r := testRefiner(3)
	longQuery := "please explain how the cascade routing system works"

	tests := []struct {
		name  string
		route routing.Route
		beta  float64
		query string
		want  bool
	}{
		{"cascade tier refines", routing.RouteCascadeTier2, 0.4, longQuery, true},
		{"empathic refines below beta threshold", routing.RouteEmpathicFallback, 0.4, longQuery, true},
		{"high beta skips", routing.RouteEmpathicFallback, 0.81, longQuery, false},
		{"web synthesis skips", routing.RouteWebSynthesis, 0.1, longQuery, false},
		{"vision skips", routing.RouteVision, 0.1, longQuery, false},
		{"short query skips", routing.RouteCascadeTier1, 0.1, "short", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ShouldRefine(tt.route, tt.beta, tt.query); got != tt.want {
				t.Errorf("ShouldRefine() = %v, want %v", got, tt.want)
			}
		})
	}

	disabled := New(config.RefinerConfig{Enabled: false, MaxIterations: 3, MinQueryLength: 4})
	if disabled.ShouldRefine(routing.RouteCascadeTier1, 0.1, longQuery) {
		t.Error("disabled refiner should never refine")
	}
}

func TestLCSSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the quick brown fox", "the quick brown fox", 1.0},
		{"disjoint", "alpha bravo", "charlie delta", 0.0},
		{"both empty", "", "", 1.0},
		{"one empty", "words here", "", 0.0},
		{"half shared", "a b c d", "a b x y", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lcsSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("lcsSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualityMetrics(t *testing.T) {
	if got := conclusionScore("and in conclusion, it holds"); got != 1 {
		t.Errorf("conclusionScore = %v, want 1", got)
	}
	if got := conclusionScore("no marker here"); got != 0 {
		t.Errorf("conclusionScore = %v, want 0", got)
	}
	if got := keywordOverlap("configure ssh host", "we configure the host"); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("keywordOverlap = %v, want 2/3", got)
	}
	if got := sentenceScore("One. Two. Three. Four. Five. Six."); got != 1 {
		t.Errorf("sentenceScore = %v, want saturation at 1", got)
	}
}
