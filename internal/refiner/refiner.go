// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package refiner iteratively re-generates an answer until it stops
// changing or the iteration cap is reached, keeping whichever iteration
// scored best on a composite quality blend.
package refiner

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/routing"
)

// Composite quality weights over the four metrics.
const (
	lengthWeight     = 0.3
	overlapWeight    = 0.3
	sentenceWeight   = 0.2
	conclusionWeight = 0.2
)

// betaSkipThreshold skips refinement for strongly empathic traffic.
const betaSkipThreshold = 0.8

// Generator produces one refinement pass.
type Generator func(ctx context.Context, prompt string) (string, error)

// Result is the refinement outcome.
type Result struct {
	Text       string
	Iterations int
	Converged  bool
	Quality    float64

	// Annotation carries the error text when an iteration failed and
	// the best-so-far answer was returned instead.
	Annotation string
}

// Refiner runs the refinement loop.
type Refiner struct {
	cfg config.RefinerConfig
}

// New builds a refiner.
func New(cfg config.RefinerConfig) *Refiner {
	return &Refiner{cfg: cfg}
}

// ShouldRefine reports whether refinement applies to this request.
func (r *Refiner) ShouldRefine(route routing.Route, beta float64, query string) bool {
	if !r.cfg.Enabled {
		return false
	}
	if beta > betaSkipThreshold {
		return false
	}
	if route == routing.RouteWebSynthesis {
		return false
	}
	switch route {
	case routing.RouteCascadeTier1, routing.RouteCascadeTier2, routing.RouteCascadeTier3,
		routing.RouteEmpathicFallback:
	default:
		return false
	}
	return len(strings.TrimSpace(query)) >= r.cfg.MinQueryLength
}

// Refine improves initial with up to MaxIterations generations and
// returns the best-scoring iteration. A zero iteration cap returns the
// input unchanged.
func (r *Refiner) Refine(ctx context.Context, query, initial string, generate Generator) Result {
	best := Result{Text: initial, Quality: r.quality(query, initial)}
	if r.cfg.MaxIterations <= 0 {
		return best
	}

	current := initial
	for i := 1; i <= r.cfg.MaxIterations; i++ {
		out, err := generate(ctx, refinementPrompt(query, current))
		if err != nil {
			log.Warnf("refiner: iteration %d failed, returning best so far: %v", i, err)
			best.Annotation = err.Error()
			return best
		}

		best.Iterations = i
		if q := r.quality(query, out); q > best.Quality {
			best.Text = out
			best.Quality = q
		}

		if lcsSimilarity(current, out) >= r.cfg.ConvergenceThreshold {
			best.Converged = true
			return best
		}
		current = out
	}
	return best
}

func refinementPrompt(query, answer string) string {
	var b strings.Builder
	b.WriteString("Improve the answer below. Keep what is correct, fix what is wrong, and tighten the wording.\n\n")
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nCurrent answer:\n")
	b.WriteString(answer)
	return b.String()
}

// quality is the composite score over the four metrics.
func (r *Refiner) quality(query, answer string) float64 {
	return lengthWeight*lengthScore(answer) +
		overlapWeight*keywordOverlap(query, answer) +
		sentenceWeight*sentenceScore(answer) +
		conclusionWeight*conclusionScore(answer)
}

// lengthScore saturates at 200 words.
func lengthScore(answer string) float64 {
	words := len(strings.Fields(answer))
	s := float64(words) / 200.0
	if s > 1 {
		return 1
	}
	return s
}

// keywordOverlap is the share of query tokens echoed in the answer.
func keywordOverlap(query, answer string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	answerSet := make(map[string]bool)
	for _, tok := range tokenize(answer) {
		answerSet[tok] = true
	}
	hits := 0
	for _, tok := range queryTokens {
		if answerSet[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// sentenceScore saturates at 5 sentences.
func sentenceScore(answer string) float64 {
	sentences := 0
	for _, r := range answer {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	s := float64(sentences) / 5.0
	if s > 1 {
		return 1
	}
	return s
}

var conclusionMarkers = []string{
	"in conclusion", "in summary", "to summarize", "overall", "therefore",
}

func conclusionScore(answer string) float64 {
	lower := strings.ToLower(answer)
	for _, m := range conclusionMarkers {
		if strings.Contains(lower, m) {
			return 1
		}
	}
	return 0
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// maxLCSWords caps the similarity computation; longer answers are
// truncated for the comparison only.
const maxLCSWords = 512

// lcsSimilarity is 2*LCS/(lenA+lenB) over word sequences.
func lcsSimilarity(a, b string) float64 {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	if len(wa) > maxLCSWords {
		wa = wa[:maxLCSWords]
	}
	if len(wb) > maxLCSWords {
		wb = wb[:maxLCSWords]
	}
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	prev := make([]int, len(wb)+1)
	row := make([]int, len(wb)+1)
	for i := 1; i <= len(wa); i++ {
		for j := 1; j <= len(wb); j++ {
			if wa[i-1] == wb[j-1] {
				row[j] = prev[j-1] + 1
			} else if prev[j] >= row[j-1] {
				row[j] = prev[j]
			} else {
				row[j] = row[j-1]
			}
		}
		prev, row = row, prev
	}
	lcs := prev[len(wb)]
	return 2.0 * float64(lcs) / float64(len(wa)+len(wb))
}
