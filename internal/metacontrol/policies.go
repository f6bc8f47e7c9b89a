// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metacontrol

import (
	"math"
	"sync"

	"github.com/cognalia/hearthd/internal/classifier"
)

// clampWeights normalises alpha into [0.05, 0.95] and derives beta so
// the pair always sums to exactly 1.
func clampWeights(alpha float64) Weights {
	if alpha < 0.05 {
		alpha = 0.05
	} else if alpha > 0.95 {
		alpha = 0.95
	}
	return Weights{Alpha: alpha, Beta: 1 - alpha}
}

// rulePolicy is the phase 1 bootstrap: fixed threshold rules.
type rulePolicy struct{}

func (*rulePolicy) Name() string { return "phase1-rules" }

func (*rulePolicy) Weights(scores classifier.Scores, _ Context) Weights {
	switch {
	case scores.Hard > 0.8 && scores.Soft < 0.3:
		return Weights{Alpha: 0.95, Beta: 0.05}
	case scores.Soft > 0.7 && scores.Hard < 0.4:
		return Weights{Alpha: 0.20, Beta: 0.80}
	default:
		return Weights{Alpha: 0.60, Beta: 0.40}
	}
}

// projectionPolicy is phase 2: a linear head over the score axes and a
// reduced context embedding, squashed through a sigmoid. Coefficients
// were fitted offline against phase 1 labels.
type projectionPolicy struct{}

func (*projectionPolicy) Name() string { return "phase2-projection" }

// contextSummary reduces the embedding to a single scalar in [-1,1].
// The mean of a normalised embedding is a weak but stable signal of
// how "flat" the query is.
func contextSummary(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v)
	}
	mean := sum / float64(len(vec))
	if mean > 1 {
		mean = 1
	} else if mean < -1 {
		mean = -1
	}
	return mean
}

func (*projectionPolicy) Weights(scores classifier.Scores, ctx Context) Weights {
	z := 2.4*scores.Hard - 2.8*scores.Soft + 0.6*scores.WebQuery + 0.4*contextSummary(ctx.Embedding) + 0.3
	alpha := 1.0 / (1.0 + math.Exp(-z))
	return clampWeights(alpha)
}

// sequencePolicy is phase 3: the projection output smoothed over the
// recent request sequence, so one outlier query does not whip the
// weights around.
type sequencePolicy struct {
	inner projectionPolicy

	// smoothed is the EWMA of recent alphas. The controller calls
	// Weights under a read lock, so this policy carries its own mutex.
	mu       sync.Mutex
	smoothed float64
	primed   bool
}

func newSequencePolicy() *sequencePolicy {
	return &sequencePolicy{}
}

func (*sequencePolicy) Name() string { return "phase3-sequence" }

const sequenceSmoothing = 0.25

func (p *sequencePolicy) Weights(scores classifier.Scores, ctx Context) Weights {
	w := p.inner.Weights(scores, ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.primed {
		p.smoothed = w.Alpha
		p.primed = true
		return w
	}
	p.smoothed = sequenceSmoothing*w.Alpha + (1-sequenceSmoothing)*p.smoothed
	return clampWeights(p.smoothed)
}
