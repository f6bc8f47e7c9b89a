// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classifier

import (
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// Projection is the warm classifier: one learned linear head per intent
// axis over the query embedding, squashed through a sigmoid. Weights are
// trained offline and shipped as a JSON file.
type Projection struct {
	heads map[string]projectionHead
	dim   int
}

type projectionHead struct {
	Weights []float32 `json:"weights"`
	Bias    float32   `json:"bias"`
}

type projectionFile struct {
	Dimension int                       `json:"dimension"`
	Axes      map[string]projectionHead `json:"axes"`
}

// LoadProjection reads projection weights from path. A missing file is
// not an error; it returns (nil, nil) and the classifier stays cold.
func LoadProjection(path string, wantDim int) (*Projection, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("classifier: no projection weights at %s, staying cold", path)
			return nil, nil
		}
		return nil, err
	}

	var pf projectionFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("invalid projection file %s: %w", path, err)
	}
	if pf.Dimension != wantDim {
		return nil, fmt.Errorf("projection dimension %d does not match embedding dimension %d", pf.Dimension, wantDim)
	}
	for axis, head := range pf.Axes {
		if len(head.Weights) != wantDim {
			return nil, fmt.Errorf("projection head %q has %d weights, want %d", axis, len(head.Weights), wantDim)
		}
	}
	for _, axis := range []string{"hard", "soft", "web_query"} {
		if _, ok := pf.Axes[axis]; !ok {
			return nil, fmt.Errorf("projection file missing axis %q", axis)
		}
	}

	log.Infof("classifier: warm projection loaded (%d axes)", len(pf.Axes))
	return &Projection{heads: pf.Axes, dim: pf.Dimension}, nil
}

// Apply evaluates every head against the embedding.
func (p *Projection) Apply(vec []float32) Scores {
	return Scores{
		Hard:     p.head("hard", vec),
		Soft:     p.head("soft", vec),
		WebQuery: p.head("web_query", vec),
	}
}

func (p *Projection) head(axis string, vec []float32) float64 {
	h, ok := p.heads[axis]
	if !ok || len(vec) != len(h.Weights) {
		return 0
	}
	dot := float64(h.Bias)
	for i, v := range vec {
		dot += float64(v) * float64(h.Weights[i])
	}
	return 1.0 / (1.0 + math.Exp(-dot))
}
