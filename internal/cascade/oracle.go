// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cascade selects which tier of the local model cascade should
// answer a query. Confidence means confidence that a cheap tier
// suffices; low confidence escalates toward the reasoning floor.
package cascade

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/cognalia/hearthd/internal/classifier"
	"github.com/cognalia/hearthd/internal/config"
)

// Tier identifies one cascade level.
type Tier int

const (
	Tier1 Tier = 1 // fast
	Tier2 Tier = 2 // standard
	Tier3 Tier = 3 // reasoning floor
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	default:
		return "tier3"
	}
}

// Signal weights for the confidence blend.
const (
	lexicalWeight   = 0.4
	syntacticWeight = 0.3
	semanticWeight  = 0.3
)

// Oracle decides cascade tiers. Force patterns are hot-reloadable; the
// tier thresholds are fixed at construction.
type Oracle struct {
	tier1 config.TierConfig
	tier2 config.TierConfig
	tier3 config.TierConfig

	mu            sync.RWMutex
	forcePatterns []string

	enc tokenizer.Codec
}

// New builds an oracle from the cascade configuration.
func New(cfg config.CascadeConfig) *Oracle {
	o := &Oracle{
		tier1:         cfg.Tier1,
		tier2:         cfg.Tier2,
		tier3:         cfg.Tier3,
		forcePatterns: normalizePatterns(cfg.ForcePatterns),
	}
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("cascade: tiktoken unavailable, using word-count estimate: %v", err)
	} else {
		o.enc = enc
	}
	return o
}

// SetForcePatterns replaces the force-pattern list, typically from the
// config watcher.
func (o *Oracle) SetForcePatterns(patterns []string) {
	normalized := normalizePatterns(patterns)
	o.mu.Lock()
	o.forcePatterns = normalized
	o.mu.Unlock()
	log.Infof("cascade: %d force patterns active", len(normalized))
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Decision is one cascade verdict.
type Decision struct {
	Tier       Tier
	Model      string
	Confidence float64
	Forced     bool
}

// Decide maps a query and its scores to a tier. Deterministic for fixed
// inputs; threshold comparisons are inclusive so exact boundary values
// take the cheaper tier.
func (o *Oracle) Decide(text string, scores classifier.Scores) Decision {
	lower := strings.ToLower(text)

	o.mu.RLock()
	patterns := o.forcePatterns
	o.mu.RUnlock()
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return Decision{Tier: Tier3, Model: o.tier3.Model, Confidence: 0, Forced: true}
		}
	}

	confidence := lexicalWeight*o.lexicalEase(text) +
		syntacticWeight*syntacticEase(text) +
		semanticWeight*semanticEase(scores)
	return o.tierFor(confidence)
}

// ModelFor returns the pool name bound to a tier.
func (o *Oracle) ModelFor(t Tier) string {
	switch t {
	case Tier1:
		return o.tier1.Model
	case Tier2:
		return o.tier2.Model
	default:
		return o.tier3.Model
	}
}

// tierFor applies the inclusive threshold ladder.
func (o *Oracle) tierFor(confidence float64) Decision {
	switch {
	case confidence >= o.tier1.MinConfidence:
		return Decision{Tier: Tier1, Model: o.tier1.Model, Confidence: confidence}
	case confidence >= o.tier2.MinConfidence:
		return Decision{Tier: Tier2, Model: o.tier2.Model, Confidence: confidence}
	default:
		return Decision{Tier: Tier3, Model: o.tier3.Model, Confidence: confidence}
	}
}

// lexicalEase is high for short queries. Saturates at 64 tokens.
func (o *Oracle) lexicalEase(text string) float64 {
	n := o.countTokens(text)
	ease := 1.0 - float64(n)/64.0
	if ease < 0 {
		return 0
	}
	return ease
}

func (o *Oracle) countTokens(text string) int {
	if o.enc != nil {
		if ids, _, err := o.enc.Encode(text); err == nil {
			return len(ids)
		}
	}
	// Word count times 1.3 approximates subword tokenization.
	return int(float64(len(strings.Fields(text))) * 1.3)
}

// syntacticComplexityMarkers are clause and nesting cues.
var syntacticComplexityMarkers = []string{
	",", ";", ":", "(", "because", "although", "however", "therefore",
	"whereas", "unless", "nested",
}

// syntacticEase is high for flat single-clause queries.
func syntacticEase(text string) float64 {
	lower := strings.ToLower(text)
	markers := 0
	for _, m := range syntacticComplexityMarkers {
		markers += strings.Count(lower, m)
	}
	ease := 1.0 - float64(markers)/6.0
	if ease < 0 {
		return 0
	}
	return ease
}

// semanticEase is high when the score vector suggests a routine query.
func semanticEase(scores classifier.Scores) float64 {
	ease := 1.0 - 0.3*scores.Hard - 0.5*scores.WebQuery - 0.2*scores.Soft
	if ease < 0 {
		return 0
	}
	if ease > 1 {
		return 1
	}
	return ease
}
