// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classifier scores a query across the intent axes hard, soft
// and web_query plus auxiliary skill axes. It runs cold (keyword and
// token-pair tables) until a warm projection is available for the
// embedding, and exposes a cheap quick mode for the prefetcher.
package classifier

import (
	"sort"
	"strings"
)

// skillThreshold is the minimum firing pair weight for a skill axis to
// be selected.
const skillThreshold = 0.5

// Scores is the classifier output. All axes live in [0,1].
type Scores struct {
	Hard     float64
	Soft     float64
	WebQuery float64

	// Skills maps auxiliary axis names to scores. Only fired axes appear.
	Skills map[string]float64

	// TopSkill is the winning skill axis, empty when none fired above
	// threshold.
	TopSkill string
}

// Empty reports whether no axis carries signal.
func (s Scores) Empty() bool {
	return s.Hard == 0 && s.Soft == 0 && s.WebQuery == 0 && len(s.Skills) == 0
}

// Skill returns the score for one skill axis, 0 when absent.
func (s Scores) Skill(axis string) float64 {
	return s.Skills[axis]
}

// Embedder is the embedding surface the warm path consumes.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}

// Classifier produces Score Vectors. The zero value is unusable; use New.
type Classifier struct {
	embedder   Embedder
	projection *Projection
}

// New builds a classifier. projection may be nil, which keeps the
// classifier cold permanently.
func New(embedder Embedder, projection *Projection) *Classifier {
	return &Classifier{embedder: embedder, projection: projection}
}

// Classify scores text. When a warm projection is loaded and the
// embedding carries signal, the projection output is used; otherwise the
// cold tables decide. Both paths return the same axis set.
func (c *Classifier) Classify(text string) Scores {
	var vec []float32
	if c.projection != nil && c.embedder != nil {
		vec, _ = c.embedder.Embed(text)
	}
	return c.ClassifyWithEmbedding(text, vec)
}

// ClassifyWithEmbedding scores text against an already-computed
// embedding, sparing callers that need the vector anyway a second
// inference pass.
func (c *Classifier) ClassifyWithEmbedding(text string, vec []float32) Scores {
	cold := classifyCold(text)

	if c.projection == nil || len(vec) == 0 || isZeroVector(vec) {
		return cold
	}

	warm := c.projection.Apply(vec)
	// Skill detection stays lexical in both modes; the projection only
	// learns the intent axes.
	warm.Skills = cold.Skills
	warm.TopSkill = cold.TopSkill
	return warm
}

// QuickClassify is the prefetcher's cheap mode: keyword and pair tables
// only, no embedding. Precision is allowed to be worse.
func (c *Classifier) QuickClassify(partial string) Scores {
	return classifyCold(partial)
}

// --- cold tables ---

var hardKeywords = []string{
	"configure", "ssh", "install", "compile", "kernel", "server",
	"deploy", "debug", "remote", "host", "build", "docker", "regex",
	"database", "query", "algorithm", "encrypt", "network", "protocol",
}

var softKeywords = []string{
	"feel", "feeling", "overwhelmed", "sad", "happy", "anxious",
	"lonely", "afraid", "tired", "stressed", "worried", "grateful",
	"miss", "love",
}

var softPhrases = []string{"i feel", "i am feeling", "i'm feeling"}

var webTokens = []string{"yesterday", "latest", "news", "current", "weather", "match", "score", "election"}

var webPhrases = []string{"who won", "what happened", "right now"}

// pairRule fires when both tokens appear anywhere in the text,
// regardless of order.
type pairRule struct {
	a, b   string
	axis   string
	weight float64
}

var pairTable = []pairRule{
	{"write", "function", "programming", 0.90},
	{"python", "function", "programming", 0.95},
	{"write", "code", "programming", 0.90},
	{"fix", "bug", "programming", 0.85},
	{"git", "rebase", "programming", 0.90},
	{"implement", "class", "programming", 0.85},
	{"unit", "test", "programming", 0.80},
	{"sql", "query", "programming", 0.85},
	{"translate", "sentence", "language", 0.70},
	{"translate", "paragraph", "language", 0.70},
	{"summarize", "article", "summarization", 0.70},
	{"summarize", "document", "summarization", 0.70},
	{"write", "poem", "creative", 0.65},
	{"write", "story", "creative", 0.65},
}

func classifyCold(text string) Scores {
	lower := strings.ToLower(text)
	tokens := tokenSet(lower)

	s := Scores{Hard: 0.1, Soft: 0.1}

	hardHits := 0
	for _, k := range hardKeywords {
		if tokens[k] {
			hardHits++
		}
	}
	s.Hard = clamp01(0.1+0.2*float64(hardHits), 0.1, 0.9)

	softHits := 0
	for _, k := range softKeywords {
		if tokens[k] {
			softHits++
		}
	}
	soft := 0.1 + 0.25*float64(softHits)
	for _, p := range softPhrases {
		if strings.Contains(lower, p) {
			soft += 0.25
			break
		}
	}
	s.Soft = clamp01(soft, 0.1, 0.85)

	web := 0.0
	for _, p := range webPhrases {
		if strings.Contains(lower, p) {
			web += 0.5
			break
		}
	}
	for _, k := range webTokens {
		if tokens[k] {
			web += 0.2
		}
	}
	s.WebQuery = clamp01(web, 0, 0.9)

	s.Skills, s.TopSkill = fireSkills(tokens)
	return s
}

// fireSkills evaluates the unordered token-pair table. The highest
// firing weight at or above threshold wins; equal weights break toward
// the lexicographically smaller axis name.
func fireSkills(tokens map[string]bool) (map[string]float64, string) {
	var fired map[string]float64
	for _, r := range pairTable {
		if !tokens[r.a] || !tokens[r.b] {
			continue
		}
		if fired == nil {
			fired = make(map[string]float64)
		}
		if r.weight > fired[r.axis] {
			fired[r.axis] = r.weight
		}
	}
	if len(fired) == 0 {
		return nil, ""
	}

	axes := make([]string, 0, len(fired))
	for axis := range fired {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	top := ""
	best := 0.0
	for _, axis := range axes {
		if fired[axis] > best {
			best = fired[axis]
			top = axis
		}
	}
	if best < skillThreshold {
		top = ""
	}
	return fired, top
}

func tokenSet(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func clamp01(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
