// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metacontrol computes the (alpha, beta) control weights that
// bias routing between the analytic cascade and the empathic fallback.
// The controller is phase-staged: it boots on threshold rules and
// promotes itself to learned policies as labelled observations accrue.
package metacontrol

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/classifier"
)

// Weights is one routing weight pair. Alpha + Beta is always 1.
type Weights struct {
	Alpha float64
	Beta  float64
}

// Context carries the per-request inputs a policy may consult beyond
// the score vector.
type Context struct {
	// QueryLen is the query length in runes.
	QueryLen int

	// Embedding is the query embedding, possibly a zero vector.
	Embedding []float32
}

// Policy maps scores and context to weights. Implementations may carry
// internal state across calls (the sequence policy smooths over recent
// requests) but must be safe for concurrent Weights calls.
type Policy interface {
	Name() string
	Weights(scores classifier.Scores, ctx Context) Weights
}

// Controller owns the active policy and the promotion counter. The
// active policy is swapped under a write lock; Weights holds the read
// lock for the duration of one call so an inflight request observes a
// consistent implementation.
type Controller struct {
	mu           sync.RWMutex
	active       Policy
	observations int64
	promoteAfter int64
	counter      *counterFile
}

// New creates a controller in the phase matching the persisted
// observation count. promoteAfter <= 0 disables promotion.
func New(promoteAfter int, statePath string) *Controller {
	c := &Controller{
		promoteAfter: int64(promoteAfter),
	}
	if statePath != "" {
		c.counter = newCounterFile(statePath)
		c.observations = c.counter.load()
	}
	c.active = policyForCount(c.observations, c.promoteAfter)
	log.Infof("meta-control: starting with policy %s (%d observations)", c.active.Name(), c.observations)
	return c
}

// Weights evaluates the active policy.
func (c *Controller) Weights(scores classifier.Scores, ctx Context) Weights {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active.Weights(scores, ctx)
}

// Phase returns the active policy name.
func (c *Controller) Phase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active.Name()
}

// Observations returns the cumulative labelled observation count.
func (c *Controller) Observations() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observations
}

// Observe records one labelled outcome and promotes the active policy
// when a phase boundary is crossed.
func (c *Controller) Observe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observations++
	if c.counter != nil {
		c.counter.append(c.observations)
	}

	next := policyForCount(c.observations, c.promoteAfter)
	if next.Name() != c.active.Name() {
		log.Infof("meta-control: promoting %s -> %s after %d observations",
			c.active.Name(), next.Name(), c.observations)
		c.active = next
	}
}

// Close releases the persisted counter file.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter != nil {
		return c.counter.Close()
	}
	return nil
}

// policyForCount selects the phase for a given observation count.
// Phase 2 starts at promoteAfter, phase 3 at twice that.
func policyForCount(n, promoteAfter int64) Policy {
	if promoteAfter <= 0 {
		return &rulePolicy{}
	}
	switch {
	case n >= 2*promoteAfter:
		return newSequencePolicy()
	case n >= promoteAfter:
		return &projectionPolicy{}
	default:
		return &rulePolicy{}
	}
}
