// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// defaultQuietPeriod is how long typing must pause before the
// prefetcher commits to a prediction.
const defaultQuietPeriod = 300 * time.Millisecond

// Prefetcher watches partial input and hints the pool once the input
// has been quiet long enough. Predictions come from the caller, usually
// the classifier's quick mode.
type Prefetcher struct {
	pool    *Pool
	predict func(partial string) (name string, ok bool)
	quiet   time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending string
	stopped bool
}

// NewPrefetcher builds a prefetcher over pool. predict maps partial
// text to a pool name; returning ok=false drops the observation.
func NewPrefetcher(pool *Pool, predict func(string) (string, bool)) *Prefetcher {
	return &Prefetcher{
		pool:    pool,
		predict: predict,
		quiet:   defaultQuietPeriod,
	}
}

// Observe records one partial-input snapshot, restarting the quiet
// period.
func (p *Prefetcher) Observe(partial string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.pending = partial
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.quiet, p.fire)
}

func (p *Prefetcher) fire() {
	p.mu.Lock()
	partial := p.pending
	stopped := p.stopped
	p.mu.Unlock()

	if stopped || partial == "" {
		return
	}
	name, ok := p.predict(partial)
	if !ok {
		return
	}
	log.Debugf("prefetcher: predicting %s from partial input", name)
	p.pool.Prefetch(name)
}

// Stop cancels any pending prediction.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}
