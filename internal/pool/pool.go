// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pool keeps at most a configured number of models resident
// under an authoritative RAM cap. Loads are deduplicated, evictions are
// LRU among drained entries, swap-group members exclude each other, and
// load failures walk a declarative fallback chain.
package pool

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/backend"
	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/herrors"
	"github.com/cognalia/hearthd/internal/metrics"
)

type entryState int

const (
	stateLoading entryState = iota
	stateReady
	stateEvicting
)

func (s entryState) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateReady:
		return "ready"
	case stateEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// entry is one model slot. An absent name has no entry; a failed load
// is transient and removes its entry immediately after waking waiters.
type entry struct {
	name  string
	desc  config.ModelDescriptor
	state entryState

	handle backend.Handle
	err    error

	// done closes when the load completes, success or failure.
	done chan struct{}

	// removed closes when an Evicting entry leaves the map.
	removed chan struct{}

	lastUsed time.Time
	inFlight int
	ram      int64
}

// EvictionRecord describes one completed eviction.
type EvictionRecord struct {
	Name   string    `json:"name"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Stats is the pool snapshot surfaced on /health.
type Stats struct {
	Resident      []string         `json:"resident"`
	Loading       []string         `json:"loading"`
	LastEvictions []EvictionRecord `json:"last_evictions"`
	RAMBytes      int64            `json:"ram_bytes"`
}

// Lease is a granted handle. Callers must Release exactly once.
type Lease struct {
	// Requested is the logical name the caller asked for.
	Requested string

	// Served is the name actually granted, different from Requested
	// when a fallback link served the request.
	Served string

	Handle backend.Handle

	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Release returns the lease to the pool. Safe to call once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.pool.release(l.Served)
}

// Pool is the resident model set.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	// prefetched is the side map of speculatively loaded entries; they
	// count toward admission arithmetic and are promoted on get.
	prefetched map[string]*entry

	// changed is closed and replaced on every observable state change.
	changed chan struct{}

	maxModels    int
	maxRAM       int64
	loadDeadline time.Duration
	idleTTL      time.Duration

	registry  *backend.Registry
	cfg       *config.Config
	fallbacks map[string][]string

	// loadOpts carries the configured memory hints into every load.
	loadOpts backend.LoadOptions

	lastEvictions []EvictionRecord

	now func() time.Time
}

const evictionHistory = 16

// New builds a pool from configuration and a backend registry.
func New(cfg *config.Config, registry *backend.Registry) *Pool {
	return &Pool{
		entries:      make(map[string]*entry),
		prefetched:   make(map[string]*entry),
		changed:      make(chan struct{}),
		maxModels:    cfg.Runtime.MaxConcurrentModels,
		maxRAM:       cfg.Memory.MaxRAMBytes,
		loadDeadline: time.Duration(cfg.Memory.LoadDeadlineSeconds) * time.Second,
		idleTTL:      time.Duration(cfg.Memory.IdleTTLSeconds) * time.Second,
		registry:     registry,
		cfg:          cfg,
		fallbacks:    cfg.Fallbacks,
		loadOpts: backend.LoadOptions{
			UseMmap:      cfg.Memory.UseMmap,
			LockResident: cfg.Memory.LockResident,
		},
		now: time.Now,
	}
}

// broadcastLocked wakes every waiter blocked on pool state.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Get returns a ready lease for name, walking the fallback chain on
// load failure. It blocks at most the configured load deadline.
func (p *Pool) Get(ctx context.Context, name string) (*Lease, error) {
	deadline := time.NewTimer(p.loadDeadline)
	defer deadline.Stop()

	chain := append([]string{name}, p.fallbacks[name]...)
	var lastErr error
	for _, candidate := range chain {
		handle, err := p.acquire(ctx, candidate, deadline.C)
		if err == nil {
			if candidate != name {
				metrics.FallbackTotal.WithLabelValues(name, candidate).Inc()
				log.Warnf("pool: serving %s for requested %s after fallback", candidate, name)
			}
			return &Lease{Requested: name, Served: candidate, Handle: handle, pool: p}, nil
		}
		// Caller cancellation and deadline expiry abort the chain;
		// only load failures fall through to the next link.
		if herrors.IsKind(err, herrors.KindCancelled) || herrors.IsKind(err, herrors.KindTimeout) {
			return nil, err
		}
		lastErr = err
	}
	return nil, herrors.Wrap(herrors.KindModelUnavailable, lastErr, "fallback chain exhausted for %s", name)
}

// acquire grants a handle for exactly one logical name.
func (p *Pool) acquire(ctx context.Context, name string, deadline <-chan time.Time) (backend.Handle, error) {
	for {
		p.mu.Lock()

		if e, ok := p.entries[name]; ok {
			switch e.state {
			case stateReady:
				e.lastUsed = p.now()
				e.inFlight++
				p.mu.Unlock()
				return e.handle, nil

			case stateLoading:
				done := e.done
				p.mu.Unlock()
				if err := p.waitSignal(ctx, done, deadline); err != nil {
					return nil, err
				}
				if e.err != nil {
					return nil, e.err
				}
				continue

			case stateEvicting:
				removed := e.removed
				p.mu.Unlock()
				if err := p.waitSignal(ctx, removed, deadline); err != nil {
					return nil, err
				}
				continue
			}
		}

		// Promote a finished prefetch before considering a fresh load.
		if pe, ok := p.prefetched[name]; ok {
			switch pe.state {
			case stateReady:
				delete(p.prefetched, name)
				p.entries[name] = pe
				pe.lastUsed = p.now()
				pe.inFlight++
				p.updateResidentGaugeLocked()
				p.broadcastLocked()
				p.mu.Unlock()
				log.Debugf("pool: promoted prefetched %s", name)
				return pe.handle, nil

			case stateEvicting:
				// done is already closed here; joining it would spin.
				removed := pe.removed
				p.mu.Unlock()
				if err := p.waitSignal(ctx, removed, deadline); err != nil {
					return nil, err
				}
				continue

			default:
				// Still loading in the side map: join its completion.
				done := pe.done
				p.mu.Unlock()
				if err := p.waitSignal(ctx, done, deadline); err != nil {
					return nil, err
				}
				continue
			}
		}

		desc, ok := p.cfg.Descriptor(name)
		if !ok {
			p.mu.Unlock()
			return nil, herrors.New(herrors.KindModelUnavailable, "unknown model %q", name)
		}

		if retry, err := p.clearSwapGroupLocked(ctx, name, deadline); err != nil {
			return nil, err
		} else if retry {
			continue
		}

		if retry, err := p.admitLocked(ctx, desc.RAMEstimateBytes, deadline); err != nil {
			return nil, err
		} else if retry {
			continue
		}

		e := p.startLoadLocked(desc, p.loadOpts)
		done := e.done
		p.mu.Unlock()

		if err := p.waitSignal(ctx, done, deadline); err != nil {
			return nil, err
		}
		if e.err != nil {
			return nil, e.err
		}
		// Loop once more to take the Ready path and bump in-flight.
	}
}

// waitSignal blocks until ch fires, the caller cancels, or the load
// deadline passes.
func (p *Pool) waitSignal(ctx context.Context, ch <-chan struct{}, deadline <-chan time.Time) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return herrors.Wrap(herrors.KindCancelled, ctx.Err(), "get cancelled")
	case <-deadline:
		return herrors.New(herrors.KindTimeout, "load deadline exceeded")
	}
}

// clearSwapGroupLocked enforces swap-group exclusion. It returns
// retry=true when the caller must drop the lock, wait and re-evaluate.
// Called with p.mu held; on retry or error the lock is released.
func (p *Pool) clearSwapGroupLocked(ctx context.Context, name string, deadline <-chan time.Time) (retry bool, err error) {
	members := p.cfg.SwapGroupOf(name)
	if len(members) == 0 {
		return false, nil
	}

	for _, memberName := range members {
		if memberName == name {
			continue
		}
		member, resident := p.entries[memberName]
		if !resident {
			// A speculatively loaded partner in the side map excludes
			// just the same.
			side, ok := p.prefetched[memberName]
			if !ok {
				continue
			}
			switch side.state {
			case stateLoading:
				done := side.done
				p.mu.Unlock()
				if err := p.waitSignal(ctx, done, deadline); err != nil {
					return false, err
				}
				return true, nil

			case stateEvicting:
				// Already on its way out; a second evictLocked would
				// re-arm removed and shut the handle down twice.
				removed := side.removed
				p.mu.Unlock()
				if err := p.waitSignal(ctx, removed, deadline); err != nil {
					return false, err
				}
				return true, nil
			}
			p.evictLocked(side, "swap-group")
			return true, nil
		}
		switch member.state {
		case stateLoading:
			done := member.done
			p.mu.Unlock()
			if err := p.waitSignal(ctx, done, deadline); err != nil {
				return false, err
			}
			return true, nil

		case stateEvicting:
			removed := member.removed
			p.mu.Unlock()
			if err := p.waitSignal(ctx, removed, deadline); err != nil {
				return false, err
			}
			return true, nil

		case stateReady:
			if member.inFlight > 0 {
				// Pinned; wait for drain.
				changed := p.changed
				p.mu.Unlock()
				if err := p.waitSignal(ctx, changed, deadline); err != nil {
					return false, err
				}
				return true, nil
			}
			p.evictLocked(member, "swap-group")
			return true, nil
		}
	}
	return false, nil
}

// admitLocked makes room for ram bytes and one more entry. It returns
// retry=true after waiting for pool state to change. Called with p.mu
// held; on retry or error the lock is released, on success it is kept.
func (p *Pool) admitLocked(ctx context.Context, ram int64, deadline <-chan time.Time) (retry bool, err error) {
	if p.residentCountLocked()+1 > p.maxModels || p.residentRAMLocked()+ram > p.maxRAM {
		victim := p.pickVictimLocked()
		if victim == nil {
			// Everything is pinned or loading; wait for a release.
			changed := p.changed
			p.mu.Unlock()
			if err := p.waitSignal(ctx, changed, deadline); err != nil {
				return false, err
			}
			return true, nil
		}
		p.evictLocked(victim, "lru")
		return true, nil
	}
	return false, nil
}

// residentCountLocked counts main and prefetched entries that occupy a
// model slot.
func (p *Pool) residentCountLocked() int {
	n := len(p.entries)
	n += len(p.prefetched)
	return n
}

func (p *Pool) residentRAMLocked() int64 {
	var sum int64
	for _, e := range p.entries {
		sum += e.ram
	}
	for _, e := range p.prefetched {
		sum += e.ram
	}
	return sum
}

// pickVictimLocked selects the drained Ready entry with the oldest
// last-used time, preferring idle prefetched entries first.
func (p *Pool) pickVictimLocked() *entry {
	var victim *entry
	for _, e := range p.prefetched {
		if e.state != stateReady {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim != nil {
		return victim
	}
	for _, e := range p.entries {
		if e.state != stateReady || e.inFlight > 0 {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	return victim
}

// evictLocked transitions the entry to Evicting, shuts the handle down
// without the pool lock, removes the entry and wakes waiters. The lock
// is held on entry and released on return; callers must re-lock and
// re-evaluate pool state.
func (p *Pool) evictLocked(e *entry, reason string) {
	e.state = stateEvicting
	e.removed = make(chan struct{})
	handle := e.handle
	p.broadcastLocked()
	p.mu.Unlock()

	if handle != nil {
		if err := handle.Shutdown(); err != nil {
			log.Warnf("pool: shutdown of %s: %v", e.name, err)
		}
	}

	p.mu.Lock()
	delete(p.entries, e.name)
	delete(p.prefetched, e.name)
	close(e.removed)
	p.recordEvictionLocked(e.name, reason)
	p.updateResidentGaugeLocked()
	p.broadcastLocked()
	p.mu.Unlock()
	log.Infof("pool: evicted %s (%s)", e.name, reason)
}

func (p *Pool) recordEvictionLocked(name, reason string) {
	p.lastEvictions = append(p.lastEvictions, EvictionRecord{Name: name, Reason: reason, At: p.now()})
	if len(p.lastEvictions) > evictionHistory {
		p.lastEvictions = p.lastEvictions[len(p.lastEvictions)-evictionHistory:]
	}
}

// startLoadLocked inserts a Loading entry and starts the loader
// goroutine. The load runs on a detached context bounded by the load
// deadline, so a cancelled caller never aborts a load another caller
// may join.
func (p *Pool) startLoadLocked(desc config.ModelDescriptor, opts backend.LoadOptions) *entry {
	e := &entry{
		name:     desc.Name,
		desc:     desc,
		state:    stateLoading,
		done:     make(chan struct{}),
		lastUsed: p.now(),
		ram:      desc.RAMEstimateBytes,
	}
	p.entries[desc.Name] = e
	p.broadcastLocked()

	go p.runLoad(e, opts, false)
	return e
}

// runLoad performs the blocking load and publishes the outcome.
func (p *Pool) runLoad(e *entry, opts backend.LoadOptions, side bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.loadDeadline)
	defer cancel()

	handle, err := p.registry.Load(ctx, e.desc, opts)

	p.mu.Lock()
	if err != nil {
		e.err = herrors.Wrap(herrors.KindBackendLoadFailed, err, "load of %s failed", e.name)
		if side {
			delete(p.prefetched, e.name)
		} else {
			delete(p.entries, e.name)
		}
		close(e.done)
		p.broadcastLocked()
		p.mu.Unlock()
		log.Warnf("pool: load of %s failed: %v", e.name, err)
		return
	}

	e.handle = handle
	e.state = stateReady
	e.lastUsed = p.now()
	close(e.done)
	p.updateResidentGaugeLocked()
	p.broadcastLocked()
	p.mu.Unlock()
	log.Infof("pool: %s ready", e.name)
}

// release decrements the in-flight count for a served name.
func (p *Pool) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[name]
	if !ok || e.state != stateReady {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.lastUsed = p.now()
	p.broadcastLocked()
}

// Prefetch speculatively loads name into the side map with lowered
// priority. It never evicts; when no headroom exists the hint is
// dropped.
func (p *Pool) Prefetch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[name]; ok {
		return
	}
	if _, ok := p.prefetched[name]; ok {
		return
	}
	desc, ok := p.cfg.Descriptor(name)
	if !ok {
		return
	}
	if p.residentCountLocked()+1 > p.maxModels || p.residentRAMLocked()+desc.RAMEstimateBytes > p.maxRAM {
		log.Debugf("pool: dropping prefetch of %s, no headroom", name)
		return
	}
	for _, memberName := range p.cfg.SwapGroupOf(name) {
		if memberName == name {
			continue
		}
		if _, resident := p.entries[memberName]; resident {
			return
		}
	}

	e := &entry{
		name:     desc.Name,
		desc:     desc,
		state:    stateLoading,
		done:     make(chan struct{}),
		lastUsed: p.now(),
		ram:      desc.RAMEstimateBytes,
	}
	p.prefetched[name] = e
	opts := p.loadOpts
	opts.LowPriority = true
	go p.runLoad(e, opts, true)
	log.Debugf("pool: prefetching %s", name)
}

// Stats snapshots the pool for the health endpoint.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{RAMBytes: p.residentRAMLocked()}
	for name, e := range p.entries {
		switch e.state {
		case stateReady:
			s.Resident = append(s.Resident, name)
		case stateLoading:
			s.Loading = append(s.Loading, name)
		}
	}
	for name, e := range p.prefetched {
		if e.state == stateLoading {
			s.Loading = append(s.Loading, name)
		} else if e.state == stateReady {
			s.Resident = append(s.Resident, name)
		}
	}
	s.LastEvictions = append(s.LastEvictions, p.lastEvictions...)
	return s
}

func (p *Pool) updateResidentGaugeLocked() {
	n := 0
	for _, e := range p.entries {
		if e.state == stateReady {
			n++
		}
	}
	for _, e := range p.prefetched {
		if e.state == stateReady {
			n++
		}
	}
	metrics.ModelsResident.Set(float64(n))
}

// RunReaper evicts entries idle past their TTL until ctx is cancelled.
func (p *Pool) RunReaper(ctx context.Context) {
	interval := p.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	for {
		p.mu.Lock()
		var victim *entry
		now := p.now()
		check := func(e *entry) {
			if e.state != stateReady || e.inFlight > 0 {
				return
			}
			ttl := p.idleTTL
			if e.desc.IdleTTLSeconds > 0 {
				ttl = time.Duration(e.desc.IdleTTLSeconds) * time.Second
			}
			if ttl > 0 && now.Sub(e.lastUsed) >= ttl {
				victim = e
			}
		}
		for _, e := range p.entries {
			check(e)
		}
		for _, e := range p.prefetched {
			check(e)
		}
		if victim == nil {
			p.mu.Unlock()
			return
		}
		p.evictLocked(victim, "idle-ttl")
	}
}

// Shutdown drains nothing and force-stops every resident handle. Meant
// for process exit after the HTTP server has stopped accepting work.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	var handles []backend.Handle
	for _, e := range p.entries {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	for _, e := range p.prefetched {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	p.entries = make(map[string]*entry)
	p.prefetched = make(map[string]*entry)
	p.updateResidentGaugeLocked()
	p.broadcastLocked()
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Shutdown()
	}
}
