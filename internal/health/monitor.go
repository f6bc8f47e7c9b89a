// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package health predicts memory exhaustion from an EWMA of RAM growth
// and gates new admissions when the predicted OOM is close. The gate is
// advisory: it rejects new work but never revokes granted loads.
package health

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/herrors"
	"github.com/cognalia/hearthd/internal/metrics"
)

// Status is the monitor snapshot surfaced on /health.
type Status struct {
	State         string   `json:"state"`
	RAMBytes      int64    `json:"ram_bytes"`
	TrendBytesSec float64  `json:"trend_bytes_per_sec"`
	ETASeconds    *float64 `json:"eta_seconds"`
	Degraded      bool     `json:"degraded"`
}

// Monitor maintains the EWMA trend over sampled RAM usage.
type Monitor struct {
	alpha      float64
	capBytes   int64
	warn       time.Duration
	minSamples int
	interval   time.Duration

	mu       sync.RWMutex
	trend    float64 // bytes per second
	samples  int
	lastRAM  int64
	lastAt   time.Time
	eta      time.Duration // 0 means no OOM forecast
	hasETA   bool
	degraded bool
}

// NewMonitor builds a monitor against the pool's RAM cap.
func NewMonitor(cfg config.HealthConfig, capBytes int64) *Monitor {
	return &Monitor{
		alpha:      cfg.EWMAAlpha,
		capBytes:   capBytes,
		warn:       time.Duration(cfg.OOMWarnSeconds) * time.Second,
		minSamples: cfg.MinSamples,
		interval:   time.Duration(cfg.SampleIntervalSeconds) * time.Second,
	}
}

// Observe folds one RAM sample into the trend. Deterministic: the same
// sample sequence always produces the same trend and ETA.
func (m *Monitor) Observe(ramBytes int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples > 0 {
		dt := at.Sub(m.lastAt).Seconds()
		if dt > 0 {
			rate := float64(ramBytes-m.lastRAM) / dt
			if m.samples == 1 {
				// Prime the EWMA with the first observed rate.
				m.trend = rate
			} else {
				m.trend = m.alpha*rate + (1-m.alpha)*m.trend
			}
		}
	}
	m.lastRAM = ramBytes
	m.lastAt = at
	m.samples++

	m.hasETA = false
	if m.samples >= m.minSamples && m.trend > 0 {
		secs := float64(m.capBytes-ramBytes) / m.trend
		if secs < 0 {
			secs = 0
		}
		m.eta = time.Duration(secs * float64(time.Second))
		m.hasETA = true
	}

	wasDegraded := m.degraded
	m.degraded = m.hasETA && m.eta <= m.warn
	if m.degraded && !wasDegraded {
		log.Warnf("health: predicted OOM in %s, rejecting new admissions", m.eta.Round(time.Second))
	} else if !m.degraded && wasDegraded {
		log.Info("health: trend recovered, admissions resumed")
	}

	metrics.RAMBytes.Set(float64(ramBytes))
	metrics.RAMTrend.Set(m.trend)
	if m.hasETA {
		metrics.EstimatedOOMSeconds.Set(m.eta.Seconds())
	} else {
		metrics.EstimatedOOMSeconds.Set(-1)
	}
}

// Admit returns nil when new work may start, or a retryable admission
// error carrying the predicted ETA.
func (m *Monitor) Admit() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.degraded {
		return herrors.AdmissionRejected(m.eta)
	}
	return nil
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		State:         "ok",
		RAMBytes:      m.lastRAM,
		TrendBytesSec: m.trend,
		Degraded:      m.degraded,
	}
	if m.degraded {
		s.State = "degraded"
	}
	if m.hasETA {
		secs := m.eta.Seconds()
		s.ETASeconds = &secs
	}
	return s
}

// Run samples process memory until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var cpu cpuSampler
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			m.Observe(processRAM(), t)
			if pct, ok := cpu.sample(t); ok {
				metrics.CPUPercent.Set(pct)
			}
		}
	}
}

// processRAM reports the runtime's view of memory obtained from the OS.
func processRAM() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Sys)
}

// cpuSampler derives process CPU utilisation from consecutive
// /proc/self/stat readings. On platforms without procfs it reports
// nothing.
type cpuSampler struct {
	lastTicks float64
	lastAt    time.Time
}

func (c *cpuSampler) sample(at time.Time) (float64, bool) {
	ticks, err := processCPUTicks()
	if err != nil {
		return 0, false
	}
	defer func() {
		c.lastTicks = ticks
		c.lastAt = at
	}()
	if c.lastAt.IsZero() {
		return 0, false
	}
	dt := at.Sub(c.lastAt).Seconds()
	if dt <= 0 {
		return 0, false
	}
	hz := float64(100) // kernel USER_HZ
	return (ticks - c.lastTicks) / hz / dt * 100, true
}

// processCPUTicks reads utime+stime from /proc/self/stat.
func processCPUTicks() (float64, error) {
	raw, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, err
	}
	// The comm field may contain spaces; fields are counted after the
	// closing paren.
	idx := strings.LastIndexByte(string(raw), ')')
	if idx < 0 {
		return 0, errStatFormat
	}
	fields := strings.Fields(string(raw[idx+1:]))
	// utime and stime are fields 14 and 15 of the full line, which is
	// fields 11 and 12 after comm.
	if len(fields) < 13 {
		return 0, errStatFormat
	}
	utime, err := strconv.ParseFloat(fields[11], 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseFloat(fields[12], 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

var errStatFormat = errors.New("unexpected /proc/self/stat format")
