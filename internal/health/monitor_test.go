// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package health

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/herrors"
)

const gib = int64(1) << 30

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		OOMWarnSeconds:        60,
		EWMAAlpha:             0.3,
		SampleIntervalSeconds: 1,
		MinSamples:            6,
	}
}

// feedRamp feeds samples rising at the given rate, one per second.
func feedRamp(m *Monitor, start int64, ratePerSec int64, n int) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		m.Observe(start+int64(i)*ratePerSec, t0.Add(time.Duration(i)*time.Second))
	}
}

func TestOOMGuardScenario(t *testing.T) {
	m := NewMonitor(testConfig(), 12*gib)

	// 0.1 GiB/s ramp ending at 6 GiB: eta = (12 - 6) / 0.1 = 60 s.
	rate := gib / 10
	feedRamp(m, 6*gib-6*rate, rate, 7)

	s := m.Snapshot()
	if s.ETASeconds == nil {
		t.Fatal("expected an OOM forecast")
	}
	if math.Abs(*s.ETASeconds-60) > 0.5 {
		t.Errorf("eta = %vs, want 60s", *s.ETASeconds)
	}
	if !s.Degraded || s.State != "degraded" {
		t.Errorf("Snapshot = %+v, want degraded", s)
	}

	err := m.Admit()
	if !herrors.IsKind(err, herrors.KindAdmissionRejected) {
		t.Fatalf("Admit() kind = %v, want admission_rejected", herrors.KindOf(err))
	}
	if !herrors.Retryable(err) {
		t.Error("admission rejection must be retryable")
	}
}

func TestNoForecastBeforeMinSamples(t *testing.T) {
	m := NewMonitor(testConfig(), 12*gib)
	feedRamp(m, 6*gib, gib/10, 5)

	if s := m.Snapshot(); s.ETASeconds != nil {
		t.Errorf("eta = %v after 5 samples, want none", *s.ETASeconds)
	}
	if err := m.Admit(); err != nil {
		t.Errorf("Admit() = %v, want nil", err)
	}
}

func TestFlatOrFallingTrendAdmits(t *testing.T) {
	m := NewMonitor(testConfig(), 12*gib)

	// Flat usage.
	feedRamp(m, 6*gib, 0, 8)
	if s := m.Snapshot(); s.ETASeconds != nil || s.Degraded {
		t.Errorf("flat trend Snapshot = %+v, want no forecast", s)
	}

	// Falling usage.
	m = NewMonitor(testConfig(), 12*gib)
	feedRamp(m, 8*gib, -gib/10, 8)
	if s := m.Snapshot(); s.ETASeconds != nil || s.Degraded {
		t.Errorf("falling trend Snapshot = %+v, want no forecast", s)
	}
	if err := m.Admit(); err != nil {
		t.Errorf("Admit() = %v, want nil", err)
	}
}

func TestRecoveryClearsDegraded(t *testing.T) {
	m := NewMonitor(testConfig(), 12*gib)
	rate := gib / 10
	feedRamp(m, 6*gib-6*rate, rate, 7)
	if !m.Snapshot().Degraded {
		t.Fatal("expected degraded after the ramp")
	}

	// Usage falls back; the EWMA turns negative within a few samples.
	t0 := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	ram := 6 * gib
	for i := 0; i < 10; i++ {
		ram -= gib / 2
		m.Observe(ram, t0.Add(time.Duration(i)*time.Second))
	}

	if s := m.Snapshot(); s.Degraded {
		t.Errorf("Snapshot = %+v, want recovered", s)
	}
	if err := m.Admit(); err != nil {
		t.Errorf("Admit() = %v, want nil", err)
	}
}

func TestEtaNeverNegative(t *testing.T) {
	m := NewMonitor(testConfig(), 6*gib)

	// Usage overshoots the cap while still rising.
	feedRamp(m, 5*gib, gib/2, 8)
	s := m.Snapshot()
	if s.ETASeconds == nil {
		t.Fatal("expected a forecast")
	}
	if *s.ETASeconds != 0 {
		t.Errorf("eta = %v, want clamped to 0", *s.ETASeconds)
	}
}

// The trend and ETA are a pure function of the sample sequence.
func TestDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same samples, same forecast", prop.ForAll(
		func(deltas []int64) bool {
			run := func() Status {
				m := NewMonitor(testConfig(), 12*gib)
				t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				ram := 4 * gib
				for i, d := range deltas {
					ram += d
					m.Observe(ram, t0.Add(time.Duration(i)*time.Second))
				}
				return m.Snapshot()
			}
			a, b := run(), run()
			if a.TrendBytesSec != b.TrendBytesSec || a.Degraded != b.Degraded {
				return false
			}
			if (a.ETASeconds == nil) != (b.ETASeconds == nil) {
				return false
			}
			return a.ETASeconds == nil || *a.ETASeconds == *b.ETASeconds
		},
		gen.SliceOf(gen.Int64Range(-gib/4, gib/4)),
	))

	properties.TestingRun(t)
}
