// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics registers the process-wide Prometheus collectors for the
// hearthd core. These counters are the only ambient globals the core keeps;
// everything else is injected explicitly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var startTime = time.Now()

var (
	// RAMBytes is the last sampled resident RAM usage.
	RAMBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "ram_bytes",
		Help:      "Instantaneous RAM used by the process in bytes.",
	})

	// CPUPercent is the last sampled CPU utilisation.
	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "cpu_percent",
		Help:      "Instantaneous CPU utilisation in percent.",
	})

	// RAMTrend is the EWMA RAM growth rate in bytes per second.
	RAMTrend = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "ram_trend_bytes_per_sec",
		Help:      "EWMA trend of RAM usage in bytes per second.",
	})

	// EstimatedOOMSeconds is the predicted time to OOM; negative when no
	// OOM is forecast.
	EstimatedOOMSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "estimated_oom_seconds",
		Help:      "Predicted seconds until OOM given the current trend; -1 when stable.",
	})

	// RouteLatency tracks request latency per routing decision.
	RouteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hearthd",
		Name:      "route_latency_seconds",
		Help:      "Request latency per routing decision.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"route"})

	// CacheHits counts semantic cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hearthd",
		Name:      "cache_hits_total",
		Help:      "Semantic cache hits.",
	})

	// CacheMisses counts semantic cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hearthd",
		Name:      "cache_misses_total",
		Help:      "Semantic cache misses.",
	})

	// CacheHitRate exposes the current hit ratio in [0,1].
	CacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "cache_hit_rate",
		Help:      "Semantic cache hit rate.",
	})

	// FallbackTotal counts pool fallbacks by requested and served name.
	FallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearthd",
		Name:      "fallback_total",
		Help:      "Model pool fallbacks by requested (from) and served (to) logical name.",
	}, []string{"from", "to"})

	// ModelsResident is the number of Ready entries in the pool.
	ModelsResident = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "models_resident",
		Help:      "Number of models resident in the pool.",
	})

	// AdmissionRejected counts requests rejected by the health gate.
	AdmissionRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hearthd",
		Name:      "admission_rejected_total",
		Help:      "Requests rejected by the predictive health gate.",
	})

	// UptimeSeconds reports process uptime.
	UptimeSeconds = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hearthd",
		Name:      "uptime_seconds",
		Help:      "Seconds since process start.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})
)

// ObserveCacheLookup records one cache lookup outcome and refreshes the
// hit-rate gauge.
func ObserveCacheLookup(hit bool, hits, misses int64) {
	if hit {
		CacheHits.Inc()
	} else {
		CacheMisses.Inc()
	}
	if total := hits + misses; total > 0 {
		CacheHitRate.Set(float64(hits) / float64(total))
	}
}
