// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/audit"
	"github.com/cognalia/hearthd/internal/backend"
	"github.com/cognalia/hearthd/internal/cache"
	"github.com/cognalia/hearthd/internal/classifier"
	"github.com/cognalia/hearthd/internal/embedding"
	"github.com/cognalia/hearthd/internal/feedback"
	"github.com/cognalia/hearthd/internal/herrors"
	"github.com/cognalia/hearthd/internal/metacontrol"
	"github.com/cognalia/hearthd/internal/metrics"
	"github.com/cognalia/hearthd/internal/routing"
)

// oomETAHeader advertises the predicted OOM ETA in seconds.
const oomETAHeader = "X-OOM-ETA"

type routeRequest struct {
	Text        string  `json:"text"`
	HasImage    bool    `json:"has_image"`
	ImageRef    string  `json:"image_ref"`
	IsAudio     bool    `json:"is_audio"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type refinementInfo struct {
	Iterations int    `json:"iterations"`
	Converged  bool   `json:"converged"`
	Annotation string `json:"annotation,omitempty"`
}

type routeResponse struct {
	RequestID    string          `json:"request_id"`
	Decision     string          `json:"decision"`
	Model        string          `json:"model"`
	Tier         int             `json:"tier,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`
	Alpha        float64         `json:"alpha"`
	Beta         float64         `json:"beta"`
	Text         string          `json:"text"`
	CacheHit     bool            `json:"cache_hit"`
	Degraded     bool            `json:"degraded"`
	Refinement   *refinementInfo `json:"refinement,omitempty"`
	LatencyMS    int64           `json:"latency_ms"`
	OverrideRule string          `json:"override_rule,omitempty"`
}

type errorResponse struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.Redirect(http.StatusFound, "/health")
}

func (s *Server) handleMetrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

type healthResponse struct {
	State             string   `json:"state"`
	RAMBytes          int64    `json:"ram_bytes"`
	TrendBytesSec     float64  `json:"trend_bytes_per_sec"`
	ETASeconds        *float64 `json:"eta_seconds"`
	Loaded            []string `json:"loaded"`
	Degraded          bool     `json:"degraded"`
	EmbeddingDegraded bool     `json:"embedding_degraded"`
	MetaPhase         string   `json:"meta_phase"`
	CacheHits         int64    `json:"cache_hits"`
	CacheMisses       int64    `json:"cache_misses"`
}

func (s *Server) healthSnapshot() healthResponse {
	status := s.monitor.Snapshot()
	stats := s.pool.Stats()
	hits, misses := s.cache.Stats()

	resp := healthResponse{
		State:             status.State,
		RAMBytes:          status.RAMBytes,
		TrendBytesSec:     status.TrendBytesSec,
		ETASeconds:        status.ETASeconds,
		Loaded:            stats.Resident,
		Degraded:          status.Degraded || s.embedder.Degraded(),
		EmbeddingDegraded: s.embedder.Degraded(),
		MetaPhase:         s.meta.Phase(),
		CacheHits:         hits,
		CacheMisses:       misses,
	}
	if resp.Loaded == nil {
		resp.Loaded = []string{}
	}
	return resp
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := s.healthSnapshot()
	if resp.ETASeconds != nil {
		c.Header(oomETAHeader, fmt.Sprintf("%.0f", *resp.ETASeconds))
	}

	if strings.Contains(c.GetHeader("Accept"), "text/html") {
		s.renderDashboard(c, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRoute(c *gin.Context) {
	requestID := uuid.NewString()
	start := time.Now()

	if err := s.monitor.Admit(); err != nil {
		metrics.AdmissionRejected.Inc()
		s.writeError(c, requestID, err)
		return
	}

	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, requestID, herrors.Wrap(herrors.KindInvalidRequest, err, "malformed request body"))
		return
	}

	if s.prefetcher != nil {
		s.prefetcher.Observe(req.Text)
	}

	// Classification and weighting share one embedding pass.
	vec, err := s.embedder.Embed(req.Text)
	if err != nil {
		log.WithField("request_id", requestID).Warnf("embedding failed, continuing cold: %v", err)
	}
	scores := s.classifier.ClassifyWithEmbedding(req.Text, vec)

	w, cacheHit := s.weightsFor(req.Text, vec, scores)

	decision, err := s.router.Route(routing.Request{
		Text:     req.Text,
		HasImage: req.HasImage,
		ImageRef: req.ImageRef,
		IsAudio:  req.IsAudio,
	}, scores, w)
	if err != nil {
		s.writeError(c, requestID, err)
		return
	}

	text, served, refined, err := s.generate(c.Request.Context(), req, decision, w)
	if served == "" {
		served = decision.Model
	}
	latency := time.Since(start)
	s.recordOutcome(c.Request.Context(), requestID, req, decision, served, w, latency, err)

	if err != nil {
		s.writeError(c, requestID, err)
		return
	}

	s.meta.Observe()
	metrics.RouteLatency.WithLabelValues(string(decision.Route)).Observe(latency.Seconds())

	resp := routeResponse{
		RequestID:    requestID,
		Decision:     string(decision.Route),
		Model:        served,
		Tier:         int(decision.Tier),
		Confidence:   decision.Confidence,
		Alpha:        w.Alpha,
		Beta:         w.Beta,
		Text:         text,
		CacheHit:     cacheHit,
		Degraded:     s.monitor.Snapshot().Degraded || s.embedder.Degraded(),
		Refinement:   refined,
		LatencyMS:    latency.Milliseconds(),
		OverrideRule: decision.OverrideRule,
	}
	c.JSON(http.StatusOK, resp)
}

// weightsFor consults the semantic cache before the controller. Cached
// entries are keyed by the quantised embedding, so paraphrases that land
// in the same quantisation buckets reuse the stored weights. A degraded
// embedder serves zero vectors, which would key every query identically,
// so the cache is bypassed entirely in that mode.
func (s *Server) weightsFor(text string, vec []float32, scores classifier.Scores) (metacontrol.Weights, bool) {
	var key []byte
	if len(vec) > 0 && !s.embedder.Degraded() {
		key = embedding.Quantize(vec, s.cfg.Cache.QuantLevels)
		if entry, ok := s.cache.Get(key); ok {
			return metacontrol.Weights{Alpha: entry.Alpha, Beta: entry.Beta}, true
		}
	}

	w := s.meta.Weights(scores, metacontrol.Context{
		QueryLen:  len([]rune(text)),
		Embedding: vec,
	})
	if key != nil {
		s.cache.Put(key, cache.Entry{Alpha: w.Alpha, Beta: w.Beta})
	}
	return w, false
}

// generate acquires the decided model, produces the answer, and applies
// the optional refinement pass over the same lease.
func (s *Server) generate(ctx context.Context, req routeRequest, decision routing.Decision, w metacontrol.Weights) (text, served string, refined *refinementInfo, err error) {
	lease, err := s.pool.Get(ctx, decision.Model)
	if err != nil {
		return "", "", nil, err
	}
	defer lease.Release()
	served = lease.Served

	params := backend.Params{MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	text, err = lease.Handle.Generate(ctx, req.Text, params)
	if err != nil {
		return "", served, nil, mapGenerateError(ctx, err)
	}

	if !s.refiner.ShouldRefine(decision.Route, w.Beta, req.Text) {
		return text, served, nil, nil
	}

	res := s.refiner.Refine(ctx, req.Text, text, func(ctx context.Context, prompt string) (string, error) {
		return lease.Handle.Generate(ctx, prompt, params)
	})
	refined = &refinementInfo{
		Iterations: res.Iterations,
		Converged:  res.Converged,
		Annotation: res.Annotation,
	}
	return res.Text, served, refined, nil
}

// mapGenerateError folds context expiry into the structured kinds.
func mapGenerateError(ctx context.Context, err error) error {
	if herrors.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return herrors.Wrap(herrors.KindTimeout, err, "generation deadline expired")
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return herrors.Wrap(herrors.KindCancelled, err, "generation cancelled")
	}
	return herrors.Wrap(herrors.KindGenerationFailed, err, "generation failed")
}

// recordOutcome feeds the audit sink and the feedback store. Both are
// best-effort and never fail the request.
func (s *Server) recordOutcome(ctx context.Context, requestID string, req routeRequest, decision routing.Decision, served string, w metacontrol.Weights, latency time.Duration, genErr error) {
	degraded := s.monitor.Snapshot().Degraded || s.embedder.Degraded()

	if genErr == nil {
		s.sink.Write(audit.Record{
			RequestID:    requestID,
			Decision:     string(decision.Route),
			Tier:         int(decision.Tier),
			Model:        served,
			LatencyMS:    latency.Milliseconds(),
			Degraded:     degraded,
			OverrideRule: decision.OverrideRule,
		})
	}

	outcome := &feedback.Outcome{
		RequestID:  requestID,
		Query:      req.Text,
		Decision:   string(decision.Route),
		Tier:       int(decision.Tier),
		Model:      served,
		Alpha:      w.Alpha,
		Beta:       w.Beta,
		Confidence: decision.Confidence,
		LatencyMS:  latency.Milliseconds(),
		Success:    genErr == nil,
	}
	if genErr != nil {
		outcome.ErrorKind = string(herrors.KindOf(genErr))
	}
	if err := s.store.Record(ctx, outcome); err != nil {
		log.WithField("request_id", requestID).Warnf("feedback record failed: %v", err)
	}
}

// writeError maps structured kinds to HTTP statuses.
func (s *Server) writeError(c *gin.Context, requestID string, err error) {
	kind := herrors.KindOf(err)
	status := http.StatusInternalServerError

	switch kind {
	case herrors.KindInvalidRequest:
		status = http.StatusBadRequest
	case herrors.KindAdmissionRejected:
		status = http.StatusServiceUnavailable
		var herr *herrors.Error
		if errors.As(err, &herr) {
			secs := herr.ETA.Seconds()
			c.Header(oomETAHeader, fmt.Sprintf("%.0f", secs))
			c.Header("Retry-After", fmt.Sprintf("%.0f", secs))
		}
	case herrors.KindModelUnavailable:
		status = http.StatusServiceUnavailable
	case herrors.KindTimeout:
		status = http.StatusGatewayTimeout
	case herrors.KindGenerationFailed:
		status = http.StatusBadGateway
	case herrors.KindCancelled:
		// Client went away; nginx convention for logging purposes.
		status = 499
	}

	log.WithFields(log.Fields{
		"request_id": requestID,
		"kind":       string(kind),
	}).Warnf("request failed: %v", err)

	c.JSON(status, errorResponse{
		RequestID: requestID,
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: herrors.Retryable(err),
	})
}
