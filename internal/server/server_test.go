// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/cognalia/hearthd/internal/audit"
	"github.com/cognalia/hearthd/internal/backend"
	"github.com/cognalia/hearthd/internal/cache"
	"github.com/cognalia/hearthd/internal/cascade"
	"github.com/cognalia/hearthd/internal/classifier"
	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/feedback"
	"github.com/cognalia/hearthd/internal/health"
	"github.com/cognalia/hearthd/internal/metacontrol"
	"github.com/cognalia/hearthd/internal/pool"
	"github.com/cognalia/hearthd/internal/refiner"
	"github.com/cognalia/hearthd/internal/routing"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakeEmbedder returns a fixed-length vector derived from the text so
// identical queries share a cache key.
type fakeEmbedder struct {
	degraded bool
}

func (f *fakeEmbedder) Embed(text string) ([]float32, error) {
	vec := make([]float32, 8)
	if f.degraded {
		// Mirrors the real service: degraded mode serves zero vectors.
		return vec, nil
	}
	for i, r := range text {
		vec[i%8] += float32(r%13)/26.0 - 0.25
	}
	return vec, nil
}

func (f *fakeEmbedder) Degraded() bool { return f.degraded }

// stubLoader hands out echo handles.
type stubLoader struct {
	failAll bool
}

type stubHandle struct{ name string }

func (h *stubHandle) Generate(_ context.Context, prompt string, _ backend.Params) (string, error) {
	return "[" + h.name + "] " + prompt, nil
}

func (h *stubHandle) Shutdown() error { return nil }

func (l *stubLoader) Load(_ context.Context, desc config.ModelDescriptor) (backend.Handle, error) {
	if l.failAll {
		return nil, errors.New("synthetic load failure")
	}
	return &stubHandle{name: desc.Name}, nil
}

func serverTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Cascade.Tier1.Model = "tiny"
	cfg.Cascade.Tier2.Model = "expert_short"
	cfg.Cascade.Tier3.Model = "expert_long"
	cfg.Runtime.MaxConcurrentModels = 4
	cfg.Memory.MaxRAMBytes = 32 << 30
	cfg.Memory.LoadDeadlineSeconds = 2
	cfg.Models = []config.ModelDescriptor{
		{Name: "tiny", Kind: "stub", RAMEstimateBytes: 1 << 30},
		{Name: "expert_short", Kind: "stub", RAMEstimateBytes: 2 << 30},
		{Name: "expert_long", Kind: "stub", RAMEstimateBytes: 4 << 30},
		{Name: "vision", Kind: "stub", RAMEstimateBytes: 2 << 30},
		{Name: "code", Kind: "stub", RAMEstimateBytes: 2 << 30},
		{Name: "audio", Kind: "stub", RAMEstimateBytes: 2 << 30},
		{Name: "empathic", Kind: "stub", RAMEstimateBytes: 1 << 30},
	}
	return cfg
}

type testServer struct {
	*Server
	monitor  *health.Monitor
	cfg      *config.Config
	embedder *fakeEmbedder
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config, loader *stubLoader)) *testServer {
	t.Helper()

	cfg := serverTestConfig()
	loader := &stubLoader{}
	if mutate != nil {
		mutate(cfg, loader)
	}

	reg := backend.NewRegistry()
	reg.Register("stub", loader)
	p := pool.New(cfg, reg)
	t.Cleanup(p.Shutdown)

	oracle := cascade.New(cfg.Cascade)
	router, err := routing.New(cfg.Routing, oracle)
	if err != nil {
		t.Fatalf("routing.New() error = %v", err)
	}

	meta := metacontrol.New(cfg.MetaControl.PromoteAfter, filepath.Join(t.TempDir(), "meta.jsonl"))
	t.Cleanup(func() { meta.Close() })

	sink, err := audit.NewSink(cfg.Audit)
	if err != nil {
		t.Fatal(err)
	}
	store, err := feedback.NewStore(context.Background(), cfg.Feedback)
	if err != nil {
		t.Fatal(err)
	}

	monitor := health.NewMonitor(cfg.Health, cfg.Memory.MaxRAMBytes)
	emb := &fakeEmbedder{}

	s := NewServer(Deps{
		Config:     cfg,
		Embedder:   emb,
		Classifier: classifier.New(nil, nil),
		Meta:       meta,
		Cache:      cache.New(cfg.Cache.MaxSize, time.Duration(cfg.Cache.SemanticTTLSeconds)*time.Second),
		Router:     router,
		Pool:       p,
		Refiner:    refiner.New(cfg.Refiner),
		Monitor:    monitor,
		Audit:      sink,
		Feedback:   store,
	})
	return &testServer{Server: s, monitor: monitor, cfg: cfg, embedder: emb}
}

func postRoute(t *testing.T, s *testServer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRoute(t *testing.T, rec *httptest.ResponseRecorder) routeResponse {
	t.Helper()
	var resp routeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not valid JSON: %v\n%s", err, rec.Body.String())
	}
	return resp
}

func TestTechnicalQueryTakesTier1(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postRoute(t, s, `{"text": "Configure SSH on a remote host"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeRoute(t, rec)
	if resp.Decision != "cascade_tier1" || resp.Model != "tiny" {
		t.Errorf("decision = %s/%s, want cascade_tier1/tiny", resp.Decision, resp.Model)
	}
	if resp.Alpha != 0.95 || resp.Beta != 0.05 {
		t.Errorf("weights = (%v, %v), want (0.95, 0.05)", resp.Alpha, resp.Beta)
	}
	if !strings.Contains(resp.Text, "[tiny]") {
		t.Errorf("answer not generated by tiny: %q", resp.Text)
	}
	if resp.RequestID == "" {
		t.Error("missing request id")
	}
}

func TestEmotionalQueryTakesEmpathicFallback(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postRoute(t, s, `{"text": "I feel overwhelmed today"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeRoute(t, rec)
	if resp.Decision != "empathic_fallback" || resp.Model != "empathic" {
		t.Errorf("decision = %s/%s, want empathic_fallback/empathic", resp.Decision, resp.Model)
	}
	if resp.Beta != 0.80 {
		t.Errorf("beta = %v, want 0.80", resp.Beta)
	}
}

func TestWebQueryTakesWebSynthesis(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postRoute(t, s, `{"text": "Who won the match yesterday?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeRoute(t, rec)
	if resp.Decision != "web_synthesis" {
		t.Errorf("decision = %s, want web_synthesis", resp.Decision)
	}
}

func TestDegradedEmbedderBypassesSemanticCache(t *testing.T) {
	s := newTestServer(t, nil)
	s.embedder.degraded = true

	rec := postRoute(t, s, `{"text": "Configure SSH on a remote host"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	first := decodeRoute(t, rec)
	if first.Decision != "cascade_tier1" || first.Alpha != 0.95 {
		t.Fatalf("first request = %s (alpha=%v), want cascade_tier1 (0.95)", first.Decision, first.Alpha)
	}

	// Zero vectors collapse onto one quantised key; an unrelated query
	// must not inherit the first request's cached weights.
	rec = postRoute(t, s, `{"text": "I feel overwhelmed today"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	second := decodeRoute(t, rec)
	if second.CacheHit {
		t.Error("cache hit while embedder is degraded")
	}
	if second.Decision != "empathic_fallback" {
		t.Errorf("decision = %s, want empathic_fallback", second.Decision)
	}
	if second.Beta != 0.80 {
		t.Errorf("beta = %v, want 0.80", second.Beta)
	}
	if !second.Degraded {
		t.Error("response does not report degraded mode")
	}
}

func TestImagePayloadRoutesToVision(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postRoute(t, s, `{"text": "What is in this photo?", "has_image": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeRoute(t, rec)
	if resp.Decision != "vision" || resp.Model != "vision" {
		t.Errorf("decision = %s/%s, want vision/vision", resp.Decision, resp.Model)
	}
}

func TestWhitespaceQueryRejected(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postRoute(t, s, `{"text": "   \t  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != "invalid_request" || resp.Retryable {
		t.Errorf("error = %+v, want non-retryable invalid_request", resp)
	}
}

func TestRepeatQueryHitsSemanticCache(t *testing.T) {
	s := newTestServer(t, nil)

	first := decodeRoute(t, postRoute(t, s, `{"text": "Configure SSH on a remote host"}`))
	if first.CacheHit {
		t.Error("first request should miss the cache")
	}
	second := decodeRoute(t, postRoute(t, s, `{"text": "Configure SSH on a remote host"}`))
	if !second.CacheHit {
		t.Error("second identical request should hit the cache")
	}
	if second.Alpha != first.Alpha || second.Beta != first.Beta {
		t.Errorf("cached weights diverge: (%v,%v) vs (%v,%v)", second.Alpha, second.Beta, first.Alpha, first.Beta)
	}
}

func TestAdmissionRejectedWhenOOMPredicted(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config, _ *stubLoader) {
		cfg.Memory.MaxRAMBytes = 12 << 30
	})

	// 0.1 GiB/s ramp ending at 6 GiB: eta = (12 - 6) / 0.1 = 60 s.
	rate := int64(1<<30) / 10
	base := 6*int64(1<<30) - 6*rate
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		s.monitor.Observe(base+int64(i)*rate, t0.Add(time.Duration(i)*time.Second))
	}

	rec := postRoute(t, s, `{"text": "Configure SSH on a remote host"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("X-OOM-ETA"); got != "60" {
		t.Errorf("X-OOM-ETA = %q, want 60", got)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != "admission_rejected" || !resp.Retryable {
		t.Errorf("error = %+v, want retryable admission_rejected", resp)
	}
}

func TestModelUnavailableAfterFallbackExhaustion(t *testing.T) {
	s := newTestServer(t, func(_ *config.Config, loader *stubLoader) {
		loader.failAll = true
	})

	rec := postRoute(t, s, `{"text": "Configure SSH on a remote host"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Kind != "model_unavailable" {
		t.Errorf("kind = %s, want model_unavailable", resp.Kind)
	}
}

func TestHealthJSONSnapshot(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "ok" || resp.Degraded {
		t.Errorf("health = %+v, want ok", resp)
	}
	if resp.Loaded == nil {
		t.Error("loaded must be an array, not null")
	}
	if resp.ETASeconds != nil {
		t.Errorf("eta_seconds = %v, want null", *resp.ETASeconds)
	}
}

func TestHealthContentNegotiation(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "<h1>hearthd") {
		t.Error("dashboard markup missing")
	}
}

func TestRootRedirectsToHealth(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/health" {
		t.Errorf("Location = %q, want /health", loc)
	}
}

func TestMetricsExposition(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"hearthd_uptime_seconds", "hearthd_ram_bytes", "hearthd_cache_hit_rate"} {
		if !strings.Contains(body, name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postRoute(t, s, `{"text": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
