// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package server exposes the hearthd HTTP surface: the health dashboard,
// the Prometheus exposition, and the routing endpoint that drives the
// full admission, classification, routing and generation pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/audit"
	"github.com/cognalia/hearthd/internal/cache"
	"github.com/cognalia/hearthd/internal/classifier"
	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/feedback"
	"github.com/cognalia/hearthd/internal/health"
	"github.com/cognalia/hearthd/internal/metacontrol"
	"github.com/cognalia/hearthd/internal/pool"
	"github.com/cognalia/hearthd/internal/refiner"
	"github.com/cognalia/hearthd/internal/routing"
)

// Embedder is the embedding surface the server needs.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Degraded() bool
}

// Server wires the request pipeline. All collaborators are injected at
// startup; the server owns none of their lifecycles.
type Server struct {
	cfg        *config.Config
	embedder   Embedder
	classifier *classifier.Classifier
	meta       *metacontrol.Controller
	cache      *cache.SemanticCache
	router     *routing.Router
	pool       *pool.Pool
	refiner    *refiner.Refiner
	monitor    *health.Monitor
	sink       *audit.Sink
	store      *feedback.Store
	prefetcher *pool.Prefetcher

	engine *gin.Engine
}

// Deps bundles the collaborators for NewServer.
type Deps struct {
	Config     *config.Config
	Embedder   Embedder
	Classifier *classifier.Classifier
	Meta       *metacontrol.Controller
	Cache      *cache.SemanticCache
	Router     *routing.Router
	Pool       *pool.Pool
	Refiner    *refiner.Refiner
	Monitor    *health.Monitor
	Audit      *audit.Sink
	Feedback   *feedback.Store

	// Prefetcher is optional; nil disables speculative loading.
	Prefetcher *pool.Prefetcher
}

// NewServer builds the HTTP surface around the injected pipeline.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		embedder:   d.Embedder,
		classifier: d.Classifier,
		meta:       d.Meta,
		cache:      d.Cache,
		router:     d.Router,
		pool:       d.Pool,
		refiner:    d.Refiner,
		monitor:    d.Monitor,
		sink:       d.Audit,
		store:      d.Feedback,
		prefetcher: d.Prefetcher,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/", s.handleRoot)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", s.handleMetrics)
	engine.POST("/v1/route", s.handleRoute)

	s.engine = engine
	return s
}

// Handler exposes the router for tests and embedding into http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("hearthd listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("http server drained")
	return nil
}
