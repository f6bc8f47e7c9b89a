// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main is the hearthd entry point. It loads the configuration,
// wires the inference pipeline, and serves the HTTP surface until
// SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/audit"
	"github.com/cognalia/hearthd/internal/backend"
	"github.com/cognalia/hearthd/internal/buildinfo"
	"github.com/cognalia/hearthd/internal/cache"
	"github.com/cognalia/hearthd/internal/cascade"
	"github.com/cognalia/hearthd/internal/classifier"
	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/embedding"
	"github.com/cognalia/hearthd/internal/feedback"
	"github.com/cognalia/hearthd/internal/health"
	"github.com/cognalia/hearthd/internal/logging"
	"github.com/cognalia/hearthd/internal/metacontrol"
	"github.com/cognalia/hearthd/internal/pool"
	"github.com/cognalia/hearthd/internal/refiner"
	"github.com/cognalia/hearthd/internal/routing"
	"github.com/cognalia/hearthd/internal/server"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("hearthd %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// .env is optional; real environment wins.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	log.Infof("hearthd %s starting", buildinfo.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedding and classification.
	embedder := embedding.NewService(cfg.Embedding)
	defer embedder.Shutdown()

	projection, err := classifier.LoadProjection(cfg.Embedding.ProjectionPath, embedding.Dimension)
	if err != nil {
		return err
	}
	clf := classifier.New(embedder, projection)

	// Semantic cache with persisted snapshot.
	semCache := cache.New(cfg.Cache.MaxSize, time.Duration(cfg.Cache.SemanticTTLSeconds)*time.Second)
	if cfg.Cache.StatePath != "" {
		if err := semCache.Load(cfg.Cache.StatePath); err != nil {
			log.Warnf("cache snapshot load failed, starting cold: %v", err)
		}
	}

	// Meta control with persisted phase counter.
	meta := metacontrol.New(cfg.MetaControl.PromoteAfter, cfg.MetaControl.StatePath)
	defer func() {
		if err := meta.Close(); err != nil {
			log.Warnf("meta-control close: %v", err)
		}
	}()

	// Model pool over the backend registry.
	registry := backend.DefaultRegistry(cfg.Runtime.WorkerThreads)
	modelPool := pool.New(cfg, registry)
	defer modelPool.Shutdown()
	go modelPool.RunReaper(ctx)

	// Cascade oracle and routing ladder.
	oracle := cascade.New(cfg.Cascade)
	router, err := routing.New(cfg.Routing, oracle)
	if err != nil {
		return err
	}

	// Force patterns are the only hot-reloadable setting.
	watcher := config.NewWatcher(configPath, oracle.SetForcePatterns)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Warnf("config watcher stopped: %v", err)
		}
	}()

	// Predictive health gate.
	monitor := health.NewMonitor(cfg.Health, cfg.Memory.MaxRAMBytes)
	go monitor.Run(ctx)

	// Audit sink and feedback store.
	sink, err := audit.NewSink(cfg.Audit)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	defer sink.Close()

	store, err := feedback.NewStore(ctx, cfg.Feedback)
	if err != nil {
		return fmt.Errorf("open feedback store: %w", err)
	}
	defer store.Close()

	// Speculative loading from partial input.
	prefetcher := pool.NewPrefetcher(modelPool, predictModel(cfg, clf))
	defer prefetcher.Stop()

	srv := server.NewServer(server.Deps{
		Config:     cfg,
		Embedder:   embedder,
		Classifier: clf,
		Meta:       meta,
		Cache:      semCache,
		Router:     router,
		Pool:       modelPool,
		Refiner:    refiner.New(cfg.Refiner),
		Monitor:    monitor,
		Audit:      sink,
		Feedback:   store,
		Prefetcher: prefetcher,
	})

	err = srv.Run(ctx)

	// Persist the cache snapshot on the way out.
	if cfg.Cache.StatePath != "" {
		if err := semCache.Save(cfg.Cache.StatePath); err != nil {
			log.Warnf("cache snapshot save failed: %v", err)
		}
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("hearthd stopped")
	return nil
}

// predictModel guesses the model a partial query will need, using the
// cheap lexical classifier only.
func predictModel(cfg *config.Config, clf *classifier.Classifier) func(string) (string, bool) {
	return func(partial string) (string, bool) {
		scores := clf.QuickClassify(partial)
		switch {
		case scores.Skill("programming") > cfg.Routing.ProgrammingThreshold:
			return cfg.Routing.Models.Code, true
		case scores.WebQuery > cfg.Routing.WebQueryThreshold:
			return cfg.Routing.Models.Web, true
		case scores.Hard > 0.7:
			return cfg.Cascade.Tier1.Model, true
		case scores.Soft > 0.7:
			return cfg.Routing.Models.Empathic, true
		default:
			return "", false
		}
	}
}
