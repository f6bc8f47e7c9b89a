// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package routing maps a request, its score vector and its control
// weights to a routing decision through a strict priority ladder.
// Config-declared override rules are compiled once and evaluated ahead
// of the ladder.
package routing

import (
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/cascade"
	"github.com/cognalia/hearthd/internal/classifier"
	"github.com/cognalia/hearthd/internal/config"
	"github.com/cognalia/hearthd/internal/herrors"
	"github.com/cognalia/hearthd/internal/metacontrol"
)

// Route names every terminal the ladder can reach.
type Route string

const (
	RouteVision           Route = "vision"
	RouteCodeExpert       Route = "code_expert"
	RouteWebSynthesis     Route = "web_synthesis"
	RouteMultimodalLoop   Route = "multimodal_loop"
	RouteAudio            Route = "audio"
	RouteCascadeTier1     Route = "cascade_tier1"
	RouteCascadeTier2     Route = "cascade_tier2"
	RouteCascadeTier3     Route = "cascade_tier3"
	RouteEmpathicFallback Route = "empathic_fallback"
)

// Request is the routing view of one inference request.
type Request struct {
	Text string

	// HasImage is true when raw image bytes accompany the request.
	HasImage bool

	// ImageRef is a by-reference image (URL or attachment id); it
	// feeds the multimodal loop instead of the pure vision route.
	ImageRef string

	// IsAudio is true for audio payloads.
	IsAudio bool
}

// Decision is the ladder outcome.
type Decision struct {
	Route      Route
	Model      string
	Tier       cascade.Tier
	Confidence float64

	// OverrideRule names the config rule that pinned this decision,
	// empty for ladder decisions.
	OverrideRule string
}

// RuleEnv is the expression environment override conditions see.
type RuleEnv struct {
	Text     string  `expr:"text"`
	QueryLen int     `expr:"query_len"`
	HasImage bool    `expr:"has_image"`
	IsAudio  bool    `expr:"is_audio"`
	Hard     float64 `expr:"hard"`
	Soft     float64 `expr:"soft"`
	WebQuery float64 `expr:"web_query"`
	TopSkill string  `expr:"top_skill"`
	Alpha    float64 `expr:"alpha"`
	Beta     float64 `expr:"beta"`
}

type compiledRule struct {
	name     string
	program  *vm.Program
	decision Route
}

// Router evaluates the priority ladder.
type Router struct {
	cfg    config.RoutingConfig
	oracle *cascade.Oracle
	rules  []compiledRule
}

// New compiles the override rules and builds a router. A rule that does
// not compile is startup-fatal; a typo in a pinning rule must not fail
// open at request time.
func New(cfg config.RoutingConfig, oracle *cascade.Oracle) (*Router, error) {
	r := &Router{cfg: cfg, oracle: oracle}
	for _, rule := range cfg.Overrides {
		program, err := expr.Compile(rule.Condition, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, herrors.Wrap(herrors.KindConfigInvalid, err, "routing override %q", rule.Name)
		}
		route, ok := parseRoute(rule.Decision)
		if !ok {
			return nil, herrors.New(herrors.KindConfigInvalid, "routing override %q pins unknown decision %q", rule.Name, rule.Decision)
		}
		r.rules = append(r.rules, compiledRule{name: rule.Name, program: program, decision: route})
	}
	return r, nil
}

func parseRoute(s string) (Route, bool) {
	switch Route(s) {
	case RouteVision, RouteCodeExpert, RouteWebSynthesis, RouteMultimodalLoop,
		RouteAudio, RouteCascadeTier1, RouteCascadeTier2, RouteCascadeTier3,
		RouteEmpathicFallback:
		return Route(s), true
	}
	return "", false
}

// Route maps one request to a decision. Whitespace-only text is
// rejected with a structured error.
func (r *Router) Route(req Request, scores classifier.Scores, w metacontrol.Weights) (Decision, error) {
	if strings.TrimSpace(req.Text) == "" && !req.HasImage && !req.IsAudio {
		return Decision{}, herrors.New(herrors.KindInvalidRequest, "query text is empty")
	}

	if d, ok := r.applyOverrides(req, scores, w); ok {
		return d, nil
	}

	lower := strings.ToLower(req.Text)

	// 1. Image payload or vision cues.
	if req.HasImage || r.hasVisionCue(lower) {
		return Decision{Route: RouteVision, Model: r.cfg.Models.Vision}, nil
	}

	// 2. Programming skill above threshold.
	if scores.Skill("programming") > r.cfg.ProgrammingThreshold {
		return Decision{Route: RouteCodeExpert, Model: r.cfg.Models.Code}, nil
	}

	// 3. Web query.
	if scores.WebQuery > r.cfg.WebQueryThreshold {
		return Decision{Route: RouteWebSynthesis, Model: r.cfg.Models.Web}, nil
	}

	// 4. Referenced image plus enough text for the multimodal loop.
	if req.ImageRef != "" && len(req.Text) > r.cfg.MultimodalMinTextLen {
		return Decision{Route: RouteMultimodalLoop, Model: r.cfg.Models.Multimodal}, nil
	}

	// 5. Audio payload.
	if req.IsAudio {
		return Decision{Route: RouteAudio, Model: r.cfg.Models.Audio}, nil
	}

	// 6. Analytic enough for the cascade.
	if w.Alpha > r.cfg.AlphaCascadeThreshold {
		cd := r.oracle.Decide(req.Text, scores)
		d := Decision{Model: cd.Model, Tier: cd.Tier, Confidence: cd.Confidence}
		switch cd.Tier {
		case cascade.Tier1:
			d.Route = RouteCascadeTier1
		case cascade.Tier2:
			d.Route = RouteCascadeTier2
		default:
			d.Route = RouteCascadeTier3
		}
		return d, nil
	}

	// 7. Everything else lands on the empathic fallback.
	return Decision{Route: RouteEmpathicFallback, Model: r.cfg.Models.Empathic}, nil
}

func (r *Router) hasVisionCue(lowerText string) bool {
	for _, cue := range r.cfg.VisionCues {
		if cue != "" && strings.Contains(lowerText, strings.ToLower(cue)) {
			return true
		}
	}
	return false
}

func (r *Router) applyOverrides(req Request, scores classifier.Scores, w metacontrol.Weights) (Decision, bool) {
	if len(r.rules) == 0 {
		return Decision{}, false
	}
	env := RuleEnv{
		Text:     req.Text,
		QueryLen: len(req.Text),
		HasImage: req.HasImage,
		IsAudio:  req.IsAudio,
		Hard:     scores.Hard,
		Soft:     scores.Soft,
		WebQuery: scores.WebQuery,
		TopSkill: scores.TopSkill,
		Alpha:    w.Alpha,
		Beta:     w.Beta,
	}
	for _, rule := range r.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			log.Warnf("routing: override %q failed, skipping: %v", rule.name, err)
			continue
		}
		if matched, _ := out.(bool); matched {
			d := Decision{Route: rule.decision, OverrideRule: rule.name}
			d.Model = r.modelForRoute(rule.decision)
			switch rule.decision {
			case RouteCascadeTier1:
				d.Tier = cascade.Tier1
			case RouteCascadeTier2:
				d.Tier = cascade.Tier2
			case RouteCascadeTier3:
				d.Tier = cascade.Tier3
			}
			return d, true
		}
	}
	return Decision{}, false
}

// modelForRoute resolves the pool name for a pinned route.
func (r *Router) modelForRoute(route Route) string {
	switch route {
	case RouteVision:
		return r.cfg.Models.Vision
	case RouteCodeExpert:
		return r.cfg.Models.Code
	case RouteWebSynthesis:
		return r.cfg.Models.Web
	case RouteMultimodalLoop:
		return r.cfg.Models.Multimodal
	case RouteAudio:
		return r.cfg.Models.Audio
	case RouteEmpathicFallback:
		return r.cfg.Models.Empathic
	case RouteCascadeTier1:
		return r.oracle.ModelFor(cascade.Tier1)
	case RouteCascadeTier2:
		return r.oracle.ModelFor(cascade.Tier2)
	default:
		return r.oracle.ModelFor(cascade.Tier3)
	}
}
