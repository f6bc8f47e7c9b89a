// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the hearthd server.
// It handles loading and parsing YAML configuration files, bilingual key
// aliases, environment overrides, and provides structured access to runtime,
// memory, cascade, health, cache, and routing settings.
package config

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cognalia/hearthd/internal/herrors"
)

// Backend kinds a model descriptor may declare. Unknown kinds fail
// config parsing.
const (
	BackendLocalFile = "local-file"
	BackendRemoteRPC = "remote-rpc"
)

// Runtime backends for the whole process.
const (
	RuntimeLocalCPU  = "local-cpu"
	RuntimeRemoteGPU = "remote-gpu"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server binds.
	// Default "localhost"; no literal IPs in defaults.
	Host string `yaml:"host"`
	// Port is the network port on which the API server listens.
	Port int `yaml:"port"`

	// Runtime holds process-level scheduling settings.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Memory holds the pool's RAM discipline settings.
	Memory MemoryConfig `yaml:"memory"`

	// Cascade holds tier thresholds and force patterns.
	Cascade CascadeConfig `yaml:"cascade"`

	// Health holds the predictive OOM monitor settings.
	Health HealthConfig `yaml:"health"`

	// Cache holds semantic cache settings.
	Cache CacheConfig `yaml:"cache"`

	// Embedding holds the embedding engine settings.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// MetaControl holds the phase-staged weight controller settings.
	MetaControl MetaControlConfig `yaml:"meta-control"`

	// Models declares every logical model the pool may load.
	Models []ModelDescriptor `yaml:"models"`

	// Fallbacks maps a logical name to its ordered fallback chain.
	Fallbacks map[string][]string `yaml:"fallbacks"`

	// SwapGroups names sets of models that may not be co-resident.
	SwapGroups map[string][]string `yaml:"swap-groups"`

	// Routing holds state-machine thresholds and override rules.
	Routing RoutingConfig `yaml:"routing"`

	// Refiner holds iterative refinement settings.
	Refiner RefinerConfig `yaml:"refiner"`

	// Audit holds audit sink settings.
	Audit AuditConfig `yaml:"audit"`

	// Feedback holds the outcome store settings.
	Feedback FeedbackConfig `yaml:"feedback"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile routes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`
}

// RuntimeConfig holds process-level scheduling settings.
type RuntimeConfig struct {
	// Backend selects the process inference backend: local-cpu or remote-gpu.
	Backend string `yaml:"backend"`

	// MaxConcurrentModels bounds the pool's resident entry count.
	MaxConcurrentModels int `yaml:"max_concurrent_models"`

	// WorkerThreads sizes the bounded worker pool for classification,
	// generation and prefetch.
	WorkerThreads int `yaml:"worker_threads"`
}

// MemoryConfig holds the pool's RAM discipline settings.
type MemoryConfig struct {
	// MaxRAMBytes is the authoritative RAM cap for resident models.
	MaxRAMBytes int64 `yaml:"max_ram_bytes"`

	// IdleTTLSeconds evicts models idle longer than this.
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`

	// LoadDeadlineSeconds bounds how long a pool get may block on
	// loading, including eviction waits. Default 120.
	LoadDeadlineSeconds int `yaml:"load_deadline_seconds"`

	// UseMmap hints backends to map model files instead of reading them.
	UseMmap bool `yaml:"use_mmap"`

	// LockResident hints backends to mlock resident weights.
	LockResident bool `yaml:"lock_resident"`
}

// TierConfig binds one cascade tier to a pool name and threshold.
type TierConfig struct {
	// Model is the logical pool name serving this tier.
	Model string `yaml:"model"`

	// MinConfidence is the inclusive lower bound for selecting this tier.
	MinConfidence float64 `yaml:"min_confidence"`
}

// CascadeConfig holds tier thresholds and force patterns.
type CascadeConfig struct {
	Tier1 TierConfig `yaml:"tier1"`
	Tier2 TierConfig `yaml:"tier2"`
	// Tier3 has no threshold; it is the floor.
	Tier3 TierConfig `yaml:"tier3"`

	// ForcePatterns are case-insensitive substrings that force Tier 3.
	ForcePatterns []string `yaml:"force_patterns"`
}

// HealthConfig holds the predictive OOM monitor settings.
type HealthConfig struct {
	// OOMWarnSeconds trips the admission gate when the predicted OOM ETA
	// falls below it. Default 60.
	OOMWarnSeconds int `yaml:"oom_warn_seconds"`

	// EWMAAlpha is the smoothing factor in (0,1].
	EWMAAlpha float64 `yaml:"ewma_alpha"`

	// SampleIntervalSeconds is the RAM sampling period.
	SampleIntervalSeconds int `yaml:"sample_interval_seconds"`

	// MinSamples is how many samples must be seen before predicting.
	MinSamples int `yaml:"min_samples"`
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	// SemanticTTLSeconds bounds the age of returned entries.
	SemanticTTLSeconds int `yaml:"semantic_ttl_seconds"`

	// QuantLevels is the per-dimension quantisation level count.
	QuantLevels int `yaml:"quant_levels"`

	// MaxSize bounds the entry count; eviction is LRU.
	MaxSize int `yaml:"max_size"`

	// StatePath is where the cache snapshot is persisted.
	StatePath string `yaml:"state_path"`
}

// EmbeddingConfig holds the embedding engine settings.
type EmbeddingConfig struct {
	// ModelPath is the ONNX model file. When missing, the service runs
	// degraded and serves zero vectors.
	ModelPath string `yaml:"model_path"`

	// VocabPath is the tokenizer vocabulary file.
	VocabPath string `yaml:"vocab_path"`

	// ProjectionPath is the warm classifier projection weights file.
	// When missing, the classifier stays on its lexical cold tables.
	ProjectionPath string `yaml:"projection_path"`

	// SharedLibraryPath locates the ONNX runtime shared library.
	SharedLibraryPath string `yaml:"shared_library_path"`
}

// MetaControlConfig holds the phase-staged weight controller settings.
type MetaControlConfig struct {
	// PromoteAfter is the labelled-observation count K that promotes the
	// controller to the next phase.
	PromoteAfter int `yaml:"promote_after"`

	// StatePath persists the observation counter across restarts.
	StatePath string `yaml:"state_path"`
}

// ModelDescriptor declares one logical model the pool may load.
type ModelDescriptor struct {
	// Name is the logical pool name (e.g. expert_short, tiny, vision).
	Name string `yaml:"name"`

	// Kind is the backend kind: local-file or remote-rpc.
	Kind string `yaml:"kind"`

	// Location is a filesystem path (local-file) or URL (remote-rpc).
	Location string `yaml:"location"`

	// ContextWindow is the model's context length in tokens.
	ContextWindow int `yaml:"context_window"`

	// Quantization is a free-form quantisation hint (e.g. q4_k_m).
	Quantization string `yaml:"quantization"`

	// LoadTimeEstimateMs estimates how long loading takes.
	LoadTimeEstimateMs int `yaml:"load_time_estimate_ms"`

	// IdleTTLSeconds overrides memory.idle_ttl_seconds for this model.
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`

	// RAMEstimateBytes is the admission arithmetic's estimate.
	RAMEstimateBytes int64 `yaml:"ram_estimate_bytes"`

	// SwapGroup optionally names the swap group this model belongs to.
	SwapGroup string `yaml:"swap_group"`
}

// OverrideRule pins a routing decision when its expr condition matches.
type OverrideRule struct {
	// Name identifies the rule in logs.
	Name string `yaml:"name"`

	// Condition is an expr-lang expression over the routing context.
	Condition string `yaml:"condition"`

	// Decision is the pinned routing decision name.
	Decision string `yaml:"decision"`
}

// RoutingConfig holds state-machine thresholds and override rules.
type RoutingConfig struct {
	// WebQueryThreshold routes to web synthesis above this score.
	WebQueryThreshold float64 `yaml:"web_query_threshold"`

	// ProgrammingThreshold routes to the code expert above this score.
	ProgrammingThreshold float64 `yaml:"programming_threshold"`

	// AlphaCascadeThreshold routes to the cascade above this alpha.
	AlphaCascadeThreshold float64 `yaml:"alpha_cascade_threshold"`

	// MultimodalMinTextLen is the minimum text length for the
	// multimodal loop when an image payload is present.
	MultimodalMinTextLen int `yaml:"multimodal_min_text_len"`

	// VisionCues are substrings that suggest a vision request.
	VisionCues []string `yaml:"vision_cues"`

	// Overrides are evaluated before the priority ladder.
	Overrides []OverrideRule `yaml:"overrides"`

	// Models binds non-cascade routes to logical pool names.
	Models RouteModels `yaml:"models"`
}

// RouteModels binds each non-cascade route to a pool name.
type RouteModels struct {
	Vision     string `yaml:"vision"`
	Code       string `yaml:"code"`
	Web        string `yaml:"web"`
	Multimodal string `yaml:"multimodal"`
	Audio      string `yaml:"audio"`
	Empathic   string `yaml:"empathic"`
}

// RefinerConfig holds iterative refinement settings.
type RefinerConfig struct {
	// Enabled toggles the refiner pass.
	Enabled bool `yaml:"enabled"`

	// MaxIterations caps refinement generations. Default 3.
	MaxIterations int `yaml:"max_iterations"`

	// ConvergenceThreshold is the LCS similarity ratio treated as
	// converged. Default 0.95.
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`

	// MinQueryLength skips refinement for shorter queries.
	MinQueryLength int `yaml:"min_query_length"`
}

// AuditConfig holds audit sink settings.
type AuditConfig struct {
	// Enabled toggles the audit sink.
	Enabled bool `yaml:"enabled"`

	// LogPath is the audit log file.
	LogPath string `yaml:"log_path"`

	// MaxSizeMB rotates the file above this size. Default 100.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups bounds retained rotated files. Default 10.
	MaxBackups int `yaml:"max_backups"`
}

// FeedbackConfig holds the outcome store settings.
type FeedbackConfig struct {
	// Enabled toggles outcome recording.
	Enabled bool `yaml:"enabled"`

	// DBPath is the sqlite database file.
	DBPath string `yaml:"db_path"`

	// RetentionDays sweeps records older than this. Default 30.
	RetentionDays int `yaml:"retention_days"`
}

// Load reads, normalises, and validates a configuration file.
// Missing sections yield defaults and never fail loading; type mismatches
// are startup-fatal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindConfigInvalid, err, "read config %s", path)
	}
	return Parse(data)
}

// Parse normalises and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	// First pass: generic decode for alias rewriting and unknown-key
	// warnings.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, herrors.Wrap(herrors.KindConfigInvalid, err, "parse config")
	}
	raw = normalizeAliases(raw)
	warnUnknownKeys(raw)

	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindConfigInvalid, err, "normalize config")
	}

	cfg := Default()
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, herrors.Wrap(herrors.KindConfigInvalid, err, "decode config")
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with safe defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values with safe defaults.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = RuntimeLocalCPU
	}
	if c.Runtime.MaxConcurrentModels == 0 {
		c.Runtime.MaxConcurrentModels = 2
	}
	if c.Runtime.WorkerThreads == 0 {
		c.Runtime.WorkerThreads = 4
	}
	if c.Memory.MaxRAMBytes == 0 {
		c.Memory.MaxRAMBytes = 8 << 30
	}
	if c.Memory.IdleTTLSeconds == 0 {
		c.Memory.IdleTTLSeconds = 300
	}
	if c.Memory.LoadDeadlineSeconds == 0 {
		c.Memory.LoadDeadlineSeconds = 120
	}
	if c.Cascade.Tier1.MinConfidence == 0 {
		c.Cascade.Tier1.MinConfidence = 0.75
	}
	if c.Cascade.Tier2.MinConfidence == 0 {
		c.Cascade.Tier2.MinConfidence = 0.45
	}
	if c.Health.OOMWarnSeconds == 0 {
		c.Health.OOMWarnSeconds = 60
	}
	if c.Health.EWMAAlpha == 0 {
		c.Health.EWMAAlpha = 0.3
	}
	if c.Health.SampleIntervalSeconds == 0 {
		c.Health.SampleIntervalSeconds = 5
	}
	if c.Health.MinSamples == 0 {
		c.Health.MinSamples = 6
	}
	if c.Cache.SemanticTTLSeconds == 0 {
		c.Cache.SemanticTTLSeconds = 600
	}
	if c.Cache.QuantLevels == 0 {
		c.Cache.QuantLevels = 32
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 4096
	}
	if c.MetaControl.PromoteAfter == 0 {
		c.MetaControl.PromoteAfter = 500
	}
	if c.Routing.WebQueryThreshold == 0 {
		c.Routing.WebQueryThreshold = 0.7
	}
	if c.Routing.ProgrammingThreshold == 0 {
		c.Routing.ProgrammingThreshold = 0.6
	}
	if c.Routing.AlphaCascadeThreshold == 0 {
		c.Routing.AlphaCascadeThreshold = 0.7
	}
	if c.Routing.MultimodalMinTextLen == 0 {
		c.Routing.MultimodalMinTextLen = 40
	}
	if len(c.Routing.VisionCues) == 0 {
		c.Routing.VisionCues = []string{"this photo", "this image", "this picture", "in the screenshot"}
	}
	if c.Routing.Models.Vision == "" {
		c.Routing.Models.Vision = "vision"
	}
	if c.Routing.Models.Code == "" {
		c.Routing.Models.Code = "code"
	}
	if c.Routing.Models.Web == "" {
		c.Routing.Models.Web = "expert_short"
	}
	if c.Routing.Models.Multimodal == "" {
		c.Routing.Models.Multimodal = "vision"
	}
	if c.Routing.Models.Audio == "" {
		c.Routing.Models.Audio = "audio"
	}
	if c.Routing.Models.Empathic == "" {
		c.Routing.Models.Empathic = "empathic"
	}
	if c.Refiner.MaxIterations == 0 {
		c.Refiner.MaxIterations = 3
	}
	if c.Refiner.ConvergenceThreshold == 0 {
		c.Refiner.ConvergenceThreshold = 0.95
	}
	if c.Refiner.MinQueryLength == 0 {
		c.Refiner.MinQueryLength = 24
	}
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 100
	}
	if c.Audit.MaxBackups == 0 {
		c.Audit.MaxBackups = 10
	}
	if c.Feedback.RetentionDays == 0 {
		c.Feedback.RetentionDays = 30
	}
}

// applyEnvOverrides lets selected keys be overridden by environment
// variables with the HEARTHD_ prefix.
func (c *Config) applyEnvOverrides() {
	if base := os.Getenv("HEARTHD_BASE_URL"); base != "" {
		for i := range c.Models {
			if c.Models[i].Kind == BackendRemoteRPC && c.Models[i].Location == "" {
				c.Models[i].Location = base
			}
		}
	}
	if dir := os.Getenv("HEARTHD_MODEL_PATH"); dir != "" {
		for i := range c.Models {
			if c.Models[i].Kind == BackendLocalFile && !strings.HasPrefix(c.Models[i].Location, "/") {
				c.Models[i].Location = strings.TrimRight(dir, "/") + "/" + c.Models[i].Location
			}
		}
	}
	if p := os.Getenv("HEARTHD_EMBEDDING_MODEL_PATH"); p != "" {
		c.Embedding.ModelPath = p
	}
}

// Validate checks enumerations and numeric ranges. Violations are
// startup-fatal.
func (c *Config) Validate() error {
	switch c.Runtime.Backend {
	case RuntimeLocalCPU, RuntimeRemoteGPU:
	default:
		return herrors.New(herrors.KindConfigInvalid, "runtime.backend must be %s or %s, got %q",
			RuntimeLocalCPU, RuntimeRemoteGPU, c.Runtime.Backend)
	}
	if c.Runtime.MaxConcurrentModels < 1 {
		return herrors.New(herrors.KindConfigInvalid, "runtime.max_concurrent_models must be >= 1")
	}
	if c.Runtime.WorkerThreads < 1 {
		return herrors.New(herrors.KindConfigInvalid, "runtime.worker_threads must be >= 1")
	}
	if c.Health.EWMAAlpha <= 0 || c.Health.EWMAAlpha > 1 {
		return herrors.New(herrors.KindConfigInvalid, "health.ewma_alpha must be in (0,1], got %v", c.Health.EWMAAlpha)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return herrors.New(herrors.KindConfigInvalid, "model descriptor missing name")
		}
		if seen[m.Name] {
			return herrors.New(herrors.KindConfigInvalid, "duplicate model descriptor %q", m.Name)
		}
		seen[m.Name] = true
		switch m.Kind {
		case BackendLocalFile, BackendRemoteRPC:
		default:
			return herrors.New(herrors.KindConfigInvalid, "model %q: unknown backend kind %q", m.Name, m.Kind)
		}
	}
	for name, chain := range c.Fallbacks {
		if !seen[name] {
			return herrors.New(herrors.KindConfigInvalid, "fallback chain for undeclared model %q", name)
		}
		for _, link := range chain {
			if !seen[link] {
				return herrors.New(herrors.KindConfigInvalid, "fallback chain for %q references undeclared model %q", name, link)
			}
		}
	}
	for group, members := range c.SwapGroups {
		for _, member := range members {
			if !seen[member] {
				return herrors.New(herrors.KindConfigInvalid, "swap group %q references undeclared model %q", group, member)
			}
		}
	}
	return nil
}

// Descriptor returns the declared descriptor for a logical name.
func (c *Config) Descriptor(name string) (ModelDescriptor, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}

// SwapGroupOf returns the members of the swap group containing name,
// or nil when the model belongs to none.
func (c *Config) SwapGroupOf(name string) []string {
	for _, members := range c.SwapGroups {
		for _, member := range members {
			if member == name {
				return members
			}
		}
	}
	// Descriptor-level swap_group declarations join implicit groups.
	if d, ok := c.Descriptor(name); ok && d.SwapGroup != "" {
		var members []string
		for _, m := range c.Models {
			if m.SwapGroup == d.SwapGroup {
				members = append(members, m.Name)
			}
		}
		return members
	}
	return nil
}

// warnUnknownKeys logs keys outside the recognised schema. Unknown keys
// are ignored, never rejected.
func warnUnknownKeys(raw map[string]interface{}) {
	for key := range raw {
		if _, ok := knownTopLevel[key]; !ok {
			log.Warnf("config: ignoring unknown key %q", key)
		}
	}
	for section, known := range knownSectionKeys {
		sub, ok := raw[section].(map[string]interface{})
		if !ok {
			continue
		}
		for key := range sub {
			if _, ok := known[key]; !ok {
				log.Warnf("config: ignoring unknown key %q", fmtKeyPath(section, key))
			}
		}
	}
}

var knownTopLevel = map[string]struct{}{
	"host": {}, "port": {}, "runtime": {}, "memory": {}, "cascade": {},
	"health": {}, "cache": {}, "embedding": {}, "meta-control": {},
	"models": {}, "fallbacks": {}, "swap-groups": {}, "routing": {},
	"refiner": {}, "audit": {}, "feedback": {}, "debug": {},
	"logging-to-file": {},
}

var knownSectionKeys = map[string]map[string]struct{}{
	"runtime": {"backend": {}, "max_concurrent_models": {}, "worker_threads": {}},
	"memory": {
		"max_ram_bytes": {}, "idle_ttl_seconds": {}, "load_deadline_seconds": {},
		"use_mmap": {}, "lock_resident": {},
	},
	"cascade":   {"tier1": {}, "tier2": {}, "tier3": {}, "force_patterns": {}},
	"health":    {"oom_warn_seconds": {}, "ewma_alpha": {}, "sample_interval_seconds": {}, "min_samples": {}},
	"cache":     {"semantic_ttl_seconds": {}, "quant_levels": {}, "max_size": {}, "state_path": {}},
	"embedding": {"model_path": {}, "vocab_path": {}, "projection_path": {}, "shared_library_path": {}},
	"routing": {
		"web_query_threshold": {}, "programming_threshold": {},
		"alpha_cascade_threshold": {}, "multimodal_min_text_len": {},
		"vision_cues": {}, "overrides": {}, "models": {},
	},
	"meta-control": {"promote_after": {}, "state_path": {}},
	"audit":        {"enabled": {}, "log_path": {}, "max_size_mb": {}, "max_backups": {}},
	"feedback":     {"enabled": {}, "db_path": {}, "retention_days": {}},
	"refiner": {"enabled": {}, "max_iterations": {}, "convergence_threshold": {}, "min_query_length": {}},
}

func fmtKeyPath(section, key string) string {
	if section == "" {
		return key
	}
	return fmt.Sprintf("%s.%s", section, key)
}
