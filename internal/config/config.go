// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads and validates the gateway configuration. The file is
// YAML decoded through sigs.k8s.io/yaml, so the structs carry json tags.
// Environment variables override a small set of fields after decoding; a
// config that fails Validate never starts the server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/nexus-llm/nexus/internal/agent"
	"github.com/nexus-llm/nexus/internal/budget"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `json:"server,omitempty"`
	Discovery   DiscoveryConfig   `json:"discovery,omitempty"`
	HealthCheck HealthCheckConfig `json:"health_check,omitempty"`
	Routing     RoutingConfig     `json:"routing,omitempty"`
	Budget      BudgetConfig      `json:"budget,omitempty"`
	Quality     QualityConfig     `json:"quality,omitempty"`
	Queue       QueueConfig       `json:"queue,omitempty"`
	Lifecycle   LifecycleConfig   `json:"lifecycle,omitempty"`
	Fleet       FleetConfig       `json:"fleet,omitempty"`
	Backends    []BackendConfig   `json:"backends,omitempty"`
	Logging     LoggingConfig     `json:"logging,omitempty"`
}

// ServerConfig is the HTTP listener address.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DiscoveryConfig controls local network backend discovery.
type DiscoveryConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// GracePeriodSeconds is how long a discovered backend lingers in the
	// registry after it stops announcing itself.
	GracePeriodSeconds int      `json:"grace_period_seconds,omitempty"`
	ServiceTypes       []string `json:"service_types,omitempty"`
}

// GracePeriod returns the grace period as a duration.
func (d DiscoveryConfig) GracePeriod() time.Duration {
	return time.Duration(d.GracePeriodSeconds) * time.Second
}

// HealthCheckConfig controls the periodic backend health loop.
type HealthCheckConfig struct {
	Enabled           bool `json:"enabled,omitempty"`
	IntervalSeconds   int  `json:"interval_seconds,omitempty"`
	TimeoutSeconds    int  `json:"timeout_seconds,omitempty"`
	FailureThreshold  int  `json:"failure_threshold,omitempty"`
	RecoveryThreshold int  `json:"recovery_threshold,omitempty"`
}

// Interval returns the probe interval as a duration.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout returns the per-probe timeout as a duration.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// RoutingConfig controls backend selection.
type RoutingConfig struct {
	// Strategy is one of smart, round_robin, priority_only or random.
	Strategy   string            `json:"strategy,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Weights    WeightsConfig     `json:"weights,omitempty"`
	Aliases    map[string]string `json:"aliases,omitempty"`
	// Fallbacks maps a model to the ordered alternatives tried when no
	// backend can serve it.
	Fallbacks map[string][]string `json:"fallbacks,omitempty"`
	Policies  []PolicyConfig      `json:"policies,omitempty"`
}

// WeightsConfig are the smart-strategy score weights; they must sum to 100.
type WeightsConfig struct {
	Priority int `json:"priority,omitempty"`
	Load     int `json:"load,omitempty"`
	Latency  int `json:"latency,omitempty"`
}

// PolicyConfig constrains routing for models matching a glob pattern.
type PolicyConfig struct {
	ModelPattern string `json:"model_pattern"`
	// Privacy demands a zone, "open" or "restricted". Empty demands nothing.
	Privacy           string  `json:"privacy,omitempty"`
	MaxCostPerRequest float64 `json:"max_cost_per_request,omitempty"`
	MinTier           int     `json:"min_tier,omitempty"`
	FallbackAllowed   *bool   `json:"fallback_allowed,omitempty"`
}

// BudgetConfig caps monthly cloud spending.
type BudgetConfig struct {
	Enabled          bool    `json:"enabled,omitempty"`
	MonthlyLimit     float64 `json:"monthly_limit,omitempty"`
	SoftLimitPercent float64 `json:"soft_limit_percent,omitempty"`
	// HardLimitAction is one of local-only, queue or reject.
	HardLimitAction      string `json:"hard_limit_action,omitempty"`
	BillingCycleStartDay int    `json:"billing_cycle_start_day,omitempty"`
}

// QualityConfig tunes the quality store and its routing exclusions.
type QualityConfig struct {
	ErrorRateThreshold     float64 `json:"error_rate_threshold,omitempty"`
	TTFTPenaltyThresholdMS int     `json:"ttft_penalty_threshold_ms,omitempty"`
	MetricsIntervalSeconds int     `json:"metrics_interval_seconds,omitempty"`
}

// MetricsInterval returns the recompute interval as a duration.
func (q QualityConfig) MetricsInterval() time.Duration {
	return time.Duration(q.MetricsIntervalSeconds) * time.Second
}

// QueueConfig controls the burst-absorbing request queue.
type QueueConfig struct {
	Enabled        bool `json:"enabled,omitempty"`
	MaxSize        int  `json:"max_size,omitempty"`
	MaxWaitSeconds int  `json:"max_wait_seconds,omitempty"`
}

// MaxWait returns the maximum queue wait as a duration.
func (q QueueConfig) MaxWait() time.Duration {
	return time.Duration(q.MaxWaitSeconds) * time.Second
}

// LifecycleConfig controls model load/unload/migrate operations.
type LifecycleConfig struct {
	TimeoutMS           int     `json:"timeout_ms,omitempty"`
	VRAMHeadroomPercent float64 `json:"vram_headroom_percent,omitempty"`
	VRAMBufferPercent   float64 `json:"vram_buffer_percent,omitempty"`
	VRAMHeuristicMaxGB  float64 `json:"vram_heuristic_max_gb,omitempty"`
}

// Timeout returns the per-operation timeout as a duration.
func (l LifecycleConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

// FleetConfig controls usage analysis and pre-warm recommendations.
type FleetConfig struct {
	Enabled                 bool `json:"enabled,omitempty"`
	MinSampleDays           int  `json:"min_sample_days,omitempty"`
	MinRequestCount         int  `json:"min_request_count,omitempty"`
	AnalysisIntervalSeconds int  `json:"analysis_interval_seconds,omitempty"`
	MaxRecommendations      int  `json:"max_recommendations,omitempty"`
}

// AnalysisInterval returns the analysis cadence as a duration.
func (f FleetConfig) AnalysisInterval() time.Duration {
	return time.Duration(f.AnalysisIntervalSeconds) * time.Second
}

// BackendConfig declares one upstream backend.
type BackendConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Type is the backend dialect: ollama, vllm, lmstudio, llamacpp, openai,
	// anthropic or generic.
	Type string `json:"type"`
	// Priority orders backends for selection; lower is preferred.
	Priority int `json:"priority,omitempty"`
	// APIKeyEnv names the environment variable holding the backend's API key.
	APIKeyEnv string `json:"api_key_env,omitempty"`
	// Zone is the privacy zone, "open" (default) or "restricted".
	Zone string `json:"zone,omitempty"`
	// Tier is the capability tier, 1 (weakest) through 5.
	Tier int `json:"tier,omitempty"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level,omitempty"`
	// Format is "pretty" for text output or "json".
	Format string `json:"format,omitempty"`
	// ComponentLevels overrides the level per component logger.
	ComponentLevels map[string]string `json:"component_levels,omitempty"`
	// EnableContentLogging opts into logging request and response bodies at
	// debug level. Off by default: prompts are user data.
	EnableContentLogging bool `json:"enable_content_logging,omitempty"`
}

// Default returns the configuration used when fields are not set explicitly.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080},
		Discovery: DiscoveryConfig{GracePeriodSeconds: 60, ServiceTypes: []string{"_ollama._tcp"}},
		HealthCheck: HealthCheckConfig{
			Enabled:           true,
			IntervalSeconds:   30,
			TimeoutSeconds:    5,
			FailureThreshold:  3,
			RecoveryThreshold: 2,
		},
		Routing: RoutingConfig{
			Strategy:   "smart",
			MaxRetries: 2,
			Weights:    WeightsConfig{Priority: 50, Load: 30, Latency: 20},
		},
		Budget: BudgetConfig{
			SoftLimitPercent:     75,
			HardLimitAction:      string(budget.ActionLocalOnly),
			BillingCycleStartDay: 1,
		},
		Quality: QualityConfig{
			ErrorRateThreshold:     0.5,
			TTFTPenaltyThresholdMS: 0,
			MetricsIntervalSeconds: 30,
		},
		Queue: QueueConfig{
			Enabled:        true,
			MaxSize:        100,
			MaxWaitSeconds: 30,
		},
		Lifecycle: LifecycleConfig{
			TimeoutMS:           120_000,
			VRAMHeadroomPercent: 20,
			VRAMBufferPercent:   10,
			VRAMHeuristicMaxGB:  20,
		},
		Fleet: FleetConfig{
			MinSampleDays:           1,
			MinRequestCount:         10,
			AnalysisIntervalSeconds: 3600,
			MaxRecommendations:      5,
		},
		Logging: LoggingConfig{Level: "info", Format: "pretty"},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from NEXUS_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("NEXUS_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("NEXUS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cannot parse NEXUS_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NEXUS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NEXUS_DISCOVERY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("cannot parse NEXUS_DISCOVERY %q: %w", v, err)
		}
		c.Discovery.Enabled = enabled
	}
	if v := os.Getenv("NEXUS_HEALTH_CHECK"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("cannot parse NEXUS_HEALTH_CHECK %q: %w", v, err)
		}
		c.HealthCheck.Enabled = enabled
	}
	return nil
}

var validStrategies = map[string]bool{
	"smart": true, "round_robin": true, "priority_only": true, "random": true,
}

// Validate checks the whole document and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if !validStrategies[c.Routing.Strategy] {
		errs = append(errs, fmt.Errorf("unknown routing strategy %q", c.Routing.Strategy))
	}
	if sum := c.Routing.Weights.Priority + c.Routing.Weights.Load + c.Routing.Weights.Latency; sum != 100 {
		errs = append(errs, fmt.Errorf("routing weights must sum to 100, got %d", sum))
	}
	if err := validateAliases(c.Routing.Aliases); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.Routing.Policies {
		if p.ModelPattern == "" {
			errs = append(errs, errors.New("policy model_pattern must be set"))
		}
		if _, err := agent.ParsePrivacyZone(p.Privacy); err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", p.ModelPattern, err))
		}
		if p.MinTier < 0 || p.MinTier > 5 {
			errs = append(errs, fmt.Errorf("policy %q: min_tier must be between 0 and 5, got %d", p.ModelPattern, p.MinTier))
		}
	}

	if _, err := budget.ParseAction(c.Budget.HardLimitAction); err != nil {
		errs = append(errs, err)
	}
	if pct := c.Budget.SoftLimitPercent; pct <= 0 || pct > 100 {
		errs = append(errs, fmt.Errorf("budget soft_limit_percent must be between 0 and 100, got %v", pct))
	}
	if day := c.Budget.BillingCycleStartDay; day < 1 || day > 31 {
		errs = append(errs, fmt.Errorf("billing_cycle_start_day must be between 1 and 31, got %d", day))
	}

	if thr := c.Quality.ErrorRateThreshold; thr < 0 || thr > 1 {
		errs = append(errs, fmt.Errorf("quality error_rate_threshold must be between 0 and 1, got %v", thr))
	}

	if c.Queue.Enabled && c.Queue.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("queue max_size must be positive, got %d", c.Queue.MaxSize))
	}

	errs = append(errs, c.validateBackends()...)
	errs = append(errs, c.Logging.validate()...)

	return errors.Join(errs...)
}

func (c *Config) validateBackends() []error {
	var errs []error
	names := make(map[string]bool, len(c.Backends))
	urls := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			errs = append(errs, errors.New("backend name must be set"))
			continue
		}
		if names[b.Name] {
			errs = append(errs, fmt.Errorf("duplicate backend name %q", b.Name))
		}
		names[b.Name] = true

		if b.URL == "" {
			errs = append(errs, fmt.Errorf("backend %q: url must be set", b.Name))
		} else {
			key := strings.ToLower(strings.TrimSuffix(b.URL, "/"))
			if urls[key] {
				errs = append(errs, fmt.Errorf("duplicate backend url %q", b.URL))
			}
			urls[key] = true
		}

		if _, err := agent.ParseBackendKind(b.Type); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", b.Name, err))
		}
		if _, err := agent.ParsePrivacyZone(b.Zone); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", b.Name, err))
		}
		if b.Tier != 0 && (b.Tier < 1 || b.Tier > 5) {
			errs = append(errs, fmt.Errorf("backend %q: tier must be between 1 and 5, got %d", b.Name, b.Tier))
		}
	}
	return errs
}

func (l LoggingConfig) validate() []error {
	var errs []error
	if _, err := parseLevel(l.Level); err != nil {
		errs = append(errs, err)
	}
	switch l.Format {
	case "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", l.Format))
	}
	for component, level := range l.ComponentLevels {
		if _, err := parseLevel(level); err != nil {
			errs = append(errs, fmt.Errorf("component %q: %w", component, err))
		}
	}
	return errs
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("cannot parse log level %q: %w", s, err)
	}
	return level, nil
}

// validateAliases rejects alias cycles. A cycle anywhere in the chain keeps
// the server from starting, because runtime resolution would never settle.
func validateAliases(aliases map[string]string) error {
	for start := range aliases {
		seen := []string{start}
		current := start
		for {
			next, ok := aliases[current]
			if !ok {
				break
			}
			for _, s := range seen {
				if s == next {
					seen = append(seen, next)
					quoted := make([]string, len(seen))
					for i, s := range seen {
						quoted[i] = strconv.Quote(s)
					}
					return fmt.Errorf("circular alias detected: %s", strings.Join(quoted, " -> "))
				}
			}
			seen = append(seen, next)
			current = next
		}
	}
	return nil
}
