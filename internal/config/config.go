// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and sanitizes the root YAML configuration. Secret
// fields support ${VAR} environment references, and plaintext API keys
// are bcrypt-hashed at load so the raw value never lives in memory
// longer than the parse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/healgate/healgate/internal/artifact"
	"github.com/healgate/healgate/internal/heal"
	"github.com/healgate/healgate/internal/heal/audit"
	"github.com/healgate/healgate/internal/heal/breaker"
	"github.com/healgate/healgate/internal/heal/cache"
	"github.com/healgate/healgate/internal/heal/guard"
	"github.com/healgate/healgate/internal/heal/pipeline"
	"github.com/healgate/healgate/internal/heal/types"
	"github.com/healgate/healgate/internal/journal"
)

// DefaultPort is the listen port when the config names none.
const DefaultPort = 7878

// Config is the root configuration structure.
type Config struct {
	// Host is the interface the API server binds. Empty binds all
	// interfaces (IPv4 + IPv6).
	Host string `yaml:"host"`

	// Port is the API server listen port.
	Port int `yaml:"port"`

	// Debug enables verbose request logging and gin debug mode.
	Debug bool `yaml:"debug"`

	// APIKeys protect the management endpoints. Entries may be given as
	// plaintext or as bcrypt hashes; plaintext values are hashed at load.
	// An empty list disables authentication.
	APIKeys []string `yaml:"api-keys"`

	// LoggingToFile redirects process logs from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the rotated log files' total size.
	// Zero keeps the logging package's default.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`

	// SuggestionTTLSeconds is how long a SUGGESTED result waits for its
	// outcome callback before the ledger forgets it.
	SuggestionTTLSeconds int `yaml:"suggestion-ttl-seconds"`

	// Healing configures the decision engine and its subsystems.
	Healing HealingConfig `yaml:"healing"`

	// Providers carries the LLM backend credentials.
	Providers ProvidersConfig `yaml:"providers"`

	// Journal configures the heal history store.
	Journal JournalConfig `yaml:"journal"`

	// Confirm configures the operator confirmation broker.
	Confirm ConfirmConfig `yaml:"confirmation"`

	// Artifacts configures snapshot archiving to object storage.
	Artifacts ArtifactConfig `yaml:"artifacts"`

	// Audit configures the append-only heal audit log.
	Audit AuditConfig `yaml:"audit"`

	// Pricing points at the per-model token pricing table.
	Pricing PricingConfig `yaml:"pricing"`
}

// HealingConfig mirrors the engine's recognized options.
type HealingConfig struct {
	// Enabled gates the whole engine. Disabled by default: every heal
	// request is refused until a deployment opts in.
	Enabled bool `yaml:"enabled"`

	// DefaultPolicy applies when a request's intent names none.
	// One of OFF, SUGGEST, CONFIRM, AUTO_SAFE, AUTO_ALL.
	DefaultPolicy string `yaml:"default-policy"`

	Guardrail GuardrailConfig     `yaml:"guardrail"`
	Breaker   BreakerConfig       `yaml:"circuit-breaker"`
	Cache     CacheConfig         `yaml:"cache"`
	Provider  ProviderChainConfig `yaml:"provider"`
}

// GuardrailConfig lists the deterministic safety rules.
type GuardrailConfig struct {
	ForbiddenURLPatterns []string `yaml:"forbidden-url-patterns"`
	ForbiddenKeywords    []string `yaml:"forbidden-keywords"`
	MinConfidence        float64  `yaml:"min-confidence"`
	CustomRules          []string `yaml:"custom-rules"`
}

// BreakerConfig mirrors the circuit breaker options.
type BreakerConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	FailureThreshold        int     `yaml:"failure-threshold"`
	SuccessThresholdToClose int     `yaml:"success-threshold-to-close"`
	HalfOpenMaxAttempts     int     `yaml:"half-open-max-attempts"`
	OpenDurationSeconds     int     `yaml:"open-duration-seconds"`
	DailyCostLimitUSD       float64 `yaml:"daily-cost-limit-usd"`
}

// CacheConfig mirrors the decision cache options.
type CacheConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxSize              int     `yaml:"max-size"`
	TTLSeconds           int     `yaml:"ttl-seconds"`
	MinConfidenceToCache float64 `yaml:"min-confidence-to-cache"`
}

// ProviderChainConfig is the primary evaluation target plus its
// fallback chain.
type ProviderChainConfig struct {
	Provider            string           `yaml:"provider"`
	Model               string           `yaml:"model"`
	TimeoutSeconds      int              `yaml:"timeout-seconds"`
	MaxRetries          int              `yaml:"max-retries"`
	Temperature         float64          `yaml:"temperature"`
	MaxTokensPerRequest int              `yaml:"max-tokens-per-request"`
	ConfidenceThreshold float64          `yaml:"confidence-threshold"`
	RequireReasoning    bool             `yaml:"require-reasoning"`
	Fallback            []FallbackConfig `yaml:"fallback"`
}

// FallbackConfig is a partial override for one fallback target. Absent
// fields inherit from the primary; Temperature stays a pointer so an
// explicit 0 survives.
type FallbackConfig struct {
	Provider            string   `yaml:"provider"`
	Model               string   `yaml:"model"`
	TimeoutSeconds      int      `yaml:"timeout-seconds"`
	MaxRetries          int      `yaml:"max-retries"`
	Temperature         *float64 `yaml:"temperature"`
	MaxTokensPerRequest int      `yaml:"max-tokens-per-request"`
	ConfidenceThreshold float64  `yaml:"confidence-threshold"`
}

// ProvidersConfig carries per-backend credentials. API keys and base
// URLs support ${VAR} environment expansion.
type ProvidersConfig struct {
	Anthropic ProviderCredentials `yaml:"anthropic"`
	OpenAI    ProviderCredentials `yaml:"openai"`
	Gemini    ProviderCredentials `yaml:"gemini"`

	// Compat lists OpenAI-compatible endpoints (Ollama, LM Studio,
	// vLLM, gateway deployments). Entries without a base-url are
	// dropped at load.
	Compat []CompatEndpoint `yaml:"openai-compatibility"`
}

// ProviderCredentials is one SDK backend's key material.
type ProviderCredentials struct {
	APIKey  string `yaml:"api-key"`
	BaseURL string `yaml:"base-url"`
}

// CompatEndpoint is one OpenAI-compatible HTTP endpoint.
type CompatEndpoint struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base-url"`
	APIKey         string `yaml:"api-key"`
	TimeoutSeconds int    `yaml:"timeout-seconds"`
}

// JournalConfig configures the heal history store.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention-days"`
}

// ConfirmConfig configures the operator confirmation broker.
type ConfirmConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout-seconds"`
}

// ArtifactConfig configures snapshot archiving to S3-compatible
// object storage.
type ArtifactConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Endpoint             string   `yaml:"endpoint"`
	Bucket               string   `yaml:"bucket"`
	Prefix               string   `yaml:"prefix"`
	AccessKey            string   `yaml:"access-key"`
	SecretKey            string   `yaml:"secret-key"`
	UseSSL               bool     `yaml:"use-ssl"`
	PathStyle            bool     `yaml:"path-style"`
	Outcomes             []string `yaml:"outcomes"`
	UploadTimeoutSeconds int      `yaml:"upload-timeout-seconds"`
}

// AuditConfig configures the append-only audit log.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LogPath    string `yaml:"log-path"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`

	// RedactPaths lists JSON paths stripped from every audit entry
	// before it is written, e.g. "details.step" when step text can
	// carry credentials.
	RedactPaths []string `yaml:"redact-paths"`
}

// PricingConfig points at the YAML per-model pricing table. Empty path
// keeps the built-in table.
type PricingConfig struct {
	Path string `yaml:"path"`
}

// LoadConfig reads and parses the configuration file, expands ${VAR}
// references in secret fields, hashes plaintext API keys, and sanitizes
// the healing section.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Set defaults before unmarshal so that absent keys keep defaults.
	var cfg Config
	cfg.Host = "" // Default empty: binds to all interfaces
	cfg.Port = DefaultPort
	cfg.SuggestionTTLSeconds = 600
	cfg.Healing.Enabled = false // Default to false: heal only by explicit opt-in
	cfg.Healing.DefaultPolicy = string(types.PolicySuggest)
	cfg.Healing.Breaker.Enabled = true
	cfg.Healing.Breaker.FailureThreshold = 5
	cfg.Healing.Breaker.SuccessThresholdToClose = 2
	cfg.Healing.Breaker.HalfOpenMaxAttempts = 2
	cfg.Healing.Breaker.OpenDurationSeconds = 300
	cfg.Healing.Cache.Enabled = true
	cfg.Healing.Provider.Provider = "anthropic"
	cfg.Healing.Provider.Model = "claude-sonnet-4"
	cfg.Healing.Provider.TimeoutSeconds = 30
	cfg.Journal.Driver = journal.DriverSQLite
	cfg.Journal.Path = "healgate.db"
	cfg.Confirm.TimeoutSeconds = 60
	cfg.Audit.LogPath = "logs/heal_audit.log"

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandSecrets()

	// Hash inline API keys if plaintext is detected. A value is
	// considered already hashed if it carries a bcrypt prefix
	// ($2a$, $2b$, or $2y$).
	for i, key := range cfg.APIKeys {
		if key == "" || looksLikeBcrypt(key) {
			continue
		}
		hashed, errHash := hashSecret(key)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash api key: %w", errHash)
		}
		cfg.APIKeys[i] = hashed
	}

	cfg.SanitizeHealing()

	return &cfg, nil
}

// expandSecrets resolves ${VAR} references in fields that typically
// hold credentials, so keys can stay out of the config file itself.
func (cfg *Config) expandSecrets() {
	cfg.Providers.Anthropic.APIKey = os.ExpandEnv(cfg.Providers.Anthropic.APIKey)
	cfg.Providers.OpenAI.APIKey = os.ExpandEnv(cfg.Providers.OpenAI.APIKey)
	cfg.Providers.Gemini.APIKey = os.ExpandEnv(cfg.Providers.Gemini.APIKey)
	for i := range cfg.Providers.Compat {
		cfg.Providers.Compat[i].APIKey = os.ExpandEnv(cfg.Providers.Compat[i].APIKey)
	}
	cfg.Journal.DSN = os.ExpandEnv(cfg.Journal.DSN)
	cfg.Artifacts.AccessKey = os.ExpandEnv(cfg.Artifacts.AccessKey)
	cfg.Artifacts.SecretKey = os.ExpandEnv(cfg.Artifacts.SecretKey)
	for i := range cfg.APIKeys {
		cfg.APIKeys[i] = os.ExpandEnv(cfg.APIKeys[i])
	}
}

// SanitizeHealing validates and normalizes the healing section. Invalid
// values are clamped rather than rejected so a typo never keeps the
// server from starting.
func (cfg *Config) SanitizeHealing() {
	if cfg == nil {
		return
	}

	h := &cfg.Healing

	if _, err := types.ParsePolicy(h.DefaultPolicy); err != nil {
		log.Warnf("Unknown default healing policy %q, falling back to SUGGEST", h.DefaultPolicy)
		h.DefaultPolicy = string(types.PolicySuggest)
	}

	h.Guardrail.MinConfidence = clampUnit(h.Guardrail.MinConfidence, "guardrail min-confidence")

	if h.Breaker.FailureThreshold < 0 {
		log.Warnf("Negative breaker failure-threshold %d, using default", h.Breaker.FailureThreshold)
		h.Breaker.FailureThreshold = 0
	}
	if h.Breaker.SuccessThresholdToClose < 0 {
		h.Breaker.SuccessThresholdToClose = 0
	}
	if h.Breaker.HalfOpenMaxAttempts < 0 {
		h.Breaker.HalfOpenMaxAttempts = 0
	}
	if h.Breaker.OpenDurationSeconds < 0 {
		h.Breaker.OpenDurationSeconds = 0
	}
	if h.Breaker.DailyCostLimitUSD < 0 {
		log.Warnf("Negative breaker daily-cost-limit-usd %v, disabling the limit", h.Breaker.DailyCostLimitUSD)
		h.Breaker.DailyCostLimitUSD = 0
	}

	if h.Cache.MaxSize < 0 {
		h.Cache.MaxSize = 0
	}
	if h.Cache.TTLSeconds < 0 {
		h.Cache.TTLSeconds = 0
	}
	if h.Cache.Enabled && h.Cache.TTLSeconds == 0 {
		log.Warn("Cache ttl-seconds is zero, using the cache package default")
	}
	h.Cache.MinConfidenceToCache = clampUnit(h.Cache.MinConfidenceToCache, "cache min-confidence-to-cache")

	p := &h.Provider
	p.ConfidenceThreshold = clampUnit(p.ConfidenceThreshold, "provider confidence-threshold")
	if p.Temperature < 0 || p.Temperature > 2 {
		log.Warnf("Provider temperature %v outside [0,2], resetting to 0", p.Temperature)
		p.Temperature = 0
	}
	if p.TimeoutSeconds < 0 {
		p.TimeoutSeconds = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxTokensPerRequest < 0 {
		p.MaxTokensPerRequest = 0
	}

	// Drop fallback entries that override nothing; an empty entry would
	// just replay the primary target.
	kept := p.Fallback[:0]
	for _, f := range p.Fallback {
		if strings.TrimSpace(f.Provider) == "" && strings.TrimSpace(f.Model) == "" {
			log.Warn("Dropping fallback entry with no provider or model")
			continue
		}
		f.ConfidenceThreshold = clampUnit(f.ConfidenceThreshold, "fallback confidence-threshold")
		kept = append(kept, f)
	}
	p.Fallback = kept

	if cfg.SuggestionTTLSeconds < 0 {
		cfg.SuggestionTTLSeconds = 0
	}

	// Compat endpoints without a base-url cannot be dialed.
	keptCompat := cfg.Providers.Compat[:0]
	for _, c := range cfg.Providers.Compat {
		if strings.TrimSpace(c.BaseURL) == "" {
			log.Warnf("Dropping openai-compatibility entry %q without base-url", c.Name)
			continue
		}
		keptCompat = append(keptCompat, c)
	}
	cfg.Providers.Compat = keptCompat
}

func clampUnit(v float64, name string) float64 {
	if v < 0 {
		log.Warnf("Negative %s %v, clamping to 0", name, v)
		return 0
	}
	if v > 1 {
		log.Warnf("%s %v above 1, clamping to 1", name, v)
		return 1
	}
	return v
}

// looksLikeBcrypt returns true if the provided string appears to be a
// bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// hashSecret hashes the given secret using bcrypt.
func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// SuggestionTTL converts the configured seconds to a duration. Zero
// keeps the API server's default.
func (cfg *Config) SuggestionTTL() time.Duration {
	return time.Duration(cfg.SuggestionTTLSeconds) * time.Second
}

// Engine converts the healing section to the engine's config.
func (h HealingConfig) Engine() heal.Config {
	policy, err := types.ParsePolicy(h.DefaultPolicy)
	if err != nil {
		policy = types.PolicySuggest
	}
	return heal.Config{
		Enabled:       h.Enabled,
		DefaultPolicy: policy,
	}
}

// Guard converts to the guardrail package's config.
func (g GuardrailConfig) Guard() guard.Config {
	return guard.Config{
		ForbiddenURLPatterns: g.ForbiddenURLPatterns,
		ForbiddenKeywords:    g.ForbiddenKeywords,
		MinConfidence:        g.MinConfidence,
		CustomRules:          g.CustomRules,
	}
}

// Breaker converts to the circuit breaker package's config.
func (b BreakerConfig) Breaker() breaker.Config {
	return breaker.Config{
		Enabled:                 b.Enabled,
		FailureThreshold:        b.FailureThreshold,
		SuccessThresholdToClose: b.SuccessThresholdToClose,
		HalfOpenMaxAttempts:     b.HalfOpenMaxAttempts,
		OpenDuration:            time.Duration(b.OpenDurationSeconds) * time.Second,
		DailyCostLimitUSD:       b.DailyCostLimitUSD,
	}
}

// Cache converts to the decision cache package's config.
func (c CacheConfig) Cache() cache.Config {
	return cache.Config{
		Enabled:              c.Enabled,
		MaxSize:              c.MaxSize,
		TTL:                  time.Duration(c.TTLSeconds) * time.Second,
		MinConfidenceToCache: c.MinConfidenceToCache,
	}
}

// Pipeline converts the provider chain to the pipeline package's config.
func (p ProviderChainConfig) Pipeline() pipeline.Config {
	cfg := pipeline.Config{
		Primary: pipeline.Settings{
			Provider:            p.Provider,
			Model:               p.Model,
			Timeout:             time.Duration(p.TimeoutSeconds) * time.Second,
			MaxRetries:          p.MaxRetries,
			Temperature:         p.Temperature,
			MaxTokensPerRequest: p.MaxTokensPerRequest,
			ConfidenceThreshold: p.ConfidenceThreshold,
			RequireReasoning:    p.RequireReasoning,
		},
	}
	for _, f := range p.Fallback {
		cfg.Fallbacks = append(cfg.Fallbacks, pipeline.Fallback{
			Provider:            f.Provider,
			Model:               f.Model,
			Timeout:             time.Duration(f.TimeoutSeconds) * time.Second,
			MaxRetries:          f.MaxRetries,
			Temperature:         f.Temperature,
			MaxTokensPerRequest: f.MaxTokensPerRequest,
			ConfidenceThreshold: f.ConfidenceThreshold,
		})
	}
	return cfg
}

// Journal converts to the journal package's config.
func (j JournalConfig) Journal() journal.Config {
	return journal.Config{
		Driver:        j.Driver,
		Path:          j.Path,
		DSN:           j.DSN,
		RetentionDays: j.RetentionDays,
	}
}

// Timeout converts the configured confirmation timeout to a duration.
// Zero keeps the broker's default.
func (c ConfirmConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Artifact converts to the archiver package's config.
func (a ArtifactConfig) Artifact() artifact.Config {
	return artifact.Config{
		Enabled:       a.Enabled,
		Endpoint:      a.Endpoint,
		Bucket:        a.Bucket,
		Prefix:        a.Prefix,
		AccessKey:     a.AccessKey,
		SecretKey:     a.SecretKey,
		UseSSL:        a.UseSSL,
		PathStyle:     a.PathStyle,
		Outcomes:      a.Outcomes,
		UploadTimeout: time.Duration(a.UploadTimeoutSeconds) * time.Second,
	}
}

// Audit converts to the audit logger package's config.
func (a AuditConfig) Audit() audit.Config {
	return audit.Config{
		Enabled:     a.Enabled,
		LogPath:     a.LogPath,
		MaxSizeMB:   a.MaxSizeMB,
		MaxBackups:  a.MaxBackups,
		MaxAgeDays:  a.MaxAgeDays,
		Compress:    a.Compress,
		RedactPaths: a.RedactPaths,
	}
}
