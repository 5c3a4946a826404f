// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command server runs the Healgate API: an HTTP facade over the healing
// decision engine for out-of-process browser-test clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/api"
	"github.com/healgate/healgate/internal/api/events"
	"github.com/healgate/healgate/internal/artifact"
	"github.com/healgate/healgate/internal/buildinfo"
	"github.com/healgate/healgate/internal/config"
	"github.com/healgate/healgate/internal/confirm"
	"github.com/healgate/healgate/internal/cost"
	"github.com/healgate/healgate/internal/heal"
	"github.com/healgate/healgate/internal/heal/audit"
	"github.com/healgate/healgate/internal/heal/breaker"
	"github.com/healgate/healgate/internal/heal/cache"
	"github.com/healgate/healgate/internal/heal/guard"
	"github.com/healgate/healgate/internal/heal/metrics"
	"github.com/healgate/healgate/internal/heal/pipeline"
	"github.com/healgate/healgate/internal/journal"
	"github.com/healgate/healgate/internal/logging"
	"github.com/healgate/healgate/internal/provider"
	"github.com/healgate/healgate/internal/provider/anthropic"
	"github.com/healgate/healgate/internal/provider/compat"
	"github.com/healgate/healgate/internal/provider/gemini"
	"github.com/healgate/healgate/internal/provider/openai"
	"github.com/healgate/healgate/internal/watcher"
)

// DefaultConfigPath is where the server looks for its configuration
// when no -config flag is given.
const DefaultConfigPath = "config.yaml"

const (
	shutdownTimeout     = 10 * time.Second
	journalPruneEvery   = 12 * time.Hour
	journalPruneTimeout = time.Minute
)

func main() {
	fmt.Printf("Healgate Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.Parse()

	logging.SetupBaseLogger()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsMaxTotalSizeMB); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}

	if err := run(cfg, configPath); err != nil {
		log.Errorf("healgate exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := provider.NewRegistry()
	registerProviders(registry, cfg.Providers)
	if len(registry.Names()) == 0 {
		log.Warn("No LLM providers configured; every heal attempt will fail at dispatch")
	}

	pricing := cost.DefaultPricing()
	if cfg.Pricing.Path != "" {
		loaded, err := cost.LoadPricing(cfg.Pricing.Path)
		if err != nil {
			return fmt.Errorf("pricing table: %w", err)
		}
		pricing = loaded
	}

	guardrail, err := guard.New(cfg.Healing.Guardrail.Guard())
	if err != nil {
		return fmt.Errorf("guardrail: %w", err)
	}

	cb := breaker.New(cfg.Healing.Breaker.Breaker())
	decisionCache := cache.New(cfg.Healing.Cache.Cache())
	m := metrics.New(0)

	evaluator := pipeline.New(registry, cfg.Healing.Provider.Pipeline(),
		pipeline.WithEstimator(cost.NewEstimator()),
		pipeline.WithPricing(pricing),
		pipeline.WithMetrics(m),
	)

	auditLogger, err := audit.NewLogger(cfg.Audit.Audit())
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	var journalStore *journal.Store
	if cfg.Journal.Enabled {
		journalStore, err = journal.Open(ctx, cfg.Journal.Journal())
		if err != nil {
			return fmt.Errorf("heal journal: %w", err)
		}
		defer func() {
			if errClose := journalStore.Close(); errClose != nil {
				log.Warnf("failed to close heal journal: %v", errClose)
			}
		}()
		go pruneJournal(ctx, journalStore)
	}

	hub := events.NewHub()

	var broker *confirm.Broker
	if cfg.Confirm.Enabled {
		broker = confirm.New(cfg.Confirm.Timeout(), confirm.WithNotify(func(p confirm.Pending) {
			hub.Publish(struct {
				Type         string          `json:"type"`
				Confirmation confirm.Pending `json:"confirmation"`
			}{Type: "confirm.pending", Confirmation: p})
		}))
	}

	var archiver *artifact.Archiver
	if cfg.Artifacts.Enabled {
		archiver, err = artifact.New(cfg.Artifacts.Artifact())
		if err != nil {
			return fmt.Errorf("artifact archiver: %w", err)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("artifact bucket: %w", err)
		}
	}

	opts := []heal.Option{
		heal.WithGuardrail(guardrail),
		heal.WithBreaker(cb),
		heal.WithCache(decisionCache),
		heal.WithMetrics(m),
		heal.WithEvaluator(evaluator),
		heal.WithSnapshotFunc(api.InlineSnapshot),
		heal.WithEventFunc(hub.EventFunc()),
		heal.WithAuditLogger(auditLogger),
	}
	if journalStore != nil {
		opts = append(opts, heal.WithJournal(journalStore))
	}
	if broker != nil {
		opts = append(opts, heal.WithConfirmer(broker))
	}
	if archiver != nil {
		opts = append(opts, heal.WithArchiver(archiver))
	}

	engine := heal.NewEngine(cfg.Healing.Engine(), opts...)

	w := watcher.New(configPath, watcher.Targets{
		Guardrail: guardrail,
		Breaker:   cb,
		Pricing:   pricing,
	})
	if err := w.Start(); err != nil {
		log.Warnf("Config watcher not started, hot-reload disabled: %v", err)
	} else {
		defer w.Stop()
	}

	apiOpts := []api.Option{api.WithEventHub(hub)}
	if journalStore != nil {
		apiOpts = append(apiOpts, api.WithJournal(journalStore))
	}
	if broker != nil {
		apiOpts = append(apiOpts, api.WithConfirmBroker(broker))
	}
	server := api.NewServer(api.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		APIKeys:       cfg.APIKeys,
		SuggestionTTL: cfg.SuggestionTTL(),
		Debug:         cfg.Debug,
	}, engine, apiOpts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
	return nil
}

// registerProviders builds a backend for every credential set in the
// config. A backend that fails to construct is skipped with a warning
// rather than aborting startup; the pipeline reports unknown providers
// per attempt.
func registerProviders(registry *provider.Registry, creds config.ProvidersConfig) {
	register := func(name string, p provider.Provider, err error) {
		if err != nil {
			log.Warnf("Skipping provider %s: %v", name, err)
			return
		}
		if err := registry.Register(p); err != nil {
			log.Warnf("Skipping provider %s: %v", name, err)
			return
		}
		log.Infof("Registered LLM provider %s", p.Identifier())
	}

	if creds.Anthropic.APIKey != "" {
		p, err := anthropic.New(anthropic.Config{APIKey: creds.Anthropic.APIKey, BaseURL: creds.Anthropic.BaseURL})
		register("anthropic", p, err)
	}
	if creds.OpenAI.APIKey != "" {
		p, err := openai.New(openai.Config{APIKey: creds.OpenAI.APIKey, BaseURL: creds.OpenAI.BaseURL})
		register("openai", p, err)
	}
	if creds.Gemini.APIKey != "" {
		p, err := gemini.New(gemini.Config{APIKey: creds.Gemini.APIKey})
		register("gemini", p, err)
	}
	for _, c := range creds.Compat {
		p, err := compat.New(compat.Config{
			Name:           c.Name,
			BaseURL:        c.BaseURL,
			APIKey:         c.APIKey,
			RequestTimeout: time.Duration(c.TimeoutSeconds) * time.Second,
		})
		register(c.Name, p, err)
	}
}

// pruneJournal trims aged-out journal rows on a fixed interval until the
// context ends. The retention window comes from the store's own config.
func pruneJournal(ctx context.Context, store *journal.Store) {
	ticker := time.NewTicker(journalPruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, journalPruneTimeout)
			if _, err := store.Prune(pruneCtx, 0); err != nil {
				log.Warnf("Journal prune failed: %v", err)
			}
			cancel()
		}
	}
}
