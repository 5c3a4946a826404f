// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package watcher hot-reloads the parts of the configuration that are
// safe to change while the server runs: guardrail rules, breaker limits,
// and the pricing table. Everything else (ports, provider credentials,
// journal driver) still needs a restart.
package watcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/config"
	"github.com/healgate/healgate/internal/cost"
	"github.com/healgate/healgate/internal/heal/breaker"
	"github.com/healgate/healgate/internal/heal/guard"
)

// Targets are the running subsystems a reload feeds. Nil fields are
// skipped.
type Targets struct {
	Guardrail *guard.Guardrail
	Breaker   *breaker.CircuitBreaker
	Pricing   *cost.Pricing
}

// Watcher re-applies config file changes to running subsystems.
type Watcher struct {
	configFile string
	targets    Targets

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New creates a watcher for the given config file. Call Start to begin
// watching.
func New(configFile string, targets Targets) *Watcher {
	return &Watcher{
		configFile: configFile,
		targets:    targets,
		stop:       make(chan struct{}),
	}
}

// Start begins watching the config file's directory for changes.
// Watching the directory rather than the file survives the
// rename-and-replace dance editors do on save.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(filepath.Dir(w.configFile)); err != nil {
		fsw.Close()
		return err
	}

	base := filepath.Base(w.configFile)

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Infof("Config file changed (%s), reloading...", event.Name)
					// Give the editor time to finish writing.
					time.Sleep(100 * time.Millisecond)
					w.reload()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Errorf("Config watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()

	return nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		select {
		case <-w.stop:
			// Channel already closed
		default:
			close(w.stop)
		}
		w.watcher.Close()
		w.watcher = nil
	}
}

// reload re-reads the config file and pushes the reloadable sections
// into the running subsystems. A file that fails to parse leaves every
// subsystem on its previous settings.
func (w *Watcher) reload() {
	cfg, err := config.LoadConfig(w.configFile)
	if err != nil {
		log.Errorf("Config reload failed, keeping previous settings: %v", err)
		return
	}

	if w.targets.Guardrail != nil {
		if err := w.targets.Guardrail.Reload(cfg.Healing.Guardrail.Guard()); err != nil {
			log.Errorf("Guardrail reload failed, keeping previous rules: %v", err)
		}
	}

	if w.targets.Breaker != nil {
		w.targets.Breaker.Reconfigure(cfg.Healing.Breaker.Breaker())
	}

	if w.targets.Pricing != nil && cfg.Pricing.Path != "" {
		if err := w.targets.Pricing.Reload(cfg.Pricing.Path); err != nil {
			log.Errorf("Pricing reload failed, keeping previous table: %v", err)
		}
	}

	log.WithFields(log.Fields{
		"guardrail": w.targets.Guardrail != nil,
		"breaker":   w.targets.Breaker != nil,
		"pricing":   w.targets.Pricing != nil && cfg.Pricing.Path != "",
	}).Info("Configuration reloaded")
}
