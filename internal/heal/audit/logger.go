// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit provides a structured trail of every heal attempt.
// Each attempt is written as one JSON line to a rotating file so teams can
// review what the engine changed, at what confidence, and at what cost.
package audit

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/healgate/healgate/internal/heal/types"
)

// Entry records a single heal attempt for later review.
// Each entry is written as a JSON line to the audit log file.
type Entry struct {
	// Timestamp is when the attempt finished.
	Timestamp time.Time `json:"timestamp"`

	// HealID uniquely identifies the attempt.
	HealID string `json:"heal_id"`

	// Fingerprint is the cache key of the attempt, when computed.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Outcome is the terminal outcome ("SUCCESS", "REFUSED", ...).
	Outcome string `json:"outcome"`

	PageURL          string  `json:"page_url,omitempty"`
	OriginalLocator  string  `json:"original_locator"`
	HealedLocator    string  `json:"healed_locator,omitempty"`
	SuggestedLocator string  `json:"suggested_locator,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Action           string  `json:"action,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	DurationMs       int64   `json:"duration_ms,omitempty"`
	CacheHit         bool    `json:"cache_hit,omitempty"`

	// Reason carries the refusal or failure reason for non-SUCCESS entries.
	Reason string `json:"reason,omitempty"`

	// Details contains attempt-specific metadata such as the failing step
	// text or the scenario name.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Logger writes JSON-formatted audit entries to a rotating log file.
// Configured redaction paths are removed from every entry before it hits
// disk, so secrets captured in step text never reach the trail.
type Logger struct {
	mu          sync.Mutex
	writer      *lumberjack.Logger
	enabled     bool
	logPath     string
	redactPaths []string
	fallback    *log.Logger // Fallback to standard logging if file write fails
}

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled toggles audit logging.
	Enabled bool

	// LogPath is the file path for the audit log.
	LogPath string

	// MaxSizeMB is the maximum size in megabytes before rotation.
	// Default: 100 MB.
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 10.
	MaxBackups int

	// MaxAgeDays is the maximum number of days to retain old log files.
	// Default: 30 days.
	MaxAgeDays int

	// Compress determines whether rotated log files should be compressed.
	Compress bool

	// RedactPaths lists JSON paths removed from every entry before write,
	// e.g. "details.step" when step text may carry credentials.
	RedactPaths []string
}

// NewLogger creates a new audit logger with the specified configuration.
// If audit logging is disabled, the logger will be a no-op.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{
			enabled:  false,
			fallback: log.New(),
		}, nil
	}

	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}

	logDir := filepath.Dir(cfg.LogPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	return &Logger{
		writer:      fileLogger,
		enabled:     true,
		logPath:     cfg.LogPath,
		redactPaths: cfg.RedactPaths,
		fallback:    log.New(),
	}, nil
}

// LogAttempt writes an audit entry. Thread-safe; write failures fall back
// to the standard logger and never propagate to the caller.
func (l *Logger) LogAttempt(entry Entry) {
	if !l.enabled {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.fallback.WithFields(log.Fields{
			"error":   err.Error(),
			"heal_id": entry.HealID,
			"outcome": entry.Outcome,
		}).Error("Failed to encode audit log entry")
		return
	}

	for _, path := range l.redactPaths {
		if redacted, err := sjson.DeleteBytes(data, path); err == nil {
			data = redacted
		}
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		l.fallback.WithFields(log.Fields{
			"error":   err.Error(),
			"heal_id": entry.HealID,
			"outcome": entry.Outcome,
		}).Error("Failed to write audit log entry")
	}
}

// LogResult writes an audit entry built from a finished HealResult.
func (l *Logger) LogResult(result *types.HealResult, fingerprint string, details map[string]interface{}) {
	if result == nil {
		return
	}

	reason := result.FailureReason
	if reason == "" && result.Decision != nil {
		reason = result.Decision.RefusalReason
	}

	l.LogAttempt(Entry{
		Timestamp:        result.CreatedAt,
		HealID:           result.ID,
		Fingerprint:      fingerprint,
		Outcome:          string(result.Outcome),
		PageURL:          result.PageURL,
		OriginalLocator:  result.OriginalLocator.String(),
		HealedLocator:    result.HealedLocator,
		SuggestedLocator: result.SuggestedLocator,
		Confidence:       result.Confidence,
		Action:           result.Action,
		Provider:         result.Provider,
		Model:            result.Model,
		CostUSD:          result.CostUSD,
		DurationMs:       result.Duration.Milliseconds(),
		CacheHit:         result.CacheHit,
		Reason:           reason,
		Details:          details,
	})
}

// Close closes the audit log file and flushes any buffered data.
func (l *Logger) Close() error {
	if !l.enabled || l.writer == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writer.Close()
}

// Rotate triggers a log file rotation.
// This is useful for testing or manual rotation triggers.
func (l *Logger) Rotate() error {
	if !l.enabled || l.writer == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writer.Rotate()
}

// Global audit logger instance.
var globalLogger *Logger
var once sync.Once

// Global returns the global audit logger instance.
// It must be initialized with InitGlobal before use.
func Global() *Logger {
	once.Do(func() {
		// Create a disabled logger as default
		globalLogger, _ = NewLogger(Config{Enabled: false})
	})
	return globalLogger
}

// InitGlobal initializes the global audit logger with the specified
// configuration. This should be called once during application startup.
func InitGlobal(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}

	once.Do(func() {})
	globalLogger = logger
	return nil
}
