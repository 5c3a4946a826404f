package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/healgate/healgate/internal/heal/types"
)

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	if logger.enabled {
		t.Error("Expected logger to be disabled")
	}

	// Should be safe to call methods on disabled logger
	logger.LogAttempt(Entry{
		HealID:  "heal-123",
		Outcome: "SUCCESS",
	})

	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNewLogger_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "nested", "dir", "audit.log")

	logger, err := NewLogger(Config{
		Enabled: true,
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	logDir := filepath.Dir(logPath)
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		t.Errorf("Expected directory %s to be created", logDir)
	}
}

func TestLogAttempt_WritesJSONLine(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	logger, err := NewLogger(Config{
		Enabled: true,
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	entry := Entry{
		Timestamp:       time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		HealID:          "heal-12345",
		Fingerprint:     "abcd1234",
		Outcome:         "SUCCESS",
		PageURL:         "https://app.test/login",
		OriginalLocator: "id=old-btn",
		HealedLocator:   "id=login-btn",
		Confidence:      0.95,
		Action:          "click",
		Provider:        "openai",
		Model:           "gpt-4o-mini",
		CostUSD:         0.0004,
		DurationMs:      812,
	}

	logger.LogAttempt(entry)
	logger.Close()

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	var logged Entry
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatal("Expected at least one log line")
	}
	if err := json.Unmarshal(scanner.Bytes(), &logged); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}

	if logged.HealID != entry.HealID {
		t.Errorf("HealID = %q, want %q", logged.HealID, entry.HealID)
	}
	if logged.Outcome != "SUCCESS" {
		t.Errorf("Outcome = %q", logged.Outcome)
	}
	if logged.HealedLocator != "id=login-btn" {
		t.Errorf("HealedLocator = %q", logged.HealedLocator)
	}
	if logged.Confidence != 0.95 {
		t.Errorf("Confidence = %v", logged.Confidence)
	}
}

func TestLogAttempt_SetsTimestamp(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	logger, err := NewLogger(Config{Enabled: true, LogPath: logPath})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	before := time.Now().UTC()
	logger.LogAttempt(Entry{HealID: "heal-1", Outcome: "REFUSED"})
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	var logged Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &logged); err != nil {
		t.Fatal(err)
	}
	if logged.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp not set: %v", logged.Timestamp)
	}
}

func TestLogAttempt_RedactsConfiguredPaths(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	logger, err := NewLogger(Config{
		Enabled:     true,
		LogPath:     logPath,
		RedactPaths: []string{"details.step", "page_url"},
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.LogAttempt(Entry{
		HealID:          "heal-1",
		Outcome:         "SUCCESS",
		PageURL:         "https://app.test/login?token=secret",
		OriginalLocator: "id=old",
		Details: map[string]interface{}{
			"step":     `I fill "password" with "hunter2"`,
			"scenario": "Login flow",
		},
	})
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)

	if strings.Contains(line, "hunter2") {
		t.Error("redacted step text leaked into the audit trail")
	}
	if strings.Contains(line, "token=secret") {
		t.Error("redacted page_url leaked into the audit trail")
	}
	if !strings.Contains(line, "Login flow") {
		t.Error("non-redacted detail should survive")
	}
}

func TestLogResult(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	logger, err := NewLogger(Config{Enabled: true, LogPath: logPath})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	loc, _ := types.NewLocator(types.StrategyID, "old-btn")
	result := types.NewResultBuilder(types.OutcomeSuccess).
		WithHealedLocator("id=login-btn").
		WithConfidence(0.92).
		WithReasoning("matched by visible text").
		WithPageURL("https://app.test/login").
		WithProvider("anthropic", "claude-sonnet-4-5").
		WithCost(0.0011).
		WithDuration(640 * time.Millisecond).
		Build()
	result.OriginalLocator = loc

	logger.LogResult(result, "fp-1", map[string]interface{}{"scenario": "Login"})
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	var logged Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &logged); err != nil {
		t.Fatal(err)
	}

	if logged.HealID != result.ID {
		t.Errorf("HealID = %q, want %q", logged.HealID, result.ID)
	}
	if logged.OriginalLocator != "id=old-btn" {
		t.Errorf("OriginalLocator = %q", logged.OriginalLocator)
	}
	if logged.Fingerprint != "fp-1" {
		t.Errorf("Fingerprint = %q", logged.Fingerprint)
	}
	if logged.Provider != "anthropic" || logged.Model != "claude-sonnet-4-5" {
		t.Errorf("Provider/Model = %q/%q", logged.Provider, logged.Model)
	}
	if logged.DurationMs != 640 {
		t.Errorf("DurationMs = %d", logged.DurationMs)
	}
}

func TestLogAttempt_Concurrent(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	logger, err := NewLogger(Config{Enabled: true, LogPath: logPath})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.LogAttempt(Entry{HealID: "heal", Outcome: "SUCCESS"})
			}
		}()
	}
	wg.Wait()
	logger.Close()

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 200 {
		t.Errorf("expected 200 entries, got %d", lines)
	}
}

func TestGlobal_DefaultsDisabled(t *testing.T) {
	logger := Global()
	if logger == nil {
		t.Fatal("Global() returned nil")
	}
	// No-op on the disabled default
	logger.LogAttempt(Entry{HealID: "x", Outcome: "FAILED"})
}
