// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/buildinfo"
	"github.com/healgate/healgate/internal/confirm"
	"github.com/healgate/healgate/internal/heal"
	"github.com/healgate/healgate/internal/heal/breaker"
	"github.com/healgate/healgate/internal/heal/cache"
	"github.com/healgate/healgate/internal/heal/metrics"
	"github.com/healgate/healgate/internal/heal/types"
	"github.com/healgate/healgate/internal/journal"
)

// EvaluateRequest is the body of POST /v1/heal/evaluate. The client
// captures the snapshot on its side of the wire and inlines it here.
type EvaluateRequest struct {
	Failure  *types.FailureContext `json:"failure" binding:"required"`
	Intent   *types.IntentContract `json:"intent"`
	Snapshot *types.UiSnapshot     `json:"snapshot" binding:"required"`
}

// OutcomeRequest is the body of POST /v1/heal/outcome, reporting how a
// previously suggested locator worked out on the client's browser.
type OutcomeRequest struct {
	HealID  string  `json:"heal_id" binding:"required"`
	Success bool    `json:"success"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// ConfirmationRequest is the body of POST /v1/confirmations/:id.
// Approved is a pointer so an explicit false survives binding.
type ConfirmationRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Status             string            `json:"status"`
	Version            string            `json:"version"`
	Commit             string            `json:"commit"`
	BuildDate          string            `json:"build_date"`
	Breaker            breaker.Snapshot  `json:"breaker"`
	Cache              cache.Metrics     `json:"cache"`
	Metrics            *metrics.Snapshot `json:"metrics"`
	PendingSuggestions int               `json:"pending_suggestions"`
	PendingConfirms    int               `json:"pending_confirmations"`
	EventClients       int               `json:"event_clients"`
}

type snapshotCtxKey struct{}

// WithSnapshot attaches an inline snapshot to the context so that
// InlineSnapshot can serve it to the engine.
func WithSnapshot(ctx context.Context, snap *types.UiSnapshot) context.Context {
	return context.WithValue(ctx, snapshotCtxKey{}, snap)
}

// InlineSnapshot is a heal.SnapshotFunc for the remote deployment mode:
// instead of driving a browser it returns the snapshot the evaluate
// handler attached to the request context.
func InlineSnapshot(ctx context.Context, _ *types.FailureContext) (*types.UiSnapshot, error) {
	snap, ok := ctx.Value(snapshotCtxKey{}).(*types.UiSnapshot)
	if !ok || snap == nil {
		return nil, fmt.Errorf("no inline snapshot attached to request")
	}
	return snap, nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEvaluate runs the engine against an inline snapshot. The server
// has no browser, so any policy other than OFF is clamped to SUGGEST:
// the client executes the locator itself and reports back through the
// outcome endpoint.
func (s *Server) handleEvaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	failure := req.Failure
	failure.Locator.Strategy = types.Strategy(strings.ToLower(strings.TrimSpace(string(failure.Locator.Strategy))))
	if !failure.Locator.Strategy.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown locator strategy %q", failure.Locator.Strategy),
		})
		return
	}
	if strings.TrimSpace(failure.Locator.Value) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "locator value must not be empty",
		})
		return
	}
	if strings.TrimSpace(failure.Action) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failure action must not be empty",
		})
		return
	}
	if len(req.Snapshot.Elements) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "snapshot must contain at least one element",
		})
		return
	}

	intent := req.Intent
	if intent == nil {
		intent = &types.IntentContract{Action: failure.Action, Policy: types.PolicySuggest}
	} else {
		if strings.TrimSpace(intent.Action) == "" {
			intent.Action = failure.Action
		}
		if intent.ConfidenceThreshold < 0 || intent.ConfidenceThreshold > 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("confidence threshold %v outside [0,1]", intent.ConfidenceThreshold),
			})
			return
		}
		if intent.Policy != "" {
			parsed, err := types.ParsePolicy(string(intent.Policy))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			intent.Policy = parsed
		}
		if intent.Policy != types.PolicyOff {
			intent.Policy = types.PolicySuggest
		}
	}

	ctx := WithSnapshot(c.Request.Context(), req.Snapshot)
	result := s.healer.Heal(ctx, failure, intent)

	if result.Outcome == types.OutcomeSuggested {
		fingerprint := cache.Fingerprint(failure.PageURL, failure.Locator, failure.Action, intent.Hint)
		s.ledger.put(result, fingerprint)
	}

	c.JSON(http.StatusOK, result)
}

// handleOutcome settles a previously issued suggestion: the client
// executed the locator on its own browser and reports whether it worked.
func (s *Server) handleOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	entry, ok := s.ledger.take(req.HealID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown or expired heal id",
		})
		return
	}

	cb := s.healer.Breaker()
	before := cb.State()

	if req.Success {
		cb.RecordSuccess(req.CostUSD)
		if entry.Locator != "" {
			s.healer.Cache().Put(entry.Fingerprint, entry.Locator, entry.Confidence, entry.Reasoning)
		}
		s.markJournalApplied(c.Request.Context(), req.HealID)
	} else {
		cb.RecordFailure(req.CostUSD)
		if entry.CacheHit {
			s.healer.Cache().Invalidate(entry.Fingerprint)
		}
	}

	if req.CostUSD > 0 {
		s.healer.Metrics().AddCost(req.CostUSD)
	}

	if before != breaker.StateOpen && cb.State() == breaker.StateOpen {
		s.healer.Metrics().RecordBreakerOpen()
		if s.hub != nil {
			s.hub.Publish(heal.Event{Type: heal.EventBreakerOpened})
		}
		log.Warn("Healing circuit breaker opened")
	}

	log.WithFields(log.Fields{
		"heal_id": req.HealID,
		"success": req.Success,
		"cost":    req.CostUSD,
		"reason":  req.Reason,
	}).Info("Suggestion outcome settled")

	c.JSON(http.StatusOK, gin.H{
		"message": "outcome recorded",
		"heal_id": req.HealID,
	})
}

// markJournalApplied flips the journal row for a settled suggestion. The
// journal is best-effort here the same way it is in the engine.
func (s *Server) markJournalApplied(ctx context.Context, healID string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.MarkApplied(ctx, healID); err != nil && !errors.Is(err, journal.ErrNotFound) {
		log.WithFields(log.Fields{
			"heal_id": healID,
			"error":   err.Error(),
		}).Warn("Heal journal update failed")
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Status:             "ok",
		Version:            buildinfo.Version,
		Commit:             buildinfo.Commit,
		BuildDate:          buildinfo.BuildDate,
		Breaker:            s.healer.BreakerStats(),
		Cache:              s.healer.CacheStats(),
		Metrics:            s.healer.Metrics().Snapshot(),
		PendingSuggestions: s.ledger.size(),
	}
	if s.confirms != nil {
		resp.PendingConfirms = len(s.confirms.Pending())
	}
	if s.hub != nil {
		resp.EventClients = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleJournalRecent(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "heal journal not enabled",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to read heal journal: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleListConfirmations(c *gin.Context) {
	if s.confirms == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "confirmation broker not enabled",
		})
		return
	}
	pending := s.confirms.Pending()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleResolveConfirmation(c *gin.Context) {
	if s.confirms == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "confirmation broker not enabled",
		})
		return
	}

	var req ConfirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	id := c.Param("id")
	if err := s.confirms.Resolve(id, *req.Approved); err != nil {
		if errors.Is(err, confirm.ErrUnknownConfirmation) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "unknown confirmation id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "confirmation recorded",
		"id":      id,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "event stream not enabled",
		})
		return
	}
	s.hub.ServeHTTP(c.Writer, c.Request)
}
