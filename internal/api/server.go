// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the healing engine over HTTP for out-of-process
// test clients. In this deployment mode the client captures the page
// snapshot itself, posts it along with the failure context, and executes
// the suggested locator on its own browser; the outcome endpoint settles
// the suggestion afterwards so breaker and cache bookkeeping stay honest.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/healgate/healgate/internal/api/events"
	"github.com/healgate/healgate/internal/confirm"
	"github.com/healgate/healgate/internal/heal"
	"github.com/healgate/healgate/internal/journal"
)

const defaultSuggestionTTL = 10 * time.Minute

// Config carries the HTTP server settings.
type Config struct {
	// Host is the interface to bind; empty binds all interfaces.
	Host string

	// Port is the listen port.
	Port int

	// APIKeys are the accepted management keys. Bcrypt hashes are
	// compared with bcrypt; anything else is compared in constant time.
	// An empty list disables authentication (local deployments).
	APIKeys []string

	// SuggestionTTL bounds how long a suggestion waits for its outcome
	// report before the heal id expires.
	SuggestionTTL time.Duration

	// Debug switches gin into debug mode.
	Debug bool
}

// Server is the HTTP facade over the healing engine.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	healer   *heal.Engine
	journal  *journal.Store
	confirms *confirm.Broker
	hub      *events.Hub
	ledger   *suggestionLedger

	httpSrv *http.Server
}

// Option adjusts an optional Server collaborator.
type Option func(*Server)

// WithJournal attaches the heal journal for the history endpoint.
func WithJournal(store *journal.Store) Option {
	return func(s *Server) { s.journal = store }
}

// WithConfirmBroker attaches the confirmation broker.
func WithConfirmBroker(broker *confirm.Broker) Option {
	return func(s *Server) { s.confirms = broker }
}

// WithEventHub attaches the websocket event hub.
func WithEventHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// NewServer builds the facade around an already-wired healing engine.
func NewServer(cfg Config, healer *heal.Engine, opts ...Option) *Server {
	if cfg.SuggestionTTL <= 0 {
		cfg.SuggestionTTL = defaultSuggestionTTL
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		healer: healer,
		ledger: newSuggestionLedger(cfg.SuggestionTTL),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)

	v1 := s.engine.Group("/v1", s.authMiddleware())
	v1.POST("/heal/evaluate", s.handleEvaluate)
	v1.POST("/heal/outcome", s.handleOutcome)
	v1.GET("/status", s.handleStatus)
	v1.GET("/journal/recent", s.handleJournalRecent)
	v1.GET("/confirmations", s.handleListConfirmations)
	v1.POST("/confirmations/:id", s.handleResolveConfirmation)
	v1.GET("/events", s.handleEvents)
}

// Handler returns the underlying router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"addr":           addr,
		"auth":           len(s.cfg.APIKeys) > 0,
		"suggestion_ttl": s.cfg.SuggestionTTL.String(),
	}).Info("Healgate API server listening")

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and disconnects event stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger records each request at debug level. Gin's own logger is
// bypassed so all output flows through the shared logrus formatter.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	}
}

// authMiddleware verifies the management key against the configured key
// list. Keys stored as bcrypt hashes are verified with bcrypt; plaintext
// entries (keys injected via environment at runtime) fall back to a
// constant-time comparison.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		key := extractAPIKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing api key",
			})
			return
		}

		for _, stored := range s.cfg.APIKeys {
			if looksLikeBcrypt(stored) {
				if bcrypt.CompareHashAndPassword([]byte(stored), []byte(key)) == nil {
					c.Next()
					return
				}
				continue
			}
			if subtle.ConstantTimeCompare([]byte(stored), []byte(key)) == 1 {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "invalid api key",
		})
	}
}

// extractAPIKey pulls the key from the Authorization bearer header or
// the X-API-Key header. Websocket clients cannot set headers from
// browsers, so the events endpoint also accepts an api_key query value.
func extractAPIKey(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	return c.Query("api_key")
}

// looksLikeBcrypt reports whether the string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}
