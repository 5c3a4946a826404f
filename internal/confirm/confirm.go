// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package confirm implements the operator approval step behind the
// CONFIRM healing policy. A heal attempt blocks on Confirm until an
// operator verdict arrives through the HTTP facade or the decision
// timeout elapses; timeouts and denials degrade the heal to SUGGESTED.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultTimeout = 60 * time.Second

// ErrUnknownConfirmation is returned by Resolve for ids that are not
// pending, including ids already resolved once. Verdicts are one-shot.
var ErrUnknownConfirmation = errors.New("confirm: unknown or already resolved confirmation")

// Pending describes one confirmation awaiting a verdict.
type Pending struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pendingConfirmation struct {
	Pending
	verdict chan bool
}

// Broker tracks pending confirmations and routes operator verdicts to
// the heal attempts waiting on them. Safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingConfirmation
	timeout time.Duration
	notify  func(Pending)
}

// Option configures a Broker.
type Option func(*Broker)

// WithNotify registers a callback invoked whenever a confirmation is
// registered. The event hub uses it to surface pending confirmations to
// connected operator UIs. The callback must not block.
func WithNotify(fn func(Pending)) Option {
	return func(b *Broker) { b.notify = fn }
}

// New creates a Broker. A non-positive timeout means 60 seconds.
func New(timeout time.Duration, opts ...Option) *Broker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	b := &Broker{
		pending: make(map[string]*pendingConfirmation),
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Confirm registers a pending confirmation and blocks until an operator
// verdict, the decision timeout, or context cancellation. A timeout is
// not an error: it returns (false, nil) and the caller degrades the heal
// to a suggestion.
func (b *Broker) Confirm(ctx context.Context, prompt string) (bool, error) {
	now := time.Now().UTC()
	p := &pendingConfirmation{
		Pending: Pending{
			ID:        uuid.New().String(),
			Prompt:    prompt,
			CreatedAt: now,
			ExpiresAt: now.Add(b.timeout),
		},
		verdict: make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[p.ID] = p
	b.mu.Unlock()

	log.WithFields(log.Fields{
		"confirmation_id": p.ID,
		"timeout":         b.timeout,
	}).Info("Healing confirmation pending")
	if b.notify != nil {
		b.notify(p.Pending)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case approved := <-p.verdict:
		return approved, nil
	case <-timer.C:
		b.remove(p.ID)
		// A verdict can land in the same instant the timer fires; it
		// wins over the timeout.
		select {
		case approved := <-p.verdict:
			return approved, nil
		default:
		}
		log.WithField("confirmation_id", p.ID).Info("Healing confirmation timed out")
		return false, nil
	case <-ctx.Done():
		b.remove(p.ID)
		return false, ctx.Err()
	}
}

// Resolve delivers an operator verdict. Each pending confirmation
// accepts exactly one verdict; later calls get ErrUnknownConfirmation.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownConfirmation
	}
	p.verdict <- approved
	log.WithFields(log.Fields{
		"confirmation_id": id,
		"approved":        approved,
	}).Info("Healing confirmation resolved")
	return nil
}

// Pending returns a snapshot of the confirmations awaiting a verdict.
func (b *Broker) Pending() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.Pending)
	}
	return out
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
