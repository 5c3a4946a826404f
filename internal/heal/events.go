// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package heal

import (
	"time"

	"github.com/healgate/healgate/internal/heal/types"
)

// Lifecycle event types emitted by the engine.
const (
	EventHealStarted   = "heal.started"
	EventHealCompleted = "heal.completed"
	EventBreakerOpened = "breaker.opened"
)

// Event is a lifecycle notification for external observers (the
// websocket hub, primarily). Fields are populated as far as the attempt
// progressed.
type Event struct {
	Type      string        `json:"type"`
	HealID    string        `json:"heal_id,omitempty"`
	Outcome   types.Outcome `json:"outcome,omitempty"`
	Locator   string        `json:"locator,omitempty"`
	PageURL   string        `json:"page_url,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventFunc receives engine lifecycle events. Implementations must not
// block; the engine calls them inline.
type EventFunc func(Event)

func (e *Engine) emit(ev Event) {
	if e.eventFn == nil {
		return
	}
	ev.Timestamp = e.nowFunc().UTC()
	e.eventFn(ev)
}
