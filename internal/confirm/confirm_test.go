// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package confirm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForPending(t *testing.T, b *Broker) Pending {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p := b.Pending(); len(p) > 0 {
			return p[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no pending confirmation appeared")
	return Pending{}
}

func TestConfirm_Approved(t *testing.T) {
	b := New(time.Second)

	done := make(chan struct{})
	var approved bool
	var confirmErr error
	go func() {
		approved, confirmErr = b.Confirm(context.Background(), "heal id=old-login -> id=login-btn")
		close(done)
	}()

	p := waitForPending(t, b)
	if p.Prompt != "heal id=old-login -> id=login-btn" {
		t.Errorf("pending prompt = %q", p.Prompt)
	}
	if err := b.Resolve(p.ID, true); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	<-done
	if confirmErr != nil {
		t.Fatalf("Confirm() error: %v", confirmErr)
	}
	if !approved {
		t.Error("Confirm() = false, want approval")
	}
	if len(b.Pending()) != 0 {
		t.Error("resolved confirmation still pending")
	}
}

func TestConfirm_Denied(t *testing.T) {
	b := New(time.Second)

	done := make(chan struct{})
	var approved bool
	go func() {
		approved, _ = b.Confirm(context.Background(), "heal something")
		close(done)
	}()

	p := waitForPending(t, b)
	if err := b.Resolve(p.ID, false); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	<-done
	if approved {
		t.Error("Confirm() = true after denial")
	}
}

func TestConfirm_Timeout(t *testing.T) {
	b := New(20 * time.Millisecond)

	start := time.Now()
	approved, err := b.Confirm(context.Background(), "heal something")
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if approved {
		t.Error("Confirm() = true after timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Confirm() took %s, should time out after ~20ms", elapsed)
	}
	if len(b.Pending()) != 0 {
		t.Error("timed-out confirmation still pending")
	}
}

func TestConfirm_ContextCancelled(t *testing.T) {
	b := New(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var approved bool
	var confirmErr error
	go func() {
		approved, confirmErr = b.Confirm(ctx, "heal something")
		close(done)
	}()

	waitForPending(t, b)
	cancel()
	<-done

	if !errors.Is(confirmErr, context.Canceled) {
		t.Errorf("Confirm() error = %v, want context.Canceled", confirmErr)
	}
	if approved {
		t.Error("Confirm() = true after cancellation")
	}
	if len(b.Pending()) != 0 {
		t.Error("cancelled confirmation still pending")
	}
}

func TestResolve_UnknownID(t *testing.T) {
	b := New(time.Second)

	if err := b.Resolve("nope", true); !errors.Is(err, ErrUnknownConfirmation) {
		t.Errorf("Resolve() error = %v, want ErrUnknownConfirmation", err)
	}
}

func TestResolve_IsOneShot(t *testing.T) {
	b := New(time.Second)

	done := make(chan struct{})
	go func() {
		b.Confirm(context.Background(), "heal something")
		close(done)
	}()

	p := waitForPending(t, b)
	if err := b.Resolve(p.ID, true); err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	if err := b.Resolve(p.ID, false); !errors.Is(err, ErrUnknownConfirmation) {
		t.Errorf("second Resolve() error = %v, want ErrUnknownConfirmation", err)
	}
	<-done
}

func TestPending_ListsAllWaiters(t *testing.T) {
	b := New(time.Second)

	for i := 0; i < 3; i++ {
		go b.Confirm(context.Background(), "heal something")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(b.Pending()) < 3 {
		time.Sleep(time.Millisecond)
	}

	pending := b.Pending()
	if len(pending) != 3 {
		t.Fatalf("Pending() returned %d entries, want 3", len(pending))
	}
	for _, p := range pending {
		if !p.ExpiresAt.After(p.CreatedAt) {
			t.Errorf("pending %s expires at %s, before created %s", p.ID, p.ExpiresAt, p.CreatedAt)
		}
		if err := b.Resolve(p.ID, false); err != nil {
			t.Errorf("Resolve(%s) error: %v", p.ID, err)
		}
	}
}

func TestNotify(t *testing.T) {
	notified := make(chan Pending, 1)
	b := New(time.Second, WithNotify(func(p Pending) { notified <- p }))

	go b.Confirm(context.Background(), "heal css=.old -> id=new")

	select {
	case p := <-notified:
		if p.Prompt != "heal css=.old -> id=new" {
			t.Errorf("notified prompt = %q", p.Prompt)
		}
		if err := b.Resolve(p.ID, false); err != nil {
			t.Errorf("Resolve() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("notify callback never fired")
	}
}
