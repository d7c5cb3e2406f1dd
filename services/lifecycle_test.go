package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"ref-keeper/models"
)

func TestLifecycleHappyPath(t *testing.T) {
	db := openTestDB(t)
	m := NewLifecycleManager(db, 30*time.Minute, zap.NewNop())
	ctx := context.Background()

	refID := seedReference(t, db, "", nil)
	pe, err := m.Create(ctx, refID, "abstract-robot")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pe.Status != models.PendingStatusPending {
		t.Fatalf("got %s", pe.Status)
	}

	pe, err = m.Claim(ctx, pe.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if pe.Status != models.PendingStatusProcessing {
		t.Fatalf("got %s", pe.Status)
	}
	if pe.LeaseExpiry == nil || !pe.LeaseExpiry.After(time.Now().UTC()) {
		t.Fatalf("claim must attach a future lease deadline, got %v", pe.LeaseExpiry)
	}

	for _, step := range []models.PendingStatus{
		models.PendingStatusImporting,
		models.PendingStatusIndexing,
		models.PendingStatusCompleted,
	} {
		pe, err = m.Transition(ctx, pe.ID, step, "")
		if err != nil {
			t.Fatalf("transition to %s: %v", step, err)
		}
	}
	if !pe.Status.Terminal() {
		t.Fatalf("completed must be terminal")
	}
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	db := openTestDB(t)
	m := NewLifecycleManager(db, 30*time.Minute, zap.NewNop())
	ctx := context.Background()

	refID := seedReference(t, db, "", nil)
	pe, err := m.Create(ctx, refID, "robot")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// pending cannot jump straight to completed.
	if _, err := m.Transition(ctx, pe.ID, models.PendingStatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}

	// A second claim on the same row loses.
	if _, err := m.Claim(ctx, pe.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := m.Claim(ctx, pe.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition on double claim, got %v", err)
	}

	// Terminal states have no outgoing edges.
	if _, err := m.Transition(ctx, pe.ID, models.PendingStatusFailed, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := m.Transition(ctx, pe.ID, models.PendingStatusProcessing, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition out of terminal, got %v", err)
	}
}

func TestLifecycleLeaseExpiry(t *testing.T) {
	db := openTestDB(t)
	m := NewLifecycleManager(db, time.Minute, zap.NewNop())
	ctx := context.Background()

	refID := seedReference(t, db, "", nil)
	pe, err := m.Create(ctx, refID, "robot")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Claim(ctx, pe.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Nothing is overdue yet.
	n, err := m.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired %d rows before the deadline", n)
	}

	// Sweep from the future: the lease has passed.
	n, err = m.ExpireOverdue(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 expired row, got %d", n)
	}

	// A result arriving after expiry is rejected.
	if _, err := m.Transition(ctx, pe.ID, models.PendingStatusImporting, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("late result must lose, got %v", err)
	}
}

func TestLifecycleDiscardForReference(t *testing.T) {
	db := openTestDB(t)
	m := NewLifecycleManager(db, time.Minute, zap.NewNop())
	ctx := context.Background()

	refID := seedReference(t, db, "", nil)
	open, err := m.Create(ctx, refID, "robot-a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := m.Create(ctx, refID, "robot-b")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Claim(ctx, done.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Transition(ctx, done.ID, models.PendingStatusFailed, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	n, err := m.DiscardForReference(ctx, refID)
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if n != 1 {
		t.Fatalf("only non-terminal work is discarded, got %d", n)
	}

	var got models.PendingEnhancement
	if err := db.First(&got, "id = ?", open.ID).Error; err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Status != models.PendingStatusDiscarded {
		t.Fatalf("got %s", got.Status)
	}
}
