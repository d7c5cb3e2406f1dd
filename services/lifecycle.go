package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ref-keeper/models"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// lifecycle table, including results arriving for already-expired leases.
var ErrInvalidTransition = errors.New("invalid pending enhancement transition")

// pendingTransitions is the allowed forward edge set. Terminal states have no
// outgoing edges; a new attempt is a new row.
var pendingTransitions = map[models.PendingStatus][]models.PendingStatus{
	models.PendingStatusPending: {
		models.PendingStatusProcessing,
		models.PendingStatusDiscarded,
	},
	models.PendingStatusProcessing: {
		models.PendingStatusImporting,
		models.PendingStatusFailed,
		models.PendingStatusDiscarded,
		models.PendingStatusExpired,
	},
	models.PendingStatusImporting: {
		models.PendingStatusIndexing,
		models.PendingStatusFailed,
		models.PendingStatusDiscarded,
	},
	models.PendingStatusIndexing: {
		models.PendingStatusCompleted,
		models.PendingStatusIndexingFailed,
	},
}

// LifecycleManager tracks enrichment work dispatched to external processors
// and the leases attached to it.
type LifecycleManager struct {
	DB            *gorm.DB
	LeaseDuration time.Duration
	Logger        *zap.Logger
}

func NewLifecycleManager(db *gorm.DB, leaseDuration time.Duration, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{DB: db, LeaseDuration: leaseDuration, Logger: logger}
}

// Create registers newly dispatched enrichment work.
func (m *LifecycleManager) Create(ctx context.Context, refID uuid.UUID, robot string) (*models.PendingEnhancement, error) {
	pe := &models.PendingEnhancement{
		ReferenceID: refID,
		Robot:       robot,
		Status:      models.PendingStatusPending,
	}
	if err := m.DB.WithContext(ctx).Create(pe).Error; err != nil {
		return nil, err
	}
	return pe, nil
}

// Claim moves a pending row to processing and attaches the lease deadline.
// The conditional update keeps the claim atomic.
func (m *LifecycleManager) Claim(ctx context.Context, id uuid.UUID) (*models.PendingEnhancement, error) {
	deadline := time.Now().UTC().Add(m.LeaseDuration)
	res := m.DB.WithContext(ctx).
		Model(&models.PendingEnhancement{}).
		Where("id = ? AND status = ?", id, models.PendingStatusPending).
		Updates(map[string]interface{}{
			"status":       models.PendingStatusProcessing,
			"lease_expiry": deadline,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: claim on %s", ErrInvalidTransition, id)
	}
	return m.get(ctx, id)
}

// Transition applies one lifecycle step. The row's current status is rechecked
// in the update predicate, so late results racing an expiry sweep lose cleanly.
func (m *LifecycleManager) Transition(ctx context.Context, id uuid.UUID, to models.PendingStatus, reason string) (*models.PendingEnhancement, error) {
	pe, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(pe.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pe.Status, to)
	}

	updates := map[string]interface{}{"status": to}
	if reason != "" {
		updates["error"] = reason
	}
	res := m.DB.WithContext(ctx).
		Model(&models.PendingEnhancement{}).
		Where("id = ? AND status = ?", id, pe.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}
	return m.get(ctx, id)
}

// ExpireOverdue moves processing rows whose lease has passed to expired.
// Expiry is a retryable outcome for the orchestrator, not a failure.
func (m *LifecycleManager) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := m.DB.WithContext(ctx).
		Model(&models.PendingEnhancement{}).
		Where("status = ? AND lease_expiry < ?", models.PendingStatusProcessing, now).
		Update("status", models.PendingStatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		m.Logger.Info("expired overdue enrichment leases", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// DiscardForReference discards all non-terminal pending work for a reference,
// used when the reference turns out to be an exact duplicate.
func (m *LifecycleManager) DiscardForReference(ctx context.Context, refID uuid.UUID) (int64, error) {
	res := m.DB.WithContext(ctx).
		Model(&models.PendingEnhancement{}).
		Where("reference_id = ? AND status IN ?", refID, []models.PendingStatus{
			models.PendingStatusPending,
			models.PendingStatusProcessing,
			models.PendingStatusImporting,
			models.PendingStatusIndexing,
		}).
		Update("status", models.PendingStatusDiscarded)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (m *LifecycleManager) get(ctx context.Context, id uuid.UUID) (*models.PendingEnhancement, error) {
	var pe models.PendingEnhancement
	if err := m.DB.WithContext(ctx).First(&pe, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &pe, nil
}

func transitionAllowed(from, to models.PendingStatus) bool {
	for _, next := range pendingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
