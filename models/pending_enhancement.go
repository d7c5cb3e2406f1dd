package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PendingStatus is the lifecycle state of one dispatched enrichment attempt.
type PendingStatus string

const (
	PendingStatusPending        PendingStatus = "pending"
	PendingStatusProcessing     PendingStatus = "processing"
	PendingStatusImporting      PendingStatus = "importing"
	PendingStatusIndexing       PendingStatus = "indexing"
	PendingStatusCompleted      PendingStatus = "completed"
	PendingStatusFailed         PendingStatus = "failed"
	PendingStatusIndexingFailed PendingStatus = "indexing_failed"
	PendingStatusDiscarded      PendingStatus = "discarded"
	PendingStatusExpired        PendingStatus = "expired"
)

// Terminal reports whether s ends the attempt. Terminal attempts can still be
// re-dispatched by the orchestrator as fresh rows.
func (s PendingStatus) Terminal() bool {
	switch s {
	case PendingStatusCompleted, PendingStatusFailed, PendingStatusIndexingFailed,
		PendingStatusDiscarded, PendingStatusExpired:
		return true
	}
	return false
}

// PendingEnhancement tracks one unit of enrichment work handed to an external
// processor ("robot"). Entering processing attaches a lease deadline; results
// arriving after the deadline find the row already expired.
type PendingEnhancement struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ReferenceID uuid.UUID     `json:"reference_id" gorm:"type:uuid;index"`
	Robot       string        `json:"robot" gorm:"size:128;index"`
	Status      PendingStatus `json:"status" gorm:"size:32;index"`
	LeaseExpiry *time.Time    `json:"lease_expiry,omitempty" gorm:"index"`
	Error       string        `json:"error,omitempty" gorm:"type:text"`
}

func (PendingEnhancement) TableName() string {
	return "pending_enhancements"
}

func (p *PendingEnhancement) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
