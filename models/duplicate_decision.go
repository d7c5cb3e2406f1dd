package models

import (
	"time"

	"github.com/google/uuid"
)

// Determination is the terminal outcome of one resolution attempt.
type Determination string

const (
	DeterminationUnresolved     Determination = "unresolved"
	DeterminationCanonical      Determination = "canonical"
	DeterminationDuplicate      Determination = "duplicate"
	DeterminationExactDuplicate Determination = "exact_duplicate"
	DeterminationDecoupled      Determination = "decoupled"
	DeterminationUnsearchable   Determination = "unsearchable"
)

// ReferenceDuplicateDecision records one committed resolution outcome for a
// reference. Decisions are append-only: superseding inserts a new row and
// clears the old row's active flag in the same transaction.
//
// ActiveDecision is true on the single live row and NULL on superseded rows.
// The composite unique index on (reference_id, active_decision) makes
// at-most-one-active structural: NULLs never collide, a second true does.
type ReferenceDuplicateDecision struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ReferenceID uuid.UUID `json:"reference_id" gorm:"type:uuid;index;index:idx_decisions_one_active,unique,priority:1"`

	// CanonicalReferenceID always points at a root canonical, never at another
	// duplicate (path-compressed). NULL for canonical/unsearchable/decoupled.
	CanonicalReferenceID *uuid.UUID `json:"canonical_reference_id,omitempty" gorm:"type:uuid;index"`

	Determination  Determination `json:"determination" gorm:"size:32;index"`
	Confidence     float64       `json:"confidence"`
	ActiveDecision *bool         `json:"active_decision,omitempty" gorm:"index:idx_decisions_one_active,unique,priority:2"`
	ChainDepth     int           `json:"chain_depth"`
}

func (ReferenceDuplicateDecision) TableName() string {
	return "reference_duplicate_decisions"
}

// IsActive reports whether this is the live decision row.
func (d *ReferenceDuplicateDecision) IsActive() bool {
	return d.ActiveDecision != nil && *d.ActiveDecision
}
