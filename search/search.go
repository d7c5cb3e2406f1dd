package search

import (
	"context"

	"github.com/google/uuid"
)

// Candidate is one nominated reference with its relevance score (share of
// query tokens it matched).
type Candidate struct {
	ReferenceID uuid.UUID `json:"reference_id"`
	Score       float64   `json:"score"`
}

// Index is the text-search collaborator used for candidate nomination. It is
// a derived, rebuildable structure and may lag the source of truth: a
// reference imported moments ago is allowed to be missing from results.
type Index interface {
	// Search returns up to limit candidates ranked by token overlap.
	Search(ctx context.Context, tokens []string, limit int) ([]Candidate, error)

	// IndexReference replaces the token set stored for a reference.
	IndexReference(ctx context.Context, referenceID uuid.UUID, tokens []string) error

	// Remove drops a reference from the index.
	Remove(ctx context.Context, referenceID uuid.UUID) error
}
