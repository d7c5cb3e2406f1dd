package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ref-keeper/models"
)

// ShortcutOutcome classifies identifier-based matching before any text search.
type ShortcutOutcome int

const (
	ShortcutNone ShortcutOutcome = iota
	ShortcutExactDuplicate
	ShortcutDuplicate
	ShortcutDecoupled
)

// ShortcutResult is the outcome of trust-tier identifier matching.
type ShortcutResult struct {
	Outcome ShortcutOutcome

	// MatchedReferenceID is the existing reference with an identical
	// identifier set (exact duplicates only).
	MatchedReferenceID uuid.UUID

	// CanonicalID is the single root canonical all matches agree on
	// (duplicate and exact outcomes).
	CanonicalID uuid.UUID

	// ChainDepth is the deepest walk performed while resolving roots.
	ChainDepth int
}

// ShortcutMatcher resolves duplicates on high-trust identifiers alone,
// bypassing text search entirely.
type ShortcutMatcher struct {
	DB     *gorm.DB
	Params Params
	Logger *zap.Logger
}

func NewShortcutMatcher(db *gorm.DB, params Params, logger *zap.Logger) *ShortcutMatcher {
	return &ShortcutMatcher{DB: db, Params: params, Logger: logger}
}

// Match walks trust tiers from highest to lowest. selfID excludes the
// reference being resolved; pass uuid.Nil at import time. Only safe
// identifiers take part in lookups, unsafe ones still count for the
// exact-set comparison.
func (m *ShortcutMatcher) Match(ctx context.Context, selfID uuid.UUID, ids []models.ExternalIdentifier) (ShortcutResult, error) {
	incomingSet := identifierKeySet(ids)

	byType := make(map[models.IdentifierType][]string)
	for _, id := range ids {
		if id.Safe && id.Value != "" {
			byType[id.Type] = append(byType[id.Type], id.Value)
		}
	}

	roots := make(map[uuid.UUID]struct{})
	maxDepth := 0
	exactChecked := false

	for _, tier := range models.TrustOrder() {
		values := byType[tier]
		if len(values) == 0 {
			continue
		}

		var matched []models.ExternalIdentifier
		q := m.DB.WithContext(ctx).
			Where("type = ? AND value IN ?", tier, values)
		if selfID != uuid.Nil {
			q = q.Where("reference_id <> ?", selfID)
		}
		if err := q.Find(&matched).Error; err != nil {
			return ShortcutResult{}, err
		}
		if len(matched) == 0 {
			continue
		}

		matchedRefs := make(map[uuid.UUID]struct{})
		for _, row := range matched {
			matchedRefs[row.ReferenceID] = struct{}{}
		}

		// Exact check happens once, at the highest tier that produced a match.
		if !exactChecked {
			exactChecked = true
			for refID := range matchedRefs {
				same, err := m.identicalIdentifierSet(ctx, refID, incomingSet)
				if err != nil {
					return ShortcutResult{}, err
				}
				if !same {
					continue
				}
				root, depth, err := rootOf(ctx, m.DB, refID, m.Params.MaxChainDepth)
				if errors.Is(err, ErrChainTooDeep) {
					return ShortcutResult{Outcome: ShortcutDecoupled}, nil
				}
				if err != nil {
					return ShortcutResult{}, err
				}
				return ShortcutResult{
					Outcome:            ShortcutExactDuplicate,
					MatchedReferenceID: refID,
					CanonicalID:        root,
					ChainDepth:         depth,
				}, nil
			}
		}

		for refID := range matchedRefs {
			root, depth, err := rootOf(ctx, m.DB, refID, m.Params.MaxChainDepth)
			if errors.Is(err, ErrChainTooDeep) {
				// Cannot tell which canonical this match belongs to; a guess
				// here could merge unrelated works.
				return ShortcutResult{Outcome: ShortcutDecoupled}, nil
			}
			if err != nil {
				return ShortcutResult{}, err
			}
			if depth > maxDepth {
				maxDepth = depth
			}
			roots[root] = struct{}{}
		}
	}

	switch len(roots) {
	case 0:
		return ShortcutResult{Outcome: ShortcutNone}, nil
	case 1:
		for root := range roots {
			return ShortcutResult{Outcome: ShortcutDuplicate, CanonicalID: root, ChainDepth: maxDepth}, nil
		}
	}

	m.Logger.Info("identifier matches span multiple canonicals, flagging for review",
		zap.Int("distinct_canonicals", len(roots)))
	return ShortcutResult{Outcome: ShortcutDecoupled}, nil
}

// identicalIdentifierSet compares a stored reference's identifier set against
// the incoming (type, value) set.
func (m *ShortcutMatcher) identicalIdentifierSet(ctx context.Context, refID uuid.UUID, incoming map[string]struct{}) (bool, error) {
	var existing []models.ExternalIdentifier
	if err := m.DB.WithContext(ctx).Where("reference_id = ?", refID).Find(&existing).Error; err != nil {
		return false, err
	}
	if len(existing) != len(incoming) {
		return false, nil
	}
	for _, id := range existing {
		if _, ok := incoming[id.Key()]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func identifierKeySet(ids []models.ExternalIdentifier) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id.Key()] = struct{}{}
	}
	return set
}
