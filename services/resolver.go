package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ref-keeper/models"
	"ref-keeper/search"
)

// ErrRetryable wraps persistence conflicts. Resolution is idempotent, the
// caller re-enters from the top.
var ErrRetryable = errors.New("retryable persistence conflict")

// ErrChainTooDeep signals that following duplicate pointers did not reach a
// root canonical within the configured bound.
var ErrChainTooDeep = errors.New("duplicate chain exceeds maximum depth")

// Resolver turns normalizer, matcher and scorer output into one committed
// decision per reference.
type Resolver struct {
	DB        *gorm.DB
	Matcher   *ShortcutMatcher
	Nominator *Nominator
	Scorer    *Scorer
	Params    Params
	Logger    *zap.Logger
}

func NewResolver(db *gorm.DB, index search.Index, params Params, logger *zap.Logger) *Resolver {
	return &Resolver{
		DB:        db,
		Matcher:   NewShortcutMatcher(db, params, logger),
		Nominator: NewNominator(index, params, logger),
		Scorer:    NewScorer(params),
		Params:    params,
		Logger:    logger,
	}
}

// Resolve recomputes the duplicate decision for a reference from scratch and
// commits it. Re-running with unchanged inputs and committed state returns
// the existing active decision without writing.
func (r *Resolver) Resolve(ctx context.Context, refID uuid.UUID) (*models.ReferenceDuplicateDecision, error) {
	log := r.Logger.With(zap.String("reference_id", refID.String()))

	var ids []models.ExternalIdentifier
	if err := r.DB.WithContext(ctx).Where("reference_id = ?", refID).Find(&ids).Error; err != nil {
		return nil, err
	}
	title, authors, err := BibliographicOf(ctx, r.DB, refID)
	if err != nil {
		return nil, err
	}

	det, canonical, confidence, depth, err := r.compute(ctx, refID, ids, title, authors)
	if err != nil {
		return nil, err
	}

	decision, err := r.commit(ctx, refID, det, canonical, confidence, depth)
	if err != nil {
		return nil, err
	}
	log.Info("reference resolved",
		zap.String("determination", string(det)),
		zap.Float64("confidence", confidence),
		zap.Int("chain_depth", depth))
	return decision, nil
}

func (r *Resolver) compute(ctx context.Context, refID uuid.UUID, ids []models.ExternalIdentifier, title string, authors []string) (models.Determination, *uuid.UUID, float64, int, error) {
	shortcut, err := r.Matcher.Match(ctx, refID, ids)
	if err != nil {
		return "", nil, 0, 0, err
	}

	switch shortcut.Outcome {
	case ShortcutExactDuplicate:
		if shortcut.ChainDepth+1 > r.Params.MaxChainDepth {
			return models.DeterminationDecoupled, nil, 0, shortcut.ChainDepth + 1, nil
		}
		canonical := shortcut.CanonicalID
		return models.DeterminationExactDuplicate, &canonical, 1.0, shortcut.ChainDepth + 1, nil
	case ShortcutDuplicate:
		if shortcut.ChainDepth+1 > r.Params.MaxChainDepth {
			return models.DeterminationDecoupled, nil, 0, shortcut.ChainDepth + 1, nil
		}
		canonical := shortcut.CanonicalID
		return models.DeterminationDuplicate, &canonical, 1.0, shortcut.ChainDepth + 1, nil
	case ShortcutDecoupled:
		return models.DeterminationDecoupled, nil, 0, 0, nil
	}

	hasSafe := false
	for _, id := range ids {
		if id.Safe {
			hasSafe = true
			break
		}
	}

	candidates, err := r.Nominator.Nominate(ctx, title)
	if err != nil {
		return "", nil, 0, 0, err
	}
	if !hasSafe && !r.Nominator.Searchable(title) {
		// Nothing to match on at all; surfaced as a state, not an error.
		return models.DeterminationUnsearchable, nil, 0, 0, nil
	}

	type highMatch struct {
		root  uuid.UUID
		depth int
		score CandidateScore
	}
	best := make(map[uuid.UUID]highMatch)
	for _, cand := range candidates {
		if cand.ReferenceID == refID {
			continue
		}
		candTitle, candAuthors, err := BibliographicOf(ctx, r.DB, cand.ReferenceID)
		if err != nil {
			return "", nil, 0, 0, err
		}
		score := r.Scorer.Score(cand.ReferenceID, title, authors, candTitle, candAuthors)
		if score.Tier != TierHigh {
			continue
		}
		root, walk, err := rootOf(ctx, r.DB, cand.ReferenceID, r.Params.MaxChainDepth)
		if errors.Is(err, ErrChainTooDeep) {
			return models.DeterminationDecoupled, nil, 0, 0, nil
		}
		if err != nil {
			return "", nil, 0, 0, err
		}
		if root == refID {
			// The candidate already points back at this reference.
			continue
		}
		if cur, ok := best[root]; !ok || score.Combined > cur.score.Combined {
			best[root] = highMatch{root: root, depth: walk, score: score}
		}
	}

	switch len(best) {
	case 0:
		return models.DeterminationCanonical, nil, 0, 0, nil
	case 1:
		for root, m := range best {
			if m.depth+1 > r.Params.MaxChainDepth {
				return models.DeterminationDecoupled, nil, 0, m.depth + 1, nil
			}
			canonical := root
			return models.DeterminationDuplicate, &canonical, m.score.Combined, m.depth + 1, nil
		}
	}
	// Multiple high-confidence candidates pointing at different canonicals:
	// never guess.
	return models.DeterminationDecoupled, nil, 0, 0, nil
}

// commit atomically supersedes the previous active decision. The unique index
// on (reference_id, active_decision) stops racing commits.
func (r *Resolver) commit(ctx context.Context, refID uuid.UUID, det models.Determination, canonical *uuid.UUID, confidence float64, chainDepth int) (*models.ReferenceDuplicateDecision, error) {
	var current models.ReferenceDuplicateDecision
	err := r.DB.WithContext(ctx).
		Where("reference_id = ? AND active_decision = ?", refID, true).
		First(&current).Error
	switch {
	case err == nil:
		if current.Determination == det && uuidPtrEqual(current.CanonicalReferenceID, canonical) {
			// Stable outcome; re-resolution must not flip it or add rows.
			return &current, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First decision for this reference.
	default:
		return nil, err
	}

	active := true
	next := &models.ReferenceDuplicateDecision{
		ReferenceID:          refID,
		CanonicalReferenceID: canonical,
		Determination:        det,
		Confidence:           confidence,
		ActiveDecision:       &active,
		ChainDepth:           chainDepth,
	}
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ReferenceDuplicateDecision{}).
			Where("reference_id = ? AND active_decision = ?", refID, true).
			Update("active_decision", nil).Error; err != nil {
			return err
		}
		return tx.Create(next).Error
	})
	if err != nil {
		return nil, classifyCommitErr(err)
	}
	return next, nil
}

// ActiveDecision fetches the live decision row for a reference, or nil when
// the reference is still unresolved.
func ActiveDecision(ctx context.Context, db *gorm.DB, refID uuid.UUID) (*models.ReferenceDuplicateDecision, error) {
	var d models.ReferenceDuplicateDecision
	err := db.WithContext(ctx).
		Where("reference_id = ? AND active_decision = ?", refID, true).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// rootOf follows active duplicate decisions to the root canonical. Pointers
// are path-compressed; the walk stays bounded regardless.
func rootOf(ctx context.Context, db *gorm.DB, refID uuid.UUID, maxHops int) (uuid.UUID, int, error) {
	current := refID
	for hop := 0; hop <= maxHops; hop++ {
		d, err := ActiveDecision(ctx, db, current)
		if err != nil {
			return uuid.Nil, 0, err
		}
		if d == nil || d.CanonicalReferenceID == nil ||
			(d.Determination != models.DeterminationDuplicate && d.Determination != models.DeterminationExactDuplicate) {
			return current, hop, nil
		}
		if *d.CanonicalReferenceID == current {
			// Self-pointing canonical form.
			return current, hop, nil
		}
		current = *d.CanonicalReferenceID
	}
	return uuid.Nil, 0, fmt.Errorf("%w: starting at %s", ErrChainTooDeep, refID)
}

// BibliographicOf returns the newest non-empty title and author list from a
// reference's bibliographic enhancements.
func BibliographicOf(ctx context.Context, db *gorm.DB, refID uuid.UUID) (string, []string, error) {
	var rows []models.Enhancement
	err := db.WithContext(ctx).
		Where("reference_id = ? AND type = ?", refID, models.EnhancementBibliographic).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return "", nil, err
	}
	var title string
	var authors []string
	for _, row := range rows {
		var p models.BibliographicPayload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			continue
		}
		if title == "" && p.Title != "" {
			title = p.Title
		}
		if authors == nil && len(p.Authors) > 0 {
			authors = p.Authors
		}
		if title != "" && authors != nil {
			break
		}
	}
	return title, authors, nil
}

func classifyCommitErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	return err
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
