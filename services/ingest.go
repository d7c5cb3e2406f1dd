package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ref-keeper/models"
	"ref-keeper/search"
	"ref-keeper/storage"
)

// IngestInput is one incoming reference at the boundary. Identifiers use the
// "type:value" / "other:name:value" string form.
type IngestInput struct {
	Identifiers []string `json:"identifiers"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Year        int      `json:"year"`
	Journal     string   `json:"journal"`
	Publisher   string   `json:"publisher"`
	Abstract    string   `json:"abstract"`
	Visibility  string   `json:"visibility"`
	Source      string   `json:"source"`
}

// IngestResult reports what happened to one incoming reference.
type IngestResult struct {
	ReferenceID          uuid.UUID            `json:"reference_id"`
	Determination        models.Determination `json:"determination"`
	CanonicalReferenceID *uuid.UUID           `json:"canonical_reference_id,omitempty"`
	Confidence           float64              `json:"confidence"`
	Created              bool                 `json:"created"`
}

// IngestService runs the whole pipeline for incoming references: normalize,
// persist, index, resolve. It owns the bounded retry around resolution.
type IngestService struct {
	DB        *gorm.DB
	Index     search.Index
	Resolver  *Resolver
	Lifecycle *LifecycleManager
	Projector *Projector
	Blobs     *storage.BlobStore
	Logger    *zap.Logger
	Retry     RetryPolicy

	// BlobInlineLimit is the payload size above which raw/full_text
	// enhancements move to the blob store.
	BlobInlineLimit int
}

// Ingest processes one incoming reference. An exact identifier-set match
// short-circuits the import: no new reference is persisted and pending
// enrichment work for the surviving reference's record is untouched.
func (s *IngestService) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	ids, dropped := ParseIdentifiers(in.Identifiers)
	if dropped > 0 {
		s.Logger.Warn("dropped malformed identifiers during ingest",
			zap.Int("dropped", dropped), zap.String("title", in.Title))
	}

	// Pre-persist shortcut check: a reference identical to an existing one
	// never enters the store.
	shortcut, err := s.Resolver.Matcher.Match(ctx, uuid.Nil, ids)
	if err != nil {
		return nil, err
	}
	if shortcut.Outcome == ShortcutExactDuplicate {
		s.Logger.Info("import short-circuited, identifier set already known",
			zap.String("matched_reference_id", shortcut.MatchedReferenceID.String()))
		canonical := shortcut.CanonicalID
		return &IngestResult{
			ReferenceID:          shortcut.MatchedReferenceID,
			Determination:        models.DeterminationExactDuplicate,
			CanonicalReferenceID: &canonical,
			Confidence:           1.0,
			Created:              false,
		}, nil
	}

	ref := &models.Reference{Visibility: in.Visibility}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ref).Error; err != nil {
			return err
		}
		for i := range ids {
			ids[i].ReferenceID = ref.ID
		}
		if len(ids) > 0 {
			if err := tx.Create(&ids).Error; err != nil {
				return err
			}
		}
		return createSeedEnhancements(tx, ref.ID, in)
	})
	if err != nil {
		return nil, classifyCommitErr(err)
	}

	if err := s.Index.IndexReference(ctx, ref.ID, TokenizeTitle(in.Title)); err != nil {
		// The index is derived; re-evaluation catches up later.
		s.Logger.Warn("failed to index reference title", zap.Error(err),
			zap.String("reference_id", ref.ID.String()))
	}

	decision, err := s.resolveWithRetry(ctx, ref.ID)
	if err != nil {
		return nil, err
	}

	s.afterDecision(ctx, ref.ID, decision)

	return &IngestResult{
		ReferenceID:          ref.ID,
		Determination:        decision.Determination,
		CanonicalReferenceID: decision.CanonicalReferenceID,
		Confidence:           decision.Confidence,
		Created:              true,
	}, nil
}

// Reevaluate re-runs resolution for an existing reference, applying the same
// retry contract as import.
func (s *IngestService) Reevaluate(ctx context.Context, refID uuid.UUID) (*models.ReferenceDuplicateDecision, error) {
	decision, err := s.resolveWithRetry(ctx, refID)
	if err != nil {
		return nil, err
	}
	s.afterDecision(ctx, refID, decision)
	return decision, nil
}

// ReevaluateStale sweeps references whose active decision may predate full
// index coverage: every unsearchable decision, plus canonical decisions
// committed within the staleness window. The search index lags imports within
// a batch, so a duplicate can land canonical until the index catches up.
func (s *IngestService) ReevaluateStale(ctx context.Context, batchSize int, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	var rows []models.ReferenceDuplicateDecision
	err := s.DB.WithContext(ctx).
		Where("active_decision = ?", true).
		Where("determination = ? OR (determination = ? AND created_at > ?)",
			models.DeterminationUnsearchable, models.DeterminationCanonical, cutoff).
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := 0
	semaphore := make(chan struct{}, 5)

	for _, row := range rows {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(refID uuid.UUID, previous models.Determination) {
			defer wg.Done()
			defer func() { <-semaphore }()

			decision, err := s.Reevaluate(ctx, refID)
			if err != nil {
				s.Logger.Error("re-evaluation failed", zap.Error(err),
					zap.String("reference_id", refID.String()))
				return
			}
			if decision.Determination != previous {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}(row.ReferenceID, row.Determination)
	}
	wg.Wait()

	s.Logger.Info("re-evaluation sweep finished",
		zap.Int("swept", len(rows)), zap.Int("changed", changed))
	return changed, nil
}

// AppendEnhancement adds one immutable metadata layer to a reference.
// Oversized raw/full_text payloads move to the blob store; bibliographic
// layers refresh the search index.
func (s *IngestService) AppendEnhancement(ctx context.Context, refID uuid.UUID, typ models.EnhancementType, payload json.RawMessage, source string) (*models.Enhancement, error) {
	if !models.KnownEnhancementType(typ) {
		return nil, fmt.Errorf("unknown enhancement type %q", typ)
	}

	e := &models.Enhancement{
		ID:          uuid.New(),
		ReferenceID: refID,
		Type:        typ,
		Source:      source,
	}

	offload := s.Blobs != nil &&
		(typ == models.EnhancementRaw || typ == models.EnhancementFullText) &&
		len(payload) > s.BlobInlineLimit
	if offload {
		key := storage.EnhancementKey(e.ID.String())
		if err := s.Blobs.Put(ctx, key, payload); err != nil {
			return nil, err
		}
		e.BlobKey = key
	} else {
		e.Payload = []byte(payload)
	}

	if err := s.DB.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}

	if typ == models.EnhancementBibliographic {
		title, _, err := BibliographicOf(ctx, s.DB, refID)
		if err == nil && title != "" {
			if err := s.Index.IndexReference(ctx, refID, TokenizeTitle(title)); err != nil {
				s.Logger.Warn("failed to refresh index after enhancement", zap.Error(err))
			}
		}
	}
	s.Projector.Invalidate(ctx, refID)

	return e, nil
}

func (s *IngestService) resolveWithRetry(ctx context.Context, refID uuid.UUID) (*models.ReferenceDuplicateDecision, error) {
	var decision *models.ReferenceDuplicateDecision
	err := s.Retry.Run(ctx, func() error {
		var err error
		decision, err = s.Resolver.Resolve(ctx, refID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// afterDecision applies the cross-cutting consequences of a fresh decision:
// exact duplicates discard their pending enrichment work, and the affected
// group's projection cache entry goes stale.
func (s *IngestService) afterDecision(ctx context.Context, refID uuid.UUID, decision *models.ReferenceDuplicateDecision) {
	if decision.Determination == models.DeterminationExactDuplicate {
		if n, err := s.Lifecycle.DiscardForReference(ctx, refID); err != nil {
			s.Logger.Error("failed to discard pending enhancements", zap.Error(err))
		} else if n > 0 {
			s.Logger.Info("discarded pending enhancements for exact duplicate",
				zap.Int64("count", n), zap.String("reference_id", refID.String()))
		}
	}
	s.Projector.Invalidate(ctx, refID)
	if decision.CanonicalReferenceID != nil {
		s.Projector.Invalidate(ctx, *decision.CanonicalReferenceID)
	}
}

func createSeedEnhancements(tx *gorm.DB, refID uuid.UUID, in IngestInput) error {
	bib := models.BibliographicPayload{
		Title:     in.Title,
		Authors:   in.Authors,
		Year:      in.Year,
		Journal:   in.Journal,
		Publisher: in.Publisher,
	}
	if bib.Title != "" || len(bib.Authors) > 0 || bib.Year != 0 || bib.Journal != "" || bib.Publisher != "" {
		payload, err := json.Marshal(bib)
		if err != nil {
			return err
		}
		e := models.Enhancement{
			ReferenceID: refID,
			Type:        models.EnhancementBibliographic,
			Payload:     payload,
			Source:      in.Source,
		}
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
	}
	if in.Abstract != "" {
		payload, err := json.Marshal(models.AbstractPayload{Abstract: in.Abstract})
		if err != nil {
			return err
		}
		e := models.Enhancement{
			ReferenceID: refID,
			Type:        models.EnhancementAbstract,
			Payload:     payload,
			Source:      in.Source,
		}
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
	}
	return nil
}
