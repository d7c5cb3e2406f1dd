package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ref-keeper/models"
	"ref-keeper/search/pgindex"
)

func newTestIngest(t *testing.T, db *gorm.DB) *IngestService {
	t.Helper()
	index := pgindex.New(db, zap.NewNop())
	return &IngestService{
		DB:              db,
		Index:           index,
		Resolver:        NewResolver(db, index, DefaultParams(), zap.NewNop()),
		Lifecycle:       NewLifecycleManager(db, 30*time.Minute, zap.NewNop()),
		Projector:       NewProjector(db, nil, zap.NewNop()),
		Logger:          zap.NewNop(),
		Retry:           RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		BlobInlineLimit: 1 << 14,
	}
}

func TestIngestCreatesCanonical(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	result, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.1000/first"},
		Title:       "An empirical study of build reproducibility",
		Authors:     []string{"R. Fisher"},
		Abstract:    "We study builds.",
		Visibility:  "public",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Created {
		t.Fatalf("first ingest must create")
	}
	if result.Determination != models.DeterminationCanonical {
		t.Fatalf("got %s", result.Determination)
	}

	var enhancements int64
	if err := db.Model(&models.Enhancement{}).Where("reference_id = ?", result.ReferenceID).Count(&enhancements).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if enhancements != 2 {
		t.Fatalf("want bibliographic and abstract layers, got %d", enhancements)
	}
}

func TestIngestExactDuplicateShortCircuits(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	first, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.1/a"},
		Title:       "Tracked and untracked arrivals of the same work",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Same DOI behind a tracking wrapper normalizes to an identical set.
	second, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:https://doi.org/10.1/a?utm_source=feed"},
		Title:       "Tracked and untracked arrivals of the same work",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Created {
		t.Fatalf("exact duplicate must not persist a new reference")
	}
	if second.Determination != models.DeterminationExactDuplicate {
		t.Fatalf("got %s", second.Determination)
	}
	if second.ReferenceID != first.ReferenceID {
		t.Fatalf("must report the surviving reference")
	}

	var refs int64
	if err := db.Model(&models.Reference{}).Count(&refs).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if refs != 1 {
		t.Fatalf("want 1 stored reference, got %d", refs)
	}
}

func TestIngestDuplicateByIdentifier(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	first, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.2/b", "pmid:42"},
		Title:       "A paper arriving twice with differing identifier sets",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	second, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.2/b"},
		Title:       "A paper arriving twice with differing identifier sets",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Created {
		t.Fatalf("non-exact duplicates are stored")
	}
	if second.Determination != models.DeterminationDuplicate {
		t.Fatalf("got %s", second.Determination)
	}
	if second.CanonicalReferenceID == nil || *second.CanonicalReferenceID != first.ReferenceID {
		t.Fatalf("must point at the first arrival")
	}
}

func TestIngestDiscardsPendingOnExactDuplicateResolve(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	first, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.3/c"},
		Title:       "Enrichment in flight while a duplicate resolves",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Second copy stored before its identifiers are attached, then gains
	// the same set and is re-resolved.
	second, err := s.Ingest(ctx, IngestInput{
		Title:  "Enrichment in flight while a duplicate resolves",
		Source: "test",
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	pending, err := s.Lifecycle.Create(ctx, second.ReferenceID, "abstract-robot")
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	id, _ := ParseIdentifier("doi:10.3/c")
	id.ReferenceID = second.ReferenceID
	if err := db.Create(&id).Error; err != nil {
		t.Fatalf("attach identifier: %v", err)
	}
	decision, err := s.Reevaluate(ctx, second.ReferenceID)
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if decision.Determination != models.DeterminationExactDuplicate {
		t.Fatalf("got %s", decision.Determination)
	}
	_ = first

	var got models.PendingEnhancement
	if err := db.First(&got, "id = ?", pending.ID).Error; err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if got.Status != models.PendingStatusDiscarded {
		t.Fatalf("pending work must be discarded, got %s", got.Status)
	}
}

func TestIngestDropsMalformedIdentifiers(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	result, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.4/d", "notanidentifier"},
		Title:       "Partial identifier sets survive ingestion",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var ids int64
	if err := db.Model(&models.ExternalIdentifier{}).Where("reference_id = ?", result.ReferenceID).Count(&ids).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if ids != 1 {
		t.Fatalf("want 1 stored identifier, got %d", ids)
	}
}

func TestIngestAliasedIdentifiers(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	// Both spellings normalize to (doi, 10.1/a); the import must survive.
	result, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.1/a", "doi:https://doi.org/10.1/a?utm_source=feed"},
		Title:       "One work arriving with two spellings of its identifier",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Created {
		t.Fatalf("aliased identifiers on a new work must still create")
	}
	if result.Determination != models.DeterminationCanonical {
		t.Fatalf("got %s", result.Determination)
	}
	var ids int64
	if err := db.Model(&models.ExternalIdentifier{}).Where("reference_id = ?", result.ReferenceID).Count(&ids).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if ids != 1 {
		t.Fatalf("want 1 stored identifier, got %d", ids)
	}
}

func TestAppendEnhancement(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	result, err := s.Ingest(ctx, IngestInput{
		Identifiers: []string{"doi:10.5/e"},
		Title:       "Layered enrichment of a stored reference",
		Source:      "test",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	payload, _ := json.Marshal(models.AbstractPayload{Abstract: "added later"})
	e, err := s.AppendEnhancement(ctx, result.ReferenceID, models.EnhancementAbstract, payload, "robot")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.BlobKey != "" {
		t.Fatalf("small payloads stay inline")
	}

	view, err := s.Projector.Project(ctx, result.ReferenceID)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if view.Abstract != "added later" {
		t.Fatalf("got %q", view.Abstract)
	}

	if _, err := s.AppendEnhancement(ctx, result.ReferenceID, "bogus", payload, "robot"); err == nil {
		t.Fatalf("unknown enhancement types must be rejected")
	}
}

func TestReevaluateStaleResolvesUnsearchable(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	result, err := s.Ingest(ctx, IngestInput{Title: "Hi", Source: "test"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Determination != models.DeterminationUnsearchable {
		t.Fatalf("got %s", result.Determination)
	}

	// A later bibliographic layer makes the reference searchable.
	payload, _ := json.Marshal(models.BibliographicPayload{Title: "A title long enough to search for"})
	if _, err := s.AppendEnhancement(ctx, result.ReferenceID, models.EnhancementBibliographic, payload, "robot"); err != nil {
		t.Fatalf("append: %v", err)
	}

	changed, err := s.ReevaluateStale(ctx, 50, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if changed != 1 {
		t.Fatalf("want 1 changed decision, got %d", changed)
	}
	decision, err := ActiveDecision(ctx, db, result.ReferenceID)
	if err != nil || decision == nil {
		t.Fatalf("active decision: %v %v", decision, err)
	}
	if decision.Determination != models.DeterminationCanonical {
		t.Fatalf("got %s", decision.Determination)
	}
}

func TestReevaluateStaleCatchesLagMissedDuplicate(t *testing.T) {
	db := openTestDB(t)
	s := newTestIngest(t, db)
	ctx := context.Background()

	title := "Deduplication under delayed index visibility"
	authors := []string{"A. Hartmann", "B. Osei", "C. Lindqvist", "D. Okafor", "E. Svensson", "F. Duarte"}

	// First arrival resolves before its title reaches the index.
	first := &models.Reference{Visibility: "public"}
	if err := db.Create(first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	addEnhancement(t, db, first.ID, models.EnhancementBibliographic,
		models.BibliographicPayload{Title: title, Authors: authors}, time.Time{})
	if _, err := s.Resolver.Resolve(ctx, first.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := db.Model(&models.ReferenceDuplicateDecision{}).
		Where("reference_id = ? AND active_decision = ?", first.ID, true).
		Update("created_at", time.Now().UTC().Add(-72*time.Hour)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// The copy arrives while the first is still invisible to search.
	second, err := s.Ingest(ctx, IngestInput{Title: title, Authors: authors, Source: "test"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if second.Determination != models.DeterminationCanonical {
		t.Fatalf("lag-missed copy lands canonical first, got %s", second.Determination)
	}

	// Index catch-up, then the sweep reconsiders recent canonical decisions.
	if err := s.Index.IndexReference(ctx, first.ID, TokenizeTitle(title)); err != nil {
		t.Fatalf("index: %v", err)
	}
	changed, err := s.ReevaluateStale(ctx, 50, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if changed != 1 {
		t.Fatalf("want 1 changed decision, got %d", changed)
	}
	decision, err := ActiveDecision(ctx, db, second.ReferenceID)
	if err != nil || decision == nil {
		t.Fatalf("active decision: %v %v", decision, err)
	}
	if decision.Determination != models.DeterminationDuplicate {
		t.Fatalf("got %s", decision.Determination)
	}
	if decision.CanonicalReferenceID == nil || *decision.CanonicalReferenceID != first.ID {
		t.Fatalf("must point at the first arrival")
	}
}
