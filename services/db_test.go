package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ref-keeper/models"
	"ref-keeper/search/pgindex"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = db.AutoMigrate(
		&models.Reference{},
		&models.ExternalIdentifier{},
		&models.Enhancement{},
		&models.ReferenceDuplicateDecision{},
		&models.PendingEnhancement{},
		&pgindex.ReferenceToken{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func newTestResolver(t *testing.T, db *gorm.DB) *Resolver {
	t.Helper()
	return NewResolver(db, pgindex.New(db, zap.NewNop()), DefaultParams(), zap.NewNop())
}

// seedReference creates a reference with identifiers and a bibliographic
// enhancement, and indexes its title.
func seedReference(t *testing.T, db *gorm.DB, title string, authors []string, rawIDs ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	ref := &models.Reference{Visibility: "public"}
	if err := db.Create(ref).Error; err != nil {
		t.Fatalf("failed to create reference: %v", err)
	}

	ids, dropped := ParseIdentifiers(rawIDs)
	if dropped > 0 {
		t.Fatalf("seed identifiers malformed: %v", rawIDs)
	}
	for i := range ids {
		ids[i].ReferenceID = ref.ID
	}
	if len(ids) > 0 {
		if err := db.Create(&ids).Error; err != nil {
			t.Fatalf("failed to create identifiers: %v", err)
		}
	}

	if title != "" || len(authors) > 0 {
		payload, err := json.Marshal(models.BibliographicPayload{Title: title, Authors: authors})
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		e := models.Enhancement{ReferenceID: ref.ID, Type: models.EnhancementBibliographic, Payload: payload, Source: "test"}
		if err := db.Create(&e).Error; err != nil {
			t.Fatalf("failed to create enhancement: %v", err)
		}
	}

	if title != "" {
		index := pgindex.New(db, zap.NewNop())
		if err := index.IndexReference(ctx, ref.ID, TokenizeTitle(title)); err != nil {
			t.Fatalf("failed to index reference: %v", err)
		}
	}
	return ref.ID
}

// forceDecision writes an active decision row directly, bypassing the
// resolver, for fixtures like deep chains and cycles.
func forceDecision(t *testing.T, db *gorm.DB, refID uuid.UUID, det models.Determination, canonical *uuid.UUID, depth int) {
	t.Helper()
	active := true
	d := models.ReferenceDuplicateDecision{
		ReferenceID:          refID,
		CanonicalReferenceID: canonical,
		Determination:        det,
		Confidence:           1.0,
		ActiveDecision:       &active,
		ChainDepth:           depth,
	}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("failed to force decision: %v", err)
	}
}

func addEnhancement(t *testing.T, db *gorm.DB, refID uuid.UUID, typ models.EnhancementType, payload interface{}, createdAt time.Time) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	e := models.Enhancement{ReferenceID: refID, Type: typ, Payload: data, Source: "test"}
	if err := db.Create(&e).Error; err != nil {
		t.Fatalf("failed to create enhancement: %v", err)
	}
	if !createdAt.IsZero() {
		if err := db.Model(&models.Enhancement{}).Where("id = ?", e.ID).Update("created_at", createdAt).Error; err != nil {
			t.Fatalf("failed to backdate enhancement: %v", err)
		}
	}
}
