package services

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ref-keeper/models"
	"ref-keeper/storage"
)

// ProjectedView is the merged metadata for one canonical/duplicate group.
type ProjectedView struct {
	CanonicalReferenceID uuid.UUID   `json:"canonical_reference_id"`
	GroupMembers         []uuid.UUID `json:"group_members"`

	Title     string   `json:"title,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Year      int      `json:"year,omitempty"`
	Journal   string   `json:"journal,omitempty"`
	Publisher string   `json:"publisher,omitempty"`
	Abstract  string   `json:"abstract,omitempty"`

	// Annotation is taken whole from its winning source, never spliced
	// across sources.
	Annotation json.RawMessage `json:"annotation,omitempty"`

	LandingPageURL string `json:"landing_page_url,omitempty"`
	PDFURL         string `json:"pdf_url,omitempty"`

	ComputedAt time.Time `json:"computed_at"`
}

// Projector derives the merged view over a duplicate group. It only reads
// committed decisions and enhancements and can be re-run at any time.
type Projector struct {
	DB     *gorm.DB
	Cache  *storage.ProjectionCache
	Logger *zap.Logger
}

func NewProjector(db *gorm.DB, cache *storage.ProjectionCache, logger *zap.Logger) *Projector {
	return &Projector{DB: db, Cache: cache, Logger: logger}
}

// Project computes the merged view for the group containing refID. The view
// is keyed by root canonical, so every member of a group projects the same.
func (p *Projector) Project(ctx context.Context, refID uuid.UUID) (*ProjectedView, error) {
	root, _, err := rootOf(ctx, p.DB, refID, 32)
	if err != nil {
		return nil, err
	}

	if data, ok := p.Cache.Get(ctx, root); ok {
		var view ProjectedView
		if err := json.Unmarshal(data, &view); err == nil {
			return &view, nil
		}
	}

	members, err := GroupMembers(ctx, p.DB, root)
	if err != nil {
		return nil, err
	}

	var enhancements []models.Enhancement
	if err := p.DB.WithContext(ctx).
		Where("reference_id IN ?", members).
		Find(&enhancements).Error; err != nil {
		return nil, err
	}

	// Canonical's own layers first, duplicates after; newest first within
	// each bucket. A field set by an earlier entry is never overwritten.
	sort.SliceStable(enhancements, func(i, j int) bool {
		pi, pj := bucketOf(enhancements[i].ReferenceID, root), bucketOf(enhancements[j].ReferenceID, root)
		if pi != pj {
			return pi < pj
		}
		return enhancements[i].CreatedAt.After(enhancements[j].CreatedAt)
	})

	view := &ProjectedView{
		CanonicalReferenceID: root,
		GroupMembers:         members,
		ComputedAt:           time.Now().UTC(),
	}
	for _, e := range enhancements {
		mergeEnhancement(view, e)
	}

	if data, err := json.Marshal(view); err == nil {
		p.Cache.Set(ctx, root, data)
	}
	return view, nil
}

// Invalidate drops the cached view for the group containing refID.
func (p *Projector) Invalidate(ctx context.Context, refID uuid.UUID) {
	root, _, err := rootOf(ctx, p.DB, refID, 32)
	if err != nil {
		return
	}
	p.Cache.Invalidate(ctx, root)
}

// GroupMembers returns the root canonical followed by every reference whose
// active decision points at it.
func GroupMembers(ctx context.Context, db *gorm.DB, root uuid.UUID) ([]uuid.UUID, error) {
	var duplicates []models.ReferenceDuplicateDecision
	err := db.WithContext(ctx).
		Where("canonical_reference_id = ? AND active_decision = ? AND determination IN ?",
			root, true,
			[]models.Determination{models.DeterminationDuplicate, models.DeterminationExactDuplicate}).
		Find(&duplicates).Error
	if err != nil {
		return nil, err
	}
	members := []uuid.UUID{root}
	for _, d := range duplicates {
		if d.ReferenceID != root {
			members = append(members, d.ReferenceID)
		}
	}
	return members, nil
}

func bucketOf(refID, root uuid.UUID) int {
	if refID == root {
		return 0
	}
	return 1
}

// mergeEnhancement folds one layer into the view under first-wins semantics.
func mergeEnhancement(view *ProjectedView, e models.Enhancement) {
	switch e.Type {
	case models.EnhancementBibliographic:
		var p models.BibliographicPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		if view.Title == "" {
			view.Title = p.Title
		}
		if view.Authors == nil && len(p.Authors) > 0 {
			view.Authors = p.Authors
		}
		if view.Year == 0 {
			view.Year = p.Year
		}
		if view.Journal == "" {
			view.Journal = p.Journal
		}
		if view.Publisher == "" {
			view.Publisher = p.Publisher
		}
	case models.EnhancementAbstract:
		var p models.AbstractPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		if view.Abstract == "" {
			view.Abstract = p.Abstract
		}
	case models.EnhancementAnnotation:
		if view.Annotation == nil && len(e.Payload) > 0 {
			view.Annotation = json.RawMessage(e.Payload)
		}
	case models.EnhancementLocation:
		var p models.LocationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		if view.LandingPageURL == "" {
			view.LandingPageURL = p.LandingPageURL
		}
		if view.PDFURL == "" {
			view.PDFURL = p.PDFURL
		}
	}
}
