package pgindex

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ref-keeper/search"
)

// ReferenceToken is one title token of one reference. The table is derived
// state: it can be dropped and rebuilt from the references at any time.
type ReferenceToken struct {
	ID          uint      `gorm:"primaryKey"`
	ReferenceID uuid.UUID `gorm:"type:uuid;index;index:idx_reference_tokens_ref_token,unique,priority:1"`
	Token       string    `gorm:"size:64;index;index:idx_reference_tokens_ref_token,unique,priority:2"`
}

func (ReferenceToken) TableName() string {
	return "reference_tokens"
}

// Index implements search.Index on a token table in the relational store.
type Index struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Index {
	return &Index{DB: db, Logger: logger}
}

// Search ranks references by how many of the query tokens they share. Score
// is the matched share of the query token set.
func (ix *Index) Search(ctx context.Context, tokens []string, limit int) ([]search.Candidate, error) {
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	type row struct {
		ReferenceID uuid.UUID
		Hits        int
	}
	var rows []row
	err := ix.DB.WithContext(ctx).
		Model(&ReferenceToken{}).
		Select("reference_id, COUNT(*) AS hits").
		Where("token IN ?", dedupe(tokens)).
		Group("reference_id").
		Order("hits DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	total := float64(len(dedupe(tokens)))
	candidates := make([]search.Candidate, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, search.Candidate{
			ReferenceID: r.ReferenceID,
			Score:       float64(r.Hits) / total,
		})
	}
	return candidates, nil
}

// IndexReference replaces the stored token set for a reference.
func (ix *Index) IndexReference(ctx context.Context, referenceID uuid.UUID, tokens []string) error {
	return ix.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("reference_id = ?", referenceID).Delete(&ReferenceToken{}).Error; err != nil {
			return err
		}
		rows := make([]ReferenceToken, 0, len(tokens))
		for _, t := range dedupe(tokens) {
			if len(t) > 64 {
				t = t[:64]
			}
			rows = append(rows, ReferenceToken{ReferenceID: referenceID, Token: t})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

// Remove drops a reference from the index.
func (ix *Index) Remove(ctx context.Context, referenceID uuid.UUID) error {
	return ix.DB.WithContext(ctx).Where("reference_id = ?", referenceID).Delete(&ReferenceToken{}).Error
}

// Reset truncates the index. Used by the reindex command before a rebuild.
func (ix *Index) Reset(ctx context.Context) error {
	return ix.DB.WithContext(ctx).Where("1 = 1").Delete(&ReferenceToken{}).Error
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
