package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"projectfinder/internal/model"
)

type RecommendationRepository struct {
	db *gorm.DB
}

func NewRecommendationRepository(db *gorm.DB) *RecommendationRepository {
	return &RecommendationRepository{db: db}
}

func (r *RecommendationRepository) Get(ctx context.Context, recordID uint, kind model.RecommendationKind) (*model.Recommendation, error) {
	var rec model.Recommendation
	if err := r.db.WithContext(ctx).Where("record_id = ? AND kind = ?", recordID, kind).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recommendation failed: %w", err)
	}
	return &rec, nil
}

func (r *RecommendationRepository) ListByRecordID(ctx context.Context, recordID uint) ([]model.Recommendation, error) {
	var recs []model.Recommendation
	if err := r.db.WithContext(ctx).Where("record_id = ?", recordID).Order("kind ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list recommendations failed: %w", err)
	}
	return recs, nil
}

// Save creates the (record, kind) row or supersedes the existing one in
// place, bumping its revision.
func (r *RecommendationRepository) Save(ctx context.Context, rec *model.Recommendation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Recommendation
		err := tx.Where("record_id = ? AND kind = ?", rec.RecordID, rec.Kind).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.ID = 0
			rec.Revision = 1
			rec.Stale = false
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("create recommendation failed: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("get recommendation failed: %w", err)
		}

		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.Revision = existing.Revision + 1
		rec.Stale = false
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("supersede recommendation failed: %w", err)
		}
		return nil
	})
}

// MarkStaleByRecordID flags every fresh recommendation of a record as stale.
func (r *RecommendationRepository) MarkStaleByRecordID(ctx context.Context, recordID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Recommendation{}).
		Where("record_id = ? AND stale = ?", recordID, false).
		Update("stale", true)
	if res.Error != nil {
		return 0, fmt.Errorf("mark recommendations stale failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *RecommendationRepository) DeleteByRecordID(ctx context.Context, recordID uint) (int64, error) {
	res := r.db.WithContext(ctx).Where("record_id = ?", recordID).Delete(&model.Recommendation{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete recommendations failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}
