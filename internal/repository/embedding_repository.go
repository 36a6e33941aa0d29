package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"projectfinder/internal/model"
)

type EmbeddingRepository struct {
	db *gorm.DB
}

func NewEmbeddingRepository(db *gorm.DB) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

// Upsert stores the vector of one record, replacing any previous one.
func (r *EmbeddingRepository) Upsert(ctx context.Context, emb *model.Embedding) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vector", "dimensions", "model_version", "content_hash", "updated_at"}),
	}).Create(emb).Error
	if err != nil {
		return fmt.Errorf("upsert embedding failed: %w", err)
	}
	return nil
}

func (r *EmbeddingRepository) GetByRecordID(ctx context.Context, recordID uint) (*model.Embedding, error) {
	var emb model.Embedding
	if err := r.db.WithContext(ctx).Where("record_id = ?", recordID).First(&emb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get embedding failed: %w", err)
	}
	return &emb, nil
}

func (r *EmbeddingRepository) DeleteByRecordID(ctx context.Context, recordID uint) error {
	if err := r.db.WithContext(ctx).Where("record_id = ?", recordID).Delete(&model.Embedding{}).Error; err != nil {
		return fmt.Errorf("delete embedding failed: %w", err)
	}
	return nil
}

// pendingScope selects records without an embedding that matches both their
// content hash and modelVersion.
func pendingScope(db *gorm.DB, modelVersion string) *gorm.DB {
	return db.Model(&model.ProcurementRecord{}).
		Joins("LEFT JOIN embeddings ON embeddings.record_id = procurement_records.id").
		Where("(embeddings.id IS NULL OR embeddings.content_hash <> procurement_records.content_hash OR embeddings.model_version <> ?)", modelVersion)
}

// PendingRecordIDs lists up to limit records whose embedding is missing, stale or from another model.
func (r *EmbeddingRepository) PendingRecordIDs(ctx context.Context, modelVersion string, limit int) ([]uint, error) {
	var ids []uint
	q := pendingScope(r.db.WithContext(ctx), modelVersion).Order("procurement_records.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("procurement_records.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list pending embeddings failed: %w", err)
	}
	return ids, nil
}

// FilterPending returns the subset of recordIDs that still need an embedding.
func (r *EmbeddingRepository) FilterPending(ctx context.Context, recordIDs []uint, modelVersion string) ([]uint, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	var ids []uint
	err := pendingScope(r.db.WithContext(ctx), modelVersion).
		Where("procurement_records.id IN ?", recordIDs).
		Order("procurement_records.id ASC").
		Pluck("procurement_records.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("filter pending embeddings failed: %w", err)
	}
	return ids, nil
}

type Coverage struct {
	Records  int64 `json:"records"`
	Current  int64 `json:"current"`
	Stale    int64 `json:"stale"`
	Outdated int64 `json:"outdated_model"`
}

func (r *EmbeddingRepository) Coverage(ctx context.Context, modelVersion string) (*Coverage, error) {
	cov := &Coverage{}
	db := r.db.WithContext(ctx)
	if err := db.Model(&model.ProcurementRecord{}).Count(&cov.Records).Error; err != nil {
		return nil, fmt.Errorf("count records failed: %w", err)
	}
	joined := func() *gorm.DB {
		return db.Model(&model.Embedding{}).
			Joins("JOIN procurement_records ON procurement_records.id = embeddings.record_id")
	}
	if err := joined().
		Where("embeddings.content_hash = procurement_records.content_hash AND embeddings.model_version = ?", modelVersion).
		Count(&cov.Current).Error; err != nil {
		return nil, fmt.Errorf("count current embeddings failed: %w", err)
	}
	if err := joined().
		Where("embeddings.content_hash <> procurement_records.content_hash").
		Count(&cov.Stale).Error; err != nil {
		return nil, fmt.Errorf("count stale embeddings failed: %w", err)
	}
	if err := joined().
		Where("embeddings.model_version <> ?", modelVersion).
		Count(&cov.Outdated).Error; err != nil {
		return nil, fmt.Errorf("count outdated embeddings failed: %w", err)
	}
	return cov, nil
}
