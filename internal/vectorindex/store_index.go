package vectorindex

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"projectfinder/internal/model"
)

// StoreIndex works on any gorm dialect: it streams the eligible embeddings
// and computes cosine similarity in process.
type StoreIndex struct {
	base
}

func NewStoreIndex(db *gorm.DB, opts Options) *StoreIndex {
	return &StoreIndex{base: newBase(db, opts)}
}

func (s *StoreIndex) Search(ctx context.Context, query []float32, k int, filters Filters) ([]Hit, error) {
	if err := s.validate(query, k, filters); err != nil {
		return nil, err
	}

	cands, err := s.score(ctx, query, filters)
	if err != nil {
		return nil, err
	}
	rank(cands)
	// Hydrate a few extra so the filter re-check cannot starve k.
	if limit := k * 2; limit < len(cands) {
		cands = cands[:limit]
	}
	return s.hydrate(ctx, cands, k, filters)
}

// score releases its connection before returning; sqlite runs on a single one.
func (s *StoreIndex) score(ctx context.Context, query []float32, filters Filters) ([]candidate, error) {
	rows, err := s.current(ctx, filters).
		Select("embeddings.record_id, embeddings.vector, procurement_records.last_synced_at").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("scan embeddings failed: %w", err)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var row struct {
			RecordID     uint
			Vector       model.Vector
			LastSyncedAt time.Time
		}
		if err := s.db.ScanRows(rows, &row); err != nil {
			return nil, fmt.Errorf("scan embedding row failed: %w", err)
		}
		if len(row.Vector) != len(query) {
			continue
		}
		cands = append(cands, candidate{
			RecordID:     row.RecordID,
			LastSyncedAt: row.LastSyncedAt,
			Score:        cosineSimilarity(query, row.Vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan embeddings failed: %w", err)
	}
	return cands, nil
}
