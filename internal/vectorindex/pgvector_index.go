package vectorindex

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// PgvectorIndex ranks inside PostgreSQL with the pgvector cosine distance
// operator. Similarity is 1 - distance.
type PgvectorIndex struct {
	base
}

func NewPgvectorIndex(db *gorm.DB, opts Options) *PgvectorIndex {
	return &PgvectorIndex{base: newBase(db, opts)}
}

func (p *PgvectorIndex) Search(ctx context.Context, query []float32, k int, filters Filters) ([]Hit, error) {
	if err := p.validate(query, k, filters); err != nil {
		return nil, err
	}

	var cands []candidate
	err := p.current(ctx, filters).
		Select("embeddings.record_id, procurement_records.last_synced_at, 1 - (embeddings.vector <=> ?) AS score", pgvector.NewVector(query)).
		Order("score DESC, procurement_records.last_synced_at DESC, embeddings.record_id ASC").
		Limit(k * 2).
		Scan(&cands).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector search failed: %w", err)
	}
	return p.hydrate(ctx, cands, k, filters)
}
