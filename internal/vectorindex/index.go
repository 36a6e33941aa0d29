// Package vectorindex answers nearest-neighbour queries over record embeddings
// with hard structured filters.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
	"projectfinder/internal/repository"
)

const (
	BackendStore    = "store"
	BackendPgvector = "pgvector"
)

// Filters restrict the candidate set before ranking. Zero values mean "any".
type Filters struct {
	Category      string     `json:"category,omitempty"`
	Status        string     `json:"status,omitempty"`
	ITOnly        bool       `json:"it_only,omitempty"`
	PublishedFrom *time.Time `json:"published_from,omitempty"`
	PublishedTo   *time.Time `json:"published_to,omitempty"`
	AmountMin     *float64   `json:"amount_min,omitempty"`
	AmountMax     *float64   `json:"amount_max,omitempty"`
}

func (f Filters) Validate() error {
	if f.PublishedFrom != nil && f.PublishedTo != nil && f.PublishedFrom.After(*f.PublishedTo) {
		return errs.InvalidQueryf("published_from is after published_to")
	}
	if f.AmountMin != nil && f.AmountMax != nil && *f.AmountMin > *f.AmountMax {
		return errs.InvalidQueryf("amount_min is greater than amount_max")
	}
	if f.AmountMin != nil && *f.AmountMin < 0 {
		return errs.InvalidQueryf("amount_min must not be negative")
	}
	return nil
}

func (f Filters) RecordFilter() repository.RecordFilter {
	return repository.RecordFilter{
		Category:      f.Category,
		Status:        f.Status,
		ITOnly:        f.ITOnly,
		PublishedFrom: f.PublishedFrom,
		PublishedTo:   f.PublishedTo,
		AmountMin:     f.AmountMin,
		AmountMax:     f.AmountMax,
	}
}

// Match reports whether rec satisfies every filter. Records with an
// unspecified amount or publish date never match a bound on it.
func (f Filters) Match(rec *model.ProcurementRecord) bool {
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.ITOnly && !rec.IsIT {
		return false
	}
	if (f.PublishedFrom != nil || f.PublishedTo != nil) && !rec.HasPublishedAt() {
		return false
	}
	if f.PublishedFrom != nil && rec.PublishedAt.Before(*f.PublishedFrom) {
		return false
	}
	if f.PublishedTo != nil && rec.PublishedAt.After(*f.PublishedTo) {
		return false
	}
	if f.AmountMin != nil && rec.Amount < *f.AmountMin {
		return false
	}
	if f.AmountMax != nil && (!rec.HasAmount() || rec.Amount > *f.AmountMax) {
		return false
	}
	return true
}

type Hit struct {
	Record model.ProcurementRecord `json:"record"`
	Score  float64                 `json:"score"`
}

// Index is the semantic search contract. Search returns at most k hits
// ordered by cosine similarity descending, ties broken by LastSyncedAt
// descending then record ID ascending.
type Index interface {
	Search(ctx context.Context, query []float32, k int, filters Filters) ([]Hit, error)
	Upsert(ctx context.Context, emb *model.Embedding) error
	Delete(ctx context.Context, recordID uint) error
}

type Options struct {
	ModelVersion string
	Dimensions   int
	MaxK         int
}

// New returns the index implementation for backend.
func New(backend string, db *gorm.DB, opts Options) (Index, error) {
	switch backend {
	case "", BackendStore:
		return NewStoreIndex(db, opts), nil
	case BackendPgvector:
		if db.Dialector.Name() != "postgres" {
			return nil, fmt.Errorf("vector backend %q requires postgres, got %s", backend, db.Dialector.Name())
		}
		return NewPgvectorIndex(db, opts), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", backend)
	}
}

// base holds what both implementations share: validation, embedding writes
// and hydration of ranked candidates.
type base struct {
	db         *gorm.DB
	opts       Options
	embeddings *repository.EmbeddingRepository
	records    *repository.RecordRepository
}

func newBase(db *gorm.DB, opts Options) base {
	return base{
		db:         db,
		opts:       opts,
		embeddings: repository.NewEmbeddingRepository(db),
		records:    repository.NewRecordRepository(db),
	}
}

func (b base) validate(query []float32, k int, filters Filters) error {
	if k <= 0 {
		return errs.InvalidQueryf("k must be positive, got %d", k)
	}
	if b.opts.MaxK > 0 && k > b.opts.MaxK {
		return errs.InvalidQueryf("k must be at most %d, got %d", b.opts.MaxK, k)
	}
	if len(query) == 0 {
		return errs.InvalidQueryf("empty query vector")
	}
	if b.opts.Dimensions > 0 && len(query) != b.opts.Dimensions {
		return errs.InvalidQueryf("query vector has %d dimensions, index expects %d", len(query), b.opts.Dimensions)
	}
	if norm(query) == 0 {
		return errs.InvalidQueryf("query vector has zero norm")
	}
	return filters.Validate()
}

func (b base) Upsert(ctx context.Context, emb *model.Embedding) error {
	if b.opts.Dimensions > 0 && len(emb.Vector) != b.opts.Dimensions {
		return fmt.Errorf("embedding for record %d has %d dimensions, index expects %d", emb.RecordID, len(emb.Vector), b.opts.Dimensions)
	}
	emb.Dimensions = len(emb.Vector)
	return b.embeddings.Upsert(ctx, emb)
}

func (b base) Delete(ctx context.Context, recordID uint) error {
	return b.embeddings.DeleteByRecordID(ctx, recordID)
}

// current joins embeddings to their records and keeps only rows computed from
// the record's present text by the current model.
func (b base) current(ctx context.Context, filters Filters) *gorm.DB {
	q := b.db.WithContext(ctx).Table("embeddings").
		Joins("JOIN procurement_records ON procurement_records.id = embeddings.record_id").
		Where("embeddings.content_hash = procurement_records.content_hash").
		Where("embeddings.model_version = ?", b.opts.ModelVersion)
	return repository.ApplyRecordFilter(q, filters.RecordFilter())
}

type candidate struct {
	RecordID     uint
	LastSyncedAt time.Time
	Score        float64
}

func rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastSyncedAt.Equal(b.LastSyncedAt) {
			return a.LastSyncedAt.After(b.LastSyncedAt)
		}
		return a.RecordID < b.RecordID
	})
}

// hydrate loads the records behind ranked candidates, drops any that fail the
// filters on re-check and keeps the first k.
func (b base) hydrate(ctx context.Context, cands []candidate, k int, filters Filters) ([]Hit, error) {
	if len(cands) == 0 {
		return []Hit{}, nil
	}
	ids := make([]uint, len(cands))
	for i, c := range cands {
		ids[i] = c.RecordID
	}
	records, err := b.records.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]model.ProcurementRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	hits := make([]Hit, 0, k)
	for _, c := range cands {
		rec, ok := byID[c.RecordID]
		if !ok || !filters.Match(&rec) {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: c.Score})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
