package app

import (
	"context"
	"fmt"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
	"projectfinder/internal/repository"
	"projectfinder/internal/vectorindex"
)

const maxPageSize = 200

type ListQuery struct {
	Filters  vectorindex.Filters
	Text     string
	Sort     string
	Page     int
	PageSize int
}

type RecordPage struct {
	Records  []model.ProcurementRecord `json:"records"`
	Total    int64                     `json:"total"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
}

type CatalogStats struct {
	Records   *repository.RecordStats `json:"records"`
	Embedding *repository.Coverage    `json:"embedding"`
	// KeywordDocs is the number of documents in the full-text index.
	KeywordDocs  uint64 `json:"keyword_docs"`
	ModelVersion string `json:"model_version"`
}

type keywordCounter interface {
	DocCount() (uint64, error)
}

// CatalogService serves the record catalog.
type CatalogService struct {
	records      *repository.RecordRepository
	embeddings   *repository.EmbeddingRepository
	keyword      KeywordSearcher
	modelVersion string
}

func NewCatalogService(records *repository.RecordRepository, embeddings *repository.EmbeddingRepository, keywordSearcher KeywordSearcher, modelVersion string) *CatalogService {
	return &CatalogService{
		records:      records,
		embeddings:   embeddings,
		keyword:      keywordSearcher,
		modelVersion: modelVersion,
	}
}

func (s *CatalogService) List(ctx context.Context, q ListQuery) (*RecordPage, error) {
	if err := q.Filters.Validate(); err != nil {
		return nil, err
	}
	if q.Sort != "" && !repository.ValidSort(q.Sort) {
		return nil, errs.InvalidQueryf("unknown sort %q", q.Sort)
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > maxPageSize {
		return nil, errs.InvalidQueryf("page_size must be at most %d", maxPageSize)
	}

	filter := q.Filters.RecordFilter()
	filter.Query = q.Text
	records, total, err := s.records.List(ctx, filter, q.Sort, (q.Page-1)*q.PageSize, q.PageSize)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.ProcurementRecord{}
	}
	return &RecordPage{Records: records, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

func (s *CatalogService) Detail(ctx context.Context, id uint) (*model.ProcurementRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %d: %w", id, errs.ErrNotFound)
	}
	return rec, nil
}

// TextSearch runs a full-text query and returns records in relevance order.
func (s *CatalogService) TextSearch(ctx context.Context, query string, limit int) ([]RetrievedRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > maxPageSize {
		return nil, errs.InvalidQueryf("limit must be at most %d", maxPageSize)
	}
	results, err := s.keyword.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, len(results))
	scores := make(map[uint]float64, len(results))
	for i, r := range results {
		ids[i] = r.RecordID
		scores[r.RecordID] = r.Score
	}
	records, err := s.records.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]RetrievedRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, RetrievedRecord{Record: rec, Score: scores[rec.ID]})
	}
	return out, nil
}

func (s *CatalogService) Stats(ctx context.Context) (*CatalogStats, error) {
	recordStats, err := s.records.Stats(ctx)
	if err != nil {
		return nil, err
	}
	coverage, err := s.embeddings.Coverage(ctx, s.modelVersion)
	if err != nil {
		return nil, err
	}
	stats := &CatalogStats{Records: recordStats, Embedding: coverage, ModelVersion: s.modelVersion}
	if counter, ok := s.keyword.(keywordCounter); ok {
		if n, err := counter.DocCount(); err == nil {
			stats.KeywordDocs = n
		}
	}
	return stats, nil
}
