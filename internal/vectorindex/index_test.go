package vectorindex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
	"projectfinder/internal/platform/database/databasetest"
)

const testModel = "test-embed@1"

var syncedAt = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func seedRecord(t *testing.T, db *gorm.DB, n int, mutate func(*model.ProcurementRecord)) *model.ProcurementRecord {
	t.Helper()
	rec := &model.ProcurementRecord{
		ExternalID:   fmt.Sprintf("EXT-%d", n),
		Category:     "servicios",
		Status:       "convocado",
		ProcessType:  "adjudicacion simplificada",
		EntityName:   "Municipalidad de Lima",
		EntityTaxID:  "20131380951",
		Amount:       100000,
		Currency:     "PEN",
		PublishedAt:  time.Date(2025, 3, n, 0, 0, 0, 0, time.UTC),
		ClosingAt:    model.UnspecifiedTime,
		Title:        fmt.Sprintf("Record %d", n),
		Description:  model.Unspecified,
		Region:       "Lima",
		SourceURL:    model.Unspecified,
		IsIT:         true,
		ITCategory:   "software_development",
		ContentHash:  fmt.Sprintf("hash-%d", n),
		LastSyncedAt: syncedAt,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

func seedEmbedding(t *testing.T, idx Index, rec *model.ProcurementRecord, vec ...float32) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), &model.Embedding{
		RecordID:     rec.ID,
		Vector:       vec,
		ModelVersion: testModel,
		ContentHash:  rec.ContentHash,
	}))
}

func newStoreIndex(t *testing.T) (*gorm.DB, *StoreIndex) {
	db := databasetest.New(t)
	return db, NewStoreIndex(db, Options{ModelVersion: testModel, Dimensions: 3, MaxK: 10})
}

func hitIDs(hits []Hit) []uint {
	ids := make([]uint, len(hits))
	for i, h := range hits {
		ids[i] = h.Record.ID
	}
	return ids
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	db, idx := newStoreIndex(t)
	r1 := seedRecord(t, db, 1, nil)
	r2 := seedRecord(t, db, 2, nil)
	r3 := seedRecord(t, db, 3, nil)
	seedEmbedding(t, idx, r1, 0, 1, 0)
	seedEmbedding(t, idx, r2, 1, 0, 0)
	seedEmbedding(t, idx, r3, 0.9, 0.1, 0)

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 2, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []uint{r2.ID, r3.ID}, hitIDs(hits))
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchBreaksTiesByRecency(t *testing.T) {
	db, idx := newStoreIndex(t)
	older := seedRecord(t, db, 1, nil)
	newer := seedRecord(t, db, 2, func(r *model.ProcurementRecord) { r.LastSyncedAt = syncedAt.Add(time.Hour) })
	sameAsOlder := seedRecord(t, db, 3, nil)
	for _, rec := range []*model.ProcurementRecord{older, newer, sameAsOlder} {
		seedEmbedding(t, idx, rec, 0, 0, 1)
	}

	hits, err := idx.Search(context.Background(), []float32{0, 0, 2}, 3, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []uint{newer.ID, older.ID, sameAsOlder.ID}, hitIDs(hits))
}

func TestSearchServesOnlyCurrentEmbeddings(t *testing.T) {
	db, idx := newStoreIndex(t)
	fresh := seedRecord(t, db, 1, nil)
	edited := seedRecord(t, db, 2, nil)
	oldModel := seedRecord(t, db, 3, nil)
	seedEmbedding(t, idx, fresh, 1, 0, 0)
	seedEmbedding(t, idx, edited, 1, 0, 0)
	require.NoError(t, idx.Upsert(context.Background(), &model.Embedding{
		RecordID: oldModel.ID, Vector: model.Vector{1, 0, 0}, ModelVersion: "test-embed@0", ContentHash: oldModel.ContentHash,
	}))
	require.NoError(t, db.Model(edited).Update("content_hash", "hash-edited").Error)

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []uint{fresh.ID}, hitIDs(hits))
}

func TestSearchAppliesFiltersExactly(t *testing.T) {
	db, idx := newStoreIndex(t)
	notIT := seedRecord(t, db, 1, func(r *model.ProcurementRecord) { r.IsIT = false })
	noAmount := seedRecord(t, db, 2, func(r *model.ProcurementRecord) { r.Amount = model.UnspecifiedAmount })
	cheap := seedRecord(t, db, 3, func(r *model.ProcurementRecord) { r.Amount = 5000 })
	inRange := seedRecord(t, db, 4, nil)
	late := seedRecord(t, db, 20, nil)
	undated := seedRecord(t, db, 5, func(r *model.ProcurementRecord) { r.PublishedAt = model.UnspecifiedTime })
	for _, rec := range []*model.ProcurementRecord{notIT, noAmount, cheap, inRange, late, undated} {
		seedEmbedding(t, idx, rec, 1, 1, 0)
	}

	minAmount, maxAmount := 10000.0, 200000.0
	to := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	hits, err := idx.Search(context.Background(), []float32{1, 1, 0}, 10, Filters{
		ITOnly:      true,
		AmountMin:   &minAmount,
		AmountMax:   &maxAmount,
		PublishedTo: &to,
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{inRange.ID}, hitIDs(hits))

	hits, err = idx.Search(context.Background(), []float32{1, 1, 0}, 10, Filters{AmountMax: &maxAmount})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(hits), noAmount.ID)

	hits, err = idx.Search(context.Background(), []float32{1, 1, 0}, 10, Filters{PublishedTo: &to})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(hits), undated.ID)
	assert.Contains(t, hitIDs(hits), inRange.ID)

	hits, err = idx.Search(context.Background(), []float32{1, 1, 0}, 10, Filters{})
	require.NoError(t, err)
	assert.Contains(t, hitIDs(hits), undated.ID)
	assert.False(t, Filters{PublishedTo: &to}.Match(undated))
}

func TestSearchRejectsInvalidQueries(t *testing.T) {
	_, idx := newStoreIndex(t)
	from := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, -1, 0)
	lo, hi := 500.0, 100.0

	cases := []struct {
		name    string
		query   []float32
		k       int
		filters Filters
	}{
		{"zero k", []float32{1, 0, 0}, 0, Filters{}},
		{"k above max", []float32{1, 0, 0}, 11, Filters{}},
		{"wrong dimensions", []float32{1, 0}, 3, Filters{}},
		{"zero vector", []float32{0, 0, 0}, 3, Filters{}},
		{"inverted dates", []float32{1, 0, 0}, 3, Filters{PublishedFrom: &from, PublishedTo: &to}},
		{"inverted amounts", []float32{1, 0, 0}, 3, Filters{AmountMin: &lo, AmountMax: &hi}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := idx.Search(context.Background(), tc.query, tc.k, tc.filters)
			assert.ErrorIs(t, err, errs.ErrInvalidQuery)
		})
	}
}

func TestSearchSeesCommittedWritesAndDeletes(t *testing.T) {
	db, idx := newStoreIndex(t)
	rec := seedRecord(t, db, 1, nil)

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 1, Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	seedEmbedding(t, idx, rec, 1, 0, 0)
	hits, err = idx.Search(context.Background(), []float32{1, 0, 0}, 1, Filters{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, idx.Delete(context.Background(), rec.ID))
	hits, err = idx.Search(context.Background(), []float32{1, 0, 0}, 1, Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNewSelectsBackend(t *testing.T) {
	db := databasetest.New(t)
	idx, err := New(BackendStore, db, Options{ModelVersion: testModel})
	require.NoError(t, err)
	assert.IsType(t, &StoreIndex{}, idx)

	_, err = New(BackendPgvector, db, Options{})
	assert.Error(t, err)

	_, err = New("faiss", db, Options{})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}))
}
