package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"projectfinder/internal/embedding"
	"projectfinder/internal/errs"
	"projectfinder/internal/harvest"
	"projectfinder/internal/keyword"
	"projectfinder/internal/model"
	"projectfinder/internal/normalize"
	"projectfinder/internal/platform/database/databasetest"
	"projectfinder/internal/repository"
	"projectfinder/internal/retry"
	"projectfinder/internal/vectorindex"
)

const dims = 256

// bagOfWords embeds text as hashed accent-folded token counts, so texts that
// share words are close under cosine similarity.
type bagOfWords struct {
	mu     sync.Mutex
	calls  int
	onCall func(call int)
}

func (b *bagOfWords) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	if b.onCall != nil {
		b.onCall(call)
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dims)
		for _, tok := range strings.FieldsFunc(normalize.Fold(text), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%dims]++
		}
		out[i] = vec
	}
	return out, nil
}

// pagedSource serves fixed pages by number and can fail on chosen pages.
type pagedSource struct {
	pages  [][]json.RawMessage
	failOn map[string]bool

	mu      sync.Mutex
	fetched []string
}

func (s *pagedSource) FetchPage(_ context.Context, _ harvest.Window, cursor string) (*harvest.Page, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, cursor)
	s.mu.Unlock()
	if s.failOn[cursor] {
		return nil, fmt.Errorf("%w: page %s: connection reset", errs.ErrSourceUnavailable, cursor)
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 1 || n > len(s.pages) {
		return nil, fmt.Errorf("unknown cursor %q", cursor)
	}
	return &harvest.Page{Entries: s.pages[n-1], Number: n, TotalPages: len(s.pages)}, nil
}

func (s *pagedSource) Ping(context.Context) error { return nil }

func listingRow(id, title, description string, day int) json.RawMessage {
	row := map[string]any{
		"id_proceso":          id,
		"numero_proceso":      "AS-" + id,
		"objeto_contratacion": title,
		"descripcion":         description,
		"entidad":             "Gobierno Regional del Cusco",
		"entidad_ruc":         "20527141762",
		"tipo_proceso":        "Adjudicación Simplificada",
		"estado":              "Convocado",
		"fecha_publicacion":   fmt.Sprintf("2025-03-%02d", day),
		"valor_referencial":   "S/ 150,000.00",
		"rubro":               "Servicios",
		"departamento":        "Cusco",
	}
	raw, _ := json.Marshal(row)
	return raw
}

type fixture struct {
	db        *gorm.DB
	pipeline  *Pipeline
	generator *embedding.Generator
	index     *vectorindex.StoreIndex
	runs      *repository.SyncRunRepository
	keyword   *keyword.BleveIndex
}

func newFixture(t *testing.T, source harvest.Source, provider embedding.Provider, modelVersion string) *fixture {
	t.Helper()
	db := databasetest.New(t)
	return newFixtureOn(t, db, source, provider, modelVersion)
}

func newFixtureOn(t *testing.T, db *gorm.DB, source harvest.Source, provider embedding.Provider, modelVersion string) *fixture {
	t.Helper()
	log := zap.NewNop()
	gen := embedding.New(provider, embedding.Options{
		ModelVersion: modelVersion,
		Dimensions:   dims,
		BatchSize:    8,
		Concurrency:  2,
		Policy:       retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, nil, log)
	idx := vectorindex.NewStoreIndex(db, vectorindex.Options{ModelVersion: modelVersion, Dimensions: dims, MaxK: 10})
	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	runs := repository.NewSyncRunRepository(db)
	p := NewPipeline(
		source,
		normalize.New(normalize.Options{LocalCurrency: "PEN", ITThreshold: 0.3}),
		repository.NewRecordRepository(db),
		repository.NewEmbeddingRepository(db),
		runs,
		gen,
		idx,
		kw,
		Options{Holder: "test-" + modelVersion, LeaseTTL: time.Minute, Concurrency: 2},
		log,
	)
	return &fixture{db: db, pipeline: p, generator: gen, index: idx, runs: runs, keyword: kw}
}

func itRows() []json.RawMessage {
	return []json.RawMessage{
		listingRow("1001", "Desarrollo de sistema web de gestión documental", "Plataforma de trámite documentario en línea", 3),
		listingRow("1002", "Implementación de aplicación móvil para citas médicas", "Desarrollo de app android e ios para pacientes del hospital", 4),
		listingRow("1003", "Adquisición de software de contabilidad gubernamental", "Licencias y soporte de sistema contable", 5),
	}
}

func TestFullBackfillEndToEnd(t *testing.T) {
	rows := itRows()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		entries := rows[:2]
		if page == 2 {
			entries = rows[2:]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": entries, "page": page, "total_pages": 2})
	}))
	defer srv.Close()

	client := harvest.NewClient(harvest.Options{BaseURL: srv.URL, PageSize: 2, MaxAttempts: 2}, zap.NewNop()).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	f := newFixture(t, client, &bagOfWords{}, "bow@1")

	run, err := f.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSucceeded, run.Status)
	assert.False(t, run.Open)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, 3, run.Created)
	assert.Equal(t, 3, run.Embedded)
	assert.Equal(t, 2, run.PagesDone)
	assert.Empty(t, run.Cursor)

	var records []model.ProcurementRecord
	require.NoError(t, f.db.Order("id").Find(&records).Error)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.True(t, rec.IsIT, rec.Title)
	}

	var current int64
	require.NoError(t, f.db.Model(&model.Embedding{}).Where("model_version = ?", "bow@1").Count(&current).Error)
	assert.Equal(t, int64(3), current)

	query, err := f.generator.EmbedQuery(context.Background(), "Implementación de una aplicación móvil para citas médicas del hospital")
	require.NoError(t, err)
	hits, err := f.index.Search(context.Background(), query, 3, vectorindex.Filters{ITOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "1002", hits[0].Record.ExternalID)

	kw, err := f.keyword.Search(context.Background(), "contabilidad", 5)
	require.NoError(t, err)
	require.Len(t, kw, 1)
	assert.Equal(t, records[2].ID, kw[0].RecordID)
}

func sixRowsInThreePages() [][]json.RawMessage {
	rows := append(itRows(),
		listingRow("1004", "Servicio de desarrollo de portal web institucional", "Rediseño del portal y sistema de noticias", 6),
		listingRow("1005", "Mantenimiento de software de planillas", "Soporte del sistema de recursos humanos", 7),
		listingRow("1006", "Desarrollo de aplicativo de mesa de partes virtual", "Plataforma web con firma digital", 8),
	)
	return [][]json.RawMessage{rows[0:2], rows[2:4], rows[4:6]}
}

type recordSnapshot struct {
	ExternalID  string
	Title       string
	ContentHash string
	Amount      float64
	IsIT        bool
	Embedded    string
}

func snapshot(t *testing.T, db *gorm.DB) []recordSnapshot {
	t.Helper()
	var records []model.ProcurementRecord
	require.NoError(t, db.Find(&records).Error)
	out := make([]recordSnapshot, 0, len(records))
	for _, rec := range records {
		var emb model.Embedding
		embedded := ""
		if err := db.Where("record_id = ?", rec.ID).First(&emb).Error; err == nil && emb.ContentHash == rec.ContentHash {
			embedded = emb.ModelVersion
		}
		out = append(out, recordSnapshot{
			ExternalID:  rec.ExternalID,
			Title:       rec.Title,
			ContentHash: rec.ContentHash,
			Amount:      rec.Amount,
			IsIT:        rec.IsIT,
			Embedded:    embedded,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func TestInterruptedFullSyncResumesToSameState(t *testing.T) {
	pages := sixRowsInThreePages()

	baseline := newFixture(t, &pagedSource{pages: pages}, &bagOfWords{}, "bow@1")
	_, err := baseline.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)
	want := snapshot(t, baseline.db)
	require.Len(t, want, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &bagOfWords{onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	f := newFixture(t, &pagedSource{pages: pages}, provider, "bow@1")

	interrupted, err := f.pipeline.SyncFull(ctx, 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, interrupted)
	assert.Equal(t, model.SyncStatusInterrupted, interrupted.Status)
	assert.True(t, interrupted.Open)
	assert.Equal(t, 1, interrupted.PagesDone)
	assert.Equal(t, "2", interrupted.Cursor)

	resumed, err := f.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, interrupted.ID, resumed.ID)
	assert.Equal(t, model.SyncStatusSucceeded, resumed.Status)
	assert.Equal(t, 3, resumed.PagesDone)
	assert.Equal(t, 6, resumed.Fetched)

	assert.Equal(t, want, snapshot(t, f.db))

	var runs int64
	require.NoError(t, f.db.Model(&model.SyncRun{}).Count(&runs).Error)
	assert.Equal(t, int64(1), runs)
}

func TestSecondRunOfSameModeIsRejected(t *testing.T) {
	f := newFixture(t, &pagedSource{pages: sixRowsInThreePages()}, &bagOfWords{}, "bow@1")
	_, err := f.runs.Acquire(context.Background(), model.SyncModeIncremental, "other-instance", time.Minute, time.Now().UTC())
	require.NoError(t, err)

	run, err := f.pipeline.SyncIncremental(context.Background(), time.Now().Add(-24*time.Hour))
	assert.Nil(t, run)
	assert.ErrorIs(t, err, errs.ErrConflict)
	var conflict *errs.ConflictError
	assert.ErrorAs(t, err, &conflict)

	// The full mode has its own lease.
	run, err = f.pipeline.SyncFull(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSucceeded, run.Status)
}

func TestBadEntriesAreIsolated(t *testing.T) {
	page := []json.RawMessage{
		json.RawMessage(`{"unexpected":"shape"}`),
		listingRow("2001", "Desarrollo de sistema de inventarios", "Software web de almacén", 3),
		json.RawMessage(`{"id_proceso":"2002","objeto_contratacion":"Servicio de software","fecha_publicacion":"yesterday"}`),
	}
	f := newFixture(t, &pagedSource{pages: [][]json.RawMessage{page}}, &bagOfWords{}, "bow@1")

	run, err := f.pipeline.SyncIncremental(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSucceeded, run.Status)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, 2, run.Failed)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, 1, run.Embedded)
}

func TestSourceFailureKeepsPartialProgress(t *testing.T) {
	source := &pagedSource{pages: sixRowsInThreePages(), failOn: map[string]bool{"2": true}}
	f := newFixture(t, source, &bagOfWords{}, "bow@1")

	run, err := f.pipeline.SyncFull(context.Background(), 30)
	assert.ErrorIs(t, err, errs.ErrSourceUnavailable)
	require.NotNil(t, run)
	assert.Equal(t, model.SyncStatusFailedPartial, run.Status)
	assert.False(t, run.Open)
	assert.Equal(t, 1, run.PagesDone)
	assert.Equal(t, 2, run.Created)

	stored, err := f.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailedPartial, stored.Status)
	assert.NotEmpty(t, stored.Error)

	var count int64
	require.NoError(t, f.db.Model(&model.ProcurementRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestUnchangedResyncKeepsEmbeddings(t *testing.T) {
	source := &pagedSource{pages: [][]json.RawMessage{itRows()}}
	provider := &bagOfWords{}
	f := newFixture(t, source, provider, "bow@1")

	_, err := f.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)
	callsAfterFirst := provider.calls

	run, err := f.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Unchanged)
	assert.Equal(t, 0, run.Embedded)
	assert.Equal(t, callsAfterFirst, provider.calls)
}

func TestEmbedPendingAfterModelUpgrade(t *testing.T) {
	source := &pagedSource{pages: [][]json.RawMessage{itRows()}}
	v1 := newFixture(t, source, &bagOfWords{}, "bow@1")
	_, err := v1.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)

	v2 := newFixtureOn(t, v1.db, source, &bagOfWords{}, "bow@2")
	report, err := v2.pipeline.EmbedPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "bow@2", report.ModelVersion)
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 3, report.Embedded)

	var outdated int64
	require.NoError(t, v1.db.Model(&model.Embedding{}).Where("model_version <> ?", "bow@2").Count(&outdated).Error)
	assert.Zero(t, outdated)

	report, err = v2.pipeline.EmbedPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
}

func TestFetcherPrefetchesNumberedPagesInOrder(t *testing.T) {
	source := &pagedSource{pages: sixRowsInThreePages()}
	f := newFetcher(source, harvest.Window{}, 3)

	first, err := f.next(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, []string{"2", "3"}, f.cursors("2")[:2])

	second, err := f.next(context.Background(), first.Next())
	require.NoError(t, err)
	third, err := f.next(context.Background(), second.Next())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, []int{second.Number, third.Number})
	assert.Empty(t, third.Next())
	assert.Len(t, source.fetched, 3)
}

func TestFetcherReturnsErrorWhenFirstPageFails(t *testing.T) {
	source := &pagedSource{pages: sixRowsInThreePages(), failOn: map[string]bool{"1": true}}
	f := newFetcher(source, harvest.Window{}, 2)
	_, err := f.next(context.Background(), "1")
	assert.True(t, errors.Is(err, errs.ErrSourceUnavailable))
}

func TestReindexKeywordsCoversRecordsWrittenElsewhere(t *testing.T) {
	src := &pagedSource{pages: [][]json.RawMessage{itRows()}}
	f := newFixture(t, src, &bagOfWords{}, "bow@1")
	ctx := context.Background()

	_, err := f.pipeline.SyncFull(ctx, 30)
	require.NoError(t, err)

	fresh, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	f.pipeline.keyword = fresh

	n, err := f.pipeline.ReindexKeywords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	count, err := fresh.DocCount()
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestStoreFailureClosesRunAsFailed(t *testing.T) {
	f := newFixture(t, &pagedSource{pages: sixRowsInThreePages()}, &bagOfWords{}, "bow@1")

	inserts := 0
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_third_record", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Dest.(*model.ProcurementRecord); !ok {
			return
		}
		inserts++
		if inserts == 3 {
			tx.AddError(errors.New("disk full"))
		}
	}))

	run, err := f.pipeline.SyncFull(context.Background(), 30)
	assert.ErrorIs(t, err, errs.ErrStoreWrite)
	var storeErr *errs.StoreWriteError
	assert.ErrorAs(t, err, &storeErr)
	require.NotNil(t, run)
	assert.Equal(t, model.SyncStatusFailed, run.Status)
	assert.False(t, run.Open)
	assert.Equal(t, 2, run.Created)
	assert.Equal(t, 1, run.PagesDone)
	assert.Equal(t, "2", run.Cursor)

	stored, err := f.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, stored.Status)
	assert.False(t, stored.Open)
	assert.Equal(t, 2, stored.Created)
	assert.Contains(t, stored.Error, "disk full")

	var count int64
	require.NoError(t, f.db.Model(&model.ProcurementRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestITOnlyFullSyncSkipsOtherEntries(t *testing.T) {
	page := append(itRows(),
		listingRow("3001", "Servicio de limpieza de oficinas", "Limpieza de ambientes y jardines", 6),
	)
	f := newFixture(t, &pagedSource{pages: [][]json.RawMessage{page}}, &bagOfWords{}, "bow@1")

	job, err := f.pipeline.ClaimFull(context.Background(), FullSync{DaysBack: 30, ITOnly: true})
	require.NoError(t, err)
	run, err := job(context.Background())
	require.NoError(t, err)
	assert.True(t, run.ITOnly)
	assert.Equal(t, 4, run.Fetched)
	assert.Equal(t, 3, run.Created)
	assert.Equal(t, 1, run.Skipped)

	var stored []model.ProcurementRecord
	require.NoError(t, f.db.Find(&stored).Error)
	require.Len(t, stored, 3)
	for _, rec := range stored {
		assert.True(t, rec.IsIT, rec.Title)
	}

	run, err = f.pipeline.SyncFull(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, 3, run.Unchanged)
}

func TestClaimHoldsLeaseUntilJobReturns(t *testing.T) {
	f := newFixture(t, &pagedSource{pages: [][]json.RawMessage{itRows()}}, &bagOfWords{}, "bow@1")
	ctx := context.Background()

	job, err := f.pipeline.ClaimFull(ctx, FullSync{DaysBack: 30})
	require.NoError(t, err)

	_, err = f.pipeline.ClaimFull(ctx, FullSync{DaysBack: 30})
	assert.ErrorIs(t, err, errs.ErrConflict)

	run, err := job(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSucceeded, run.Status)

	again, err := f.pipeline.ClaimFull(ctx, FullSync{DaysBack: 30})
	require.NoError(t, err)
	_, err = again(ctx)
	require.NoError(t, err)
}
