package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"projectfinder/internal/ai"
	"projectfinder/internal/keyword"
	"projectfinder/internal/model"
	"projectfinder/internal/platform/database/databasetest"
	"projectfinder/internal/repository"
	"projectfinder/internal/retry"
	"projectfinder/internal/vectorindex"
)

const testModel = "test-embed@1"

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts [][]ai.ChatMessage
}

func (f *fakeLLM) Complete(_ context.Context, messages []ai.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder maps queries to vectors by the first registered substring.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.calls++
	for sub, vec := range f.vectors {
		if strings.Contains(text, sub) {
			return vec, nil
		}
	}
	return nil, errors.New("no vector for query")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type routerFixture struct {
	db       *gorm.DB
	router   *QueryRouter
	llm      *fakeLLM
	embedder *fakeEmbedder
	keyword  *keyword.BleveIndex
	chats    *repository.ChatRepository
	clock    *clock
	records  []*model.ProcurementRecord
}

func seedRecord(t *testing.T, db *gorm.DB, n int, title string, mutate func(*model.ProcurementRecord)) *model.ProcurementRecord {
	t.Helper()
	rec := &model.ProcurementRecord{
		ExternalID:   fmt.Sprintf("EXT-%d", n),
		Category:     "servicios",
		Status:       "convocado",
		ProcessType:  "adjudicacion simplificada",
		EntityName:   "Municipalidad de Lima",
		EntityTaxID:  "20131380951",
		Amount:       float64(n) * 100000,
		Currency:     "PEN",
		PublishedAt:  time.Date(2025, 3, n, 0, 0, 0, 0, time.UTC),
		ClosingAt:    model.UnspecifiedTime,
		Title:        title,
		Description:  model.Unspecified,
		Region:       "Lima",
		SourceURL:    model.Unspecified,
		IsIT:         true,
		ITCategory:   "software_development",
		ContentHash:  fmt.Sprintf("hash-%d", n),
		LastSyncedAt: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

// newRouterFixture seeds three records with unit vectors along each axis.
func newRouterFixture(t *testing.T, history HistoryCache) *routerFixture {
	t.Helper()
	ctx := context.Background()
	db := databasetest.New(t)
	log := zap.NewNop()

	records := []*model.ProcurementRecord{
		seedRecord(t, db, 1, "Sistema web de gestión documental", nil),
		seedRecord(t, db, 2, "Aplicación móvil para citas médicas", nil),
		seedRecord(t, db, 3, "Software de contabilidad gubernamental", func(r *model.ProcurementRecord) {
			r.Status = "adjudicado"
		}),
	}

	idx := vectorindex.NewStoreIndex(db, vectorindex.Options{ModelVersion: testModel, Dimensions: 3, MaxK: 10})
	for i, rec := range records {
		vec := make([]float32, 3)
		vec[i] = 1
		require.NoError(t, idx.Upsert(ctx, &model.Embedding{
			RecordID:     rec.ID,
			Vector:       vec,
			ModelVersion: testModel,
			ContentHash:  rec.ContentHash,
		}))
	}

	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })
	plain := make([]model.ProcurementRecord, len(records))
	for i, rec := range records {
		plain[i] = *rec
	}
	require.NoError(t, kw.IndexBatch(ctx, plain))

	llm := &fakeLLM{reply: "Record [1] fits your company."}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"hospital":   {0.1, 0.9, 0},
		"documentos": {0.9, 0.1, 0},
	}}
	clk := &clock{now: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	chats := repository.NewChatRepository(db)
	idle := 30 * time.Minute

	router := NewQueryRouter(
		NewClassifier(2, []string{"monto", "adjudicado", "convocado", "desde", "hasta"}),
		kw,
		embedder,
		idx,
		repository.NewRecordRepository(db),
		chats,
		NewDirectChatLogSink(chats, idle),
		history,
		llm,
		RouterOptions{
			DefaultK:          2,
			MaxK:              10,
			MaxContextRecords: 5,
			MaxContextChars:   4000,
			SessionIdle:       idle,
			HistoryLimit:      20,
			Generation:        retry.Policy{MaxAttempts: 2},
			Now:               clk.Now,
		},
		log,
	)
	return &routerFixture{
		db:       db,
		router:   router,
		llm:      llm,
		embedder: embedder,
		keyword:  kw,
		chats:    chats,
		clock:    clk,
		records:  records,
	}
}
