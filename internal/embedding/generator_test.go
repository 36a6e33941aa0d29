package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"projectfinder/internal/errs"
	"projectfinder/internal/retry"
)

// fakeProvider embeds a text as [len(text), 1, 0]. Texts containing "bad"
// fail permanently; the first `transient` calls fail transiently.
type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	transient int
	batches   [][]string
}

func (p *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.batches = append(p.batches, append([]string(nil), texts...))
	p.mu.Unlock()

	if call <= p.transient {
		return nil, errors.New("503 upstream busy")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "bad") {
			return nil, errs.Permanent(errors.New("400 content rejected"))
		}
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func newGenerator(p Provider, batchSize int) *Generator {
	return New(p, Options{
		ModelVersion: "test-model@1",
		Dimensions:   3,
		BatchSize:    batchSize,
		Concurrency:  3,
		Policy:       retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	}, nil, zap.NewNop())
}

func TestEmbedBatchIsolatesPermanentItemFailure(t *testing.T) {
	p := &fakeProvider{}
	g := newGenerator(p, 8)

	results := g.EmbedBatch(context.Background(), []string{"first", "bad one", "third!"})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, []float32{5, 1, 0}, results[0].Vector)
	assert.Equal(t, "test-model@1", results[0].ModelVersion)

	var embErr *errs.EmbeddingError
	require.ErrorAs(t, results[1].Err, &embErr)
	assert.Equal(t, 1, embErr.Index)
	assert.True(t, embErr.Permanent)
	assert.Equal(t, "test-model@1", embErr.ModelVersion)
	assert.Nil(t, results[1].Vector)

	require.NoError(t, results[2].Err)
	assert.Equal(t, []float32{6, 1, 0}, results[2].Vector)
}

func TestEmbedBatchRetriesTransientFailure(t *testing.T) {
	p := &fakeProvider{transient: 2}
	g := newGenerator(p, 8)

	results := g.EmbedBatch(context.Background(), []string{"a", "bb"})
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.Equal(t, 3, p.calls)
}

func TestEmbedBatchPreservesOrderAcrossSubBatches(t *testing.T) {
	p := &fakeProvider{}
	g := newGenerator(p, 2)

	texts := []string{"a", "bb", "ccc", "", "eeeee", "ffffff", "ggggggg"}
	results := g.EmbedBatch(context.Background(), texts)
	require.Len(t, results, len(texts))
	for i, text := range texts {
		if text == "" {
			var embErr *errs.EmbeddingError
			require.ErrorAs(t, results[i].Err, &embErr)
			assert.Equal(t, i, embErr.Index)
			continue
		}
		require.NoError(t, results[i].Err)
		assert.Equal(t, float32(len(text)), results[i].Vector[0])
	}
	for _, batch := range p.batches {
		assert.LessOrEqual(t, len(batch), 2)
	}
}

type wrongDims struct{}

func (wrongDims) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2}
	}
	return out, nil
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	g := newGenerator(wrongDims{}, 4)
	results := g.EmbedBatch(context.Background(), []string{"x"})
	var embErr *errs.EmbeddingError
	require.ErrorAs(t, results[0].Err, &embErr)
	assert.Contains(t, embErr.Reason, "dimensions")
	assert.Equal(t, "test-model@1", embErr.ModelVersion)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func (c *mapCache) Get(_ context.Context, model, text string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[model+"|"+text]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, model, text string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[model+"|"+text] = vec
	return nil
}

func TestEmbedQueryUsesCache(t *testing.T) {
	p := &fakeProvider{}
	cache := &mapCache{data: map[string][]float32{}}
	g := New(p, Options{ModelVersion: "m", Dimensions: 3, BatchSize: 4, Concurrency: 1}, cache, zap.NewNop())

	v1, err := g.EmbedQuery(context.Background(), " portal ")
	require.NoError(t, err)
	v2, err := g.EmbedQuery(context.Background(), "portal")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, p.calls)

	_, err = g.EmbedQuery(context.Background(), "  ")
	assert.ErrorIs(t, err, errs.ErrInvalidQuery)
}
