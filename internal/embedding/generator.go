// Package embedding turns record and query text into vectors tagged with the
// version of the model that produced them.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"projectfinder/internal/errs"
	"projectfinder/internal/retry"
)

// Provider is the remote embedding model.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type QueryCache interface {
	Get(ctx context.Context, modelVersion, text string) ([]float32, bool, error)
	Set(ctx context.Context, modelVersion, text string, vec []float32) error
}

// Result is the outcome of one input. Exactly one of Vector and Err is set.
type Result struct {
	Vector       []float32
	ModelVersion string
	Err          error
}

type Options struct {
	ModelVersion      string
	Dimensions        int
	BatchSize         int
	Concurrency       int
	RequestsPerMinute int
	Policy            retry.Policy
}

type Generator struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	cache    QueryCache
	log      *zap.Logger
}

// New builds a generator. cache may be nil.
func New(provider Provider, opts Options, cache QueryCache, log *zap.Logger) *Generator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	return &Generator{
		provider: provider,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.Concurrency),
		cache:    cache,
		log:      log.Named("embedding"),
	}
}

func (g *Generator) ModelVersion() string {
	return g.opts.ModelVersion
}

func (g *Generator) Dimensions() int {
	return g.opts.Dimensions
}

// EmbedBatch embeds texts in sub-batches and returns one Result per input in
// input order. A failing item never fails its siblings.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))

	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = g.failure(i, errors.New("empty input text"), true)
			continue
		}
		pending = append(pending, i)
	}

	var group errgroup.Group
	group.SetLimit(g.opts.Concurrency)
	for start := 0; start < len(pending); start += g.opts.BatchSize {
		end := start + g.opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]
		group.Go(func() error {
			g.embedChunk(ctx, texts, chunk, results)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// embedChunk fills results for the indexes in chunk. A permanent failure of
// the whole sub-batch is narrowed by embedding its items one at a time.
func (g *Generator) embedChunk(ctx context.Context, texts []string, chunk []int, results []Result) {
	if err := ctx.Err(); err != nil {
		for _, idx := range chunk {
			results[idx] = g.failure(idx, err, false)
		}
		return
	}

	inputs := make([]string, len(chunk))
	for i, idx := range chunk {
		inputs[i] = texts[idx]
	}

	vecs, err := g.call(ctx, inputs)
	if err == nil {
		for i, idx := range chunk {
			results[idx] = g.accept(idx, vecs[i])
		}
		return
	}

	if !errs.IsPermanent(err) || len(chunk) == 1 {
		g.log.Warn("embedding sub-batch failed",
			zap.Int("size", len(chunk)),
			zap.Bool("permanent", errs.IsPermanent(err)),
			zap.Error(err),
		)
		for _, idx := range chunk {
			results[idx] = g.failure(idx, err, errs.IsPermanent(err))
		}
		return
	}

	g.log.Info("narrowing permanent sub-batch failure", zap.Int("size", len(chunk)), zap.Error(err))
	for _, idx := range chunk {
		single, err := g.call(ctx, []string{texts[idx]})
		if err != nil {
			results[idx] = g.failure(idx, err, errs.IsPermanent(err))
			continue
		}
		results[idx] = g.accept(idx, single[0])
	}
}

// call runs one provider request under the rate limiter and retry policy.
func (g *Generator) call(ctx context.Context, inputs []string) ([][]float32, error) {
	var vecs [][]float32
	err := g.opts.Policy.Do(ctx, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := g.provider.EmbedBatch(ctx, inputs)
		if err != nil {
			return err
		}
		if len(out) != len(inputs) {
			return errs.Permanent(fmt.Errorf("provider returned %d vectors for %d inputs", len(out), len(inputs)))
		}
		vecs = out
		return nil
	})
	return vecs, err
}

func (g *Generator) accept(idx int, vec []float32) Result {
	if g.opts.Dimensions > 0 && len(vec) != g.opts.Dimensions {
		return g.failure(idx, fmt.Errorf("vector has %d dimensions, model %s expects %d", len(vec), g.opts.ModelVersion, g.opts.Dimensions), true)
	}
	return Result{Vector: vec, ModelVersion: g.opts.ModelVersion}
}

func (g *Generator) failure(idx int, cause error, permanent bool) Result {
	return Result{
		ModelVersion: g.opts.ModelVersion,
		Err: &errs.EmbeddingError{
			Index:        idx,
			Reason:       cause.Error(),
			Permanent:    permanent,
			ModelVersion: g.opts.ModelVersion,
			Err:          cause,
		},
	}
}

// EmbedQuery embeds a search query, reading through the query cache.
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errs.InvalidQueryf("empty query text")
	}

	if g.cache != nil {
		vec, ok, err := g.cache.Get(ctx, g.opts.ModelVersion, text)
		if err != nil {
			g.log.Warn("query embedding cache read failed", zap.Error(err))
		} else if ok && (g.opts.Dimensions <= 0 || len(vec) == g.opts.Dimensions) {
			return vec, nil
		}
	}

	res := g.EmbedBatch(ctx, []string{text})[0]
	if res.Err != nil {
		return nil, fmt.Errorf("embed query failed: %w", res.Err)
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, g.opts.ModelVersion, text, res.Vector); err != nil {
			g.log.Warn("query embedding cache write failed", zap.Error(err))
		}
	}
	return res.Vector, nil
}
