// Package etl harvests procurement entries, normalizes and upserts them, and
// keeps their embeddings and keyword index current.
package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"projectfinder/internal/embedding"
	"projectfinder/internal/errs"
	"projectfinder/internal/harvest"
	"projectfinder/internal/model"
	"projectfinder/internal/normalize"
	"projectfinder/internal/repository"
)

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) []embedding.Result
	ModelVersion() string
}

// EmbeddingWriter stores produced vectors; vectorindex.Index satisfies it.
type EmbeddingWriter interface {
	Upsert(ctx context.Context, emb *model.Embedding) error
}

type KeywordIndexer interface {
	IndexBatch(ctx context.Context, recs []model.ProcurementRecord) error
}

type Options struct {
	// Holder identifies this process on the sync lease. Empty generates one.
	Holder      string
	LeaseTTL    time.Duration
	Concurrency int
	Now         func() time.Time
}

type Pipeline struct {
	source     harvest.Source
	normalizer *normalize.Normalizer
	records    *repository.RecordRepository
	embeddings *repository.EmbeddingRepository
	runs       *repository.SyncRunRepository
	embedder   Embedder
	writer     EmbeddingWriter
	keyword    KeywordIndexer
	opts       Options
	log        *zap.Logger
}

// NewPipeline wires a pipeline. keyword may be nil.
func NewPipeline(
	source harvest.Source,
	normalizer *normalize.Normalizer,
	records *repository.RecordRepository,
	embeddings *repository.EmbeddingRepository,
	runs *repository.SyncRunRepository,
	embedder Embedder,
	writer EmbeddingWriter,
	keyword KeywordIndexer,
	opts Options,
	log *zap.Logger,
) *Pipeline {
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		source:     source,
		normalizer: normalizer,
		records:    records,
		embeddings: embeddings,
		runs:       runs,
		embedder:   embedder,
		writer:     writer,
		keyword:    keyword,
		opts:       opts,
		log:        log.Named("etl"),
	}
}

// SyncJob performs a sync whose lease is already held and releases the lease
// when it returns. It must be called exactly once.
type SyncJob func(ctx context.Context) (*model.SyncRun, error)

// FullSync selects the lookback of a full backfill.
type FullSync struct {
	DaysBack int
	// ITOnly stores only entries classified as IT.
	ITOnly bool
}

// SyncIncremental harvests entries changed or published since since.
func (p *Pipeline) SyncIncremental(ctx context.Context, since time.Time) (*model.SyncRun, error) {
	job, err := p.ClaimIncremental(ctx, since)
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

// ClaimIncremental takes the incremental lease and returns the job that
// harvests since since. A held lease yields *errs.ConflictError.
func (p *Pipeline) ClaimIncremental(ctx context.Context, since time.Time) (SyncJob, error) {
	now := p.opts.Now()
	if since.After(now) {
		return nil, errs.InvalidQueryf("since %s is in the future", since.Format(time.RFC3339))
	}
	return p.claim(ctx, model.SyncModeIncremental, func(ctx context.Context) (*model.SyncRun, error) {
		if _, err := p.runs.CloseAbandoned(ctx, model.SyncModeIncremental, 0, now); err != nil {
			return nil, err
		}
		run := &model.SyncRun{
			Mode:       model.SyncModeIncremental,
			WindowFrom: since.UTC(),
			WindowTo:   now,
		}
		return run, nil
	})
}

// SyncFull harvests the whole window of the last daysBack days.
func (p *Pipeline) SyncFull(ctx context.Context, daysBack int) (*model.SyncRun, error) {
	job, err := p.ClaimFull(ctx, FullSync{DaysBack: daysBack})
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

// ClaimFull takes the full lease and returns the backfill job. An open run
// over the same lookback and scope is resumed from its persisted cursor.
func (p *Pipeline) ClaimFull(ctx context.Context, req FullSync) (SyncJob, error) {
	if req.DaysBack <= 0 {
		return nil, errs.InvalidQueryf("days_back must be positive, got %d", req.DaysBack)
	}
	return p.claim(ctx, model.SyncModeFull, func(ctx context.Context) (*model.SyncRun, error) {
		now := p.opts.Now()
		resumable, err := p.runs.FindResumable(ctx, model.SyncModeFull, req.DaysBack, req.ITOnly)
		if err != nil {
			return nil, err
		}
		keep := uint(0)
		if resumable != nil {
			keep = resumable.ID
		}
		if _, err := p.runs.CloseAbandoned(ctx, model.SyncModeFull, keep, now); err != nil {
			return nil, err
		}
		if resumable != nil {
			p.log.Info("resuming full sync",
				zap.Uint("run_id", resumable.ID),
				zap.String("cursor", resumable.Cursor),
				zap.Int("pages_done", resumable.PagesDone),
			)
			resumable.Error = ""
			resumable.EndedAt = nil
			return resumable, nil
		}
		return &model.SyncRun{
			Mode:       model.SyncModeFull,
			WindowFrom: now.AddDate(0, 0, -req.DaysBack),
			WindowTo:   now,
			DaysBack:   req.DaysBack,
			ITOnly:     req.ITOnly,
		}, nil
	})
}

// claim acquires the lease of mode and returns the job holding it. prepare
// returns either a new run (ID 0) or an open run to resume.
func (p *Pipeline) claim(ctx context.Context, mode model.SyncMode, prepare func(ctx context.Context) (*model.SyncRun, error)) (SyncJob, error) {
	if _, err := p.runs.Acquire(ctx, mode, p.opts.Holder, p.opts.LeaseTTL, p.opts.Now()); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*model.SyncRun, error) {
		defer func() {
			if err := p.runs.Release(context.WithoutCancel(ctx), mode, p.opts.Holder); err != nil {
				p.log.Warn("release sync lease failed", zap.String("mode", string(mode)), zap.Error(err))
			}
		}()
		return p.start(ctx, mode, prepare)
	}, nil
}

func (p *Pipeline) start(ctx context.Context, mode model.SyncMode, prepare func(ctx context.Context) (*model.SyncRun, error)) (*model.SyncRun, error) {
	run, err := prepare(ctx)
	if err != nil {
		return nil, errs.StoreWrite("prepare sync run", err)
	}
	run.Status = model.SyncStatusRunning
	run.Open = true
	if run.Cursor == "" {
		run.Cursor = harvest.FirstPage
	}
	if run.ID == 0 {
		run.StartedAt = p.opts.Now()
		if err := p.runs.Create(ctx, run); err != nil {
			return nil, errs.StoreWrite("create sync run", err)
		}
	} else if err := p.runs.Save(ctx, run); err != nil {
		return nil, errs.StoreWrite("reopen sync run", err)
	}
	if err := p.runs.Renew(ctx, mode, p.opts.Holder, run.ID, p.opts.LeaseTTL, p.opts.Now()); err != nil {
		return run, err
	}

	p.log.Info("sync started",
		zap.Uint("run_id", run.ID),
		zap.String("mode", string(mode)),
		zap.Bool("it_only", run.ITOnly),
		zap.Time("from", run.WindowFrom),
		zap.Time("to", run.WindowTo),
	)
	return p.harvest(ctx, run)
}

func (p *Pipeline) window(run *model.SyncRun) harvest.Window {
	if run.Mode == model.SyncModeIncremental {
		return harvest.Window{Since: run.WindowFrom, To: run.WindowTo}
	}
	return harvest.Window{From: run.WindowFrom, To: run.WindowTo}
}

// harvest walks the pages of the run's window starting at its cursor. The
// cursor only advances past a page once the page is fully applied.
func (p *Pipeline) harvest(ctx context.Context, run *model.SyncRun) (*model.SyncRun, error) {
	w := p.window(run)
	f := newFetcher(p.source, w, p.opts.Concurrency)

	for run.Cursor != "" {
		if err := ctx.Err(); err != nil {
			return p.interrupt(ctx, run, err)
		}

		page, err := f.next(ctx, run.Cursor)
		if err != nil {
			if ctx.Err() != nil {
				return p.interrupt(ctx, run, ctx.Err())
			}
			return p.finish(ctx, run, model.SyncStatusFailedPartial, err)
		}

		counts, err := p.applyPage(ctx, page, run.ITOnly)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, errs.ErrStoreWrite) {
				return p.interrupt(ctx, run, ctx.Err())
			}
			return p.finish(ctx, run, model.SyncStatusFailed, err)
		}

		counts.addTo(run)
		run.PagesDone++
		run.Cursor = page.Next()
		if err := p.runs.Save(context.WithoutCancel(ctx), run); err != nil {
			return p.finish(ctx, run, model.SyncStatusFailed, errs.StoreWrite("save sync progress", err))
		}
		if err := p.runs.Renew(context.WithoutCancel(ctx), run.Mode, p.opts.Holder, run.ID, p.opts.LeaseTTL, p.opts.Now()); err != nil {
			if errors.Is(err, repository.ErrLeaseLost) {
				p.log.Warn("sync lease lost, stopping", zap.Uint("run_id", run.ID))
				return run, err
			}
			return p.finish(ctx, run, model.SyncStatusFailed, errs.StoreWrite("renew sync lease", err))
		}
		p.log.Debug("page applied",
			zap.Uint("run_id", run.ID),
			zap.Int("page", page.Number),
			zap.Int("entries", len(page.Entries)),
			zap.String("next", run.Cursor),
		)
	}
	return p.finish(ctx, run, model.SyncStatusSucceeded, nil)
}

// interrupt records a cancelled run. It stays open so the next run of the
// same window resumes from its cursor.
func (p *Pipeline) interrupt(ctx context.Context, run *model.SyncRun, cause error) (*model.SyncRun, error) {
	now := p.opts.Now()
	run.Status = model.SyncStatusInterrupted
	run.Error = cause.Error()
	run.EndedAt = &now
	if err := p.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		p.log.Error("save interrupted sync run failed", zap.Uint("run_id", run.ID), zap.Error(err))
	}
	p.log.Info("sync interrupted",
		zap.Uint("run_id", run.ID),
		zap.String("cursor", run.Cursor),
		zap.Int("pages_done", run.PagesDone),
	)
	return run, fmt.Errorf("sync interrupted: %w", cause)
}

func (p *Pipeline) finish(ctx context.Context, run *model.SyncRun, status model.SyncStatus, cause error) (*model.SyncRun, error) {
	now := p.opts.Now()
	run.Status = status
	run.Open = false
	run.EndedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := p.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		p.log.Error("close sync run failed", zap.Uint("run_id", run.ID), zap.Error(err))
		if cause == nil {
			cause = errs.StoreWrite("close sync run", err)
		}
	}

	fields := []zap.Field{
		zap.Uint("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("fetched", run.Fetched),
		zap.Int("created", run.Created),
		zap.Int("updated", run.Updated),
		zap.Int("unchanged", run.Unchanged),
		zap.Int("failed", run.Failed),
		zap.Int("skipped", run.Skipped),
		zap.Int("embedded", run.Embedded),
		zap.Int("embed_failed", run.EmbedFailed),
	}
	if cause != nil {
		p.log.Warn("sync finished with error", append(fields, zap.Error(cause))...)
		return run, cause
	}
	p.log.Info("sync finished", fields...)
	return run, nil
}
