package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"projectfinder/internal/etl"
	"projectfinder/internal/model"
	"projectfinder/internal/repository"
)

// SyncPipeline claims sync leases; the returned job runs the harvest.
type SyncPipeline interface {
	ClaimIncremental(ctx context.Context, since time.Time) (etl.SyncJob, error)
	ClaimFull(ctx context.Context, req etl.FullSync) (etl.SyncJob, error)
	EmbedPending(ctx context.Context, limit int) (*etl.EmbedReport, error)
	ReindexKeywords(ctx context.Context) (int, error)
}

// HealthCheck probes one dependency. Optional dependencies only degrade the
// reported status.
type HealthCheck struct {
	Name     string
	Optional bool
	Probe    func(ctx context.Context) error
}

type AdminOptions struct {
	IncrementalDefaultDays int
	FullDefaultDaysBack    int
	ModelVersion           string
	HealthTimeout          time.Duration
	Now                    func() time.Time
}

type ComponentHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type HealthReport struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

type SyncStatusReport struct {
	Runs      []model.SyncRun      `json:"runs"`
	Leases    []model.SyncLease    `json:"leases"`
	Embedding *repository.Coverage `json:"embedding"`
}

type AdminService struct {
	pipeline   SyncPipeline
	runs       *repository.SyncRunRepository
	embeddings *repository.EmbeddingRepository
	checks     []HealthCheck
	opts       AdminOptions
	log        *zap.Logger

	jobs sync.WaitGroup
}

func NewAdminService(
	pipeline SyncPipeline,
	runs *repository.SyncRunRepository,
	embeddings *repository.EmbeddingRepository,
	checks []HealthCheck,
	opts AdminOptions,
	log *zap.Logger,
) *AdminService {
	if opts.IncrementalDefaultDays <= 0 {
		opts.IncrementalDefaultDays = 1
	}
	if opts.FullDefaultDaysBack <= 0 {
		opts.FullDefaultDaysBack = 30
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &AdminService{
		pipeline:   pipeline,
		runs:       runs,
		embeddings: embeddings,
		checks:     checks,
		opts:       opts,
		log:        log.Named("admin"),
	}
}

// SyncDaily harvests everything since the end of the last successful
// incremental window, or the default lookback when there is none.
func (s *AdminService) SyncDaily(ctx context.Context) (*model.SyncRun, error) {
	job, err := s.ClaimDaily(ctx)
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

func (s *AdminService) ClaimDaily(ctx context.Context) (etl.SyncJob, error) {
	since := s.opts.Now().AddDate(0, 0, -s.opts.IncrementalDefaultDays)
	last, err := s.runs.LastSucceeded(ctx, model.SyncModeIncremental)
	if err != nil {
		return nil, err
	}
	if last != nil {
		since = last.WindowTo
	}
	s.log.Info("starting incremental sync", zap.Time("since", since))
	return s.pipeline.ClaimIncremental(ctx, since)
}

// SyncFull backfills the last req.DaysBack days; zero uses the configured
// default.
func (s *AdminService) SyncFull(ctx context.Context, req etl.FullSync) (*model.SyncRun, error) {
	job, err := s.ClaimFull(ctx, req)
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

func (s *AdminService) ClaimFull(ctx context.Context, req etl.FullSync) (etl.SyncJob, error) {
	if req.DaysBack == 0 {
		req.DaysBack = s.opts.FullDefaultDaysBack
	}
	s.log.Info("starting full sync", zap.Int("days_back", req.DaysBack), zap.Bool("it_only", req.ITOnly))
	return s.pipeline.ClaimFull(ctx, req)
}

// Go runs a claimed job in the background under ctx. Wait blocks until every
// job started this way has returned.
func (s *AdminService) Go(ctx context.Context, mode string, job etl.SyncJob) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		run, err := job(ctx)
		if err != nil {
			s.log.Error("background sync failed", zap.String("mode", mode), zap.Error(err))
			return
		}
		s.log.Info("background sync finished", zap.String("mode", mode), zap.Uint("run_id", run.ID), zap.String("status", string(run.Status)))
	}()
}

func (s *AdminService) Wait() {
	s.jobs.Wait()
}

func (s *AdminService) EmbedPending(ctx context.Context, limit int) (*etl.EmbedReport, error) {
	return s.pipeline.EmbedPending(ctx, limit)
}

func (s *AdminService) ReindexKeywords(ctx context.Context) (int, error) {
	return s.pipeline.ReindexKeywords(ctx)
}

func (s *AdminService) Status(ctx context.Context, limit int) (*SyncStatusReport, error) {
	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	leases, err := s.runs.ListLeases(ctx)
	if err != nil {
		return nil, err
	}
	coverage, err := s.embeddings.Coverage(ctx, s.opts.ModelVersion)
	if err != nil {
		return nil, err
	}
	return &SyncStatusReport{Runs: runs, Leases: leases, Embedding: coverage}, nil
}

// Health probes every dependency. The status is "down" when a required
// dependency fails and "degraded" when only optional ones do.
func (s *AdminService) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: "ok", Components: make([]ComponentHealth, 0, len(s.checks))}
	for _, check := range s.checks {
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
		start := time.Now()
		err := check.Probe(probeCtx)
		cancel()

		component := ComponentHealth{
			Name:      check.Name,
			Healthy:   err == nil,
			Optional:  check.Optional,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			component.Error = err.Error()
			switch {
			case !check.Optional:
				report.Status = "down"
			case report.Status == "ok":
				report.Status = "degraded"
			}
			s.log.Warn("health check failed", zap.String("component", check.Name), zap.Error(err))
		}
		report.Components = append(report.Components, component)
	}
	return report
}
