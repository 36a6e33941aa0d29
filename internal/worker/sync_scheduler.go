package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
)

type DailySyncer interface {
	SyncDaily(ctx context.Context) (*model.SyncRun, error)
}

// SyncScheduler runs an incremental sync every interval. A run rejected
// because another holds the lease is skipped.
type SyncScheduler struct {
	syncer   DailySyncer
	interval time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncScheduler(syncer DailySyncer, interval time.Duration, log *zap.Logger) *SyncScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &SyncScheduler{
		syncer:   syncer,
		interval: interval,
		log:      log.Named("scheduler"),
	}
}

func (s *SyncScheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-schedCtx.Done():
				return
			case <-ticker.C:
				s.tick(schedCtx)
			}
		}
	}()
	s.log.Info("sync scheduler started", zap.Duration("interval", s.interval))
}

func (s *SyncScheduler) tick(ctx context.Context) {
	run, err := s.syncer.SyncDaily(ctx)
	switch {
	case errors.Is(err, errs.ErrConflict):
		s.log.Info("scheduled sync skipped", zap.Error(err))
	case err != nil:
		s.log.Error("scheduled sync failed", zap.Error(err))
	case run != nil:
		s.log.Info("scheduled sync finished",
			zap.Uint("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("created", run.Created),
			zap.Int("updated", run.Updated),
		)
	}
}

func (s *SyncScheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
