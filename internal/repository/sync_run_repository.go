package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
)

var ErrLeaseLost = errors.New("sync lease lost")

type SyncRunRepository struct {
	db *gorm.DB
}

func NewSyncRunRepository(db *gorm.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Acquire claims the lease of mode for holder. The claim is a single
// conditional update, so only one caller wins even across processes. An
// active lease held by someone else yields *errs.ConflictError.
func (r *SyncRunRepository) Acquire(ctx context.Context, mode model.SyncMode, holder string, ttl time.Duration, now time.Time) (*model.SyncLease, error) {
	db := r.db.WithContext(ctx)
	seed := model.SyncLease{Mode: mode, ExpiresAt: time.Unix(0, 0).UTC()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seed sync lease failed: %w", err)
	}

	res := db.Model(&model.SyncLease{}).
		Where("mode = ? AND (holder = ? OR expires_at < ?)", mode, "", now).
		Updates(map[string]interface{}{
			"holder":     holder,
			"run_id":     0,
			"expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("acquire sync lease failed: %w", res.Error)
	}

	var lease model.SyncLease
	if err := db.Where("mode = ?", mode).First(&lease).Error; err != nil {
		return nil, fmt.Errorf("read sync lease failed: %w", err)
	}
	if res.RowsAffected != 1 || lease.Holder != holder {
		return nil, &errs.ConflictError{Mode: string(mode), RunID: lease.RunID}
	}
	return &lease, nil
}

// Renew extends the lease and binds it to runID. It fails with ErrLeaseLost
// when holder no longer owns the lease.
func (r *SyncRunRepository) Renew(ctx context.Context, mode model.SyncMode, holder string, runID uint, ttl time.Duration, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.SyncLease{}).
		Where("mode = ? AND holder = ?", mode, holder).
		Updates(map[string]interface{}{
			"run_id":     runID,
			"expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return fmt.Errorf("renew sync lease failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *SyncRunRepository) Release(ctx context.Context, mode model.SyncMode, holder string) error {
	err := r.db.WithContext(ctx).Model(&model.SyncLease{}).
		Where("mode = ? AND holder = ?", mode, holder).
		Updates(map[string]interface{}{
			"holder":     "",
			"run_id":     0,
			"expires_at": time.Unix(0, 0).UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("release sync lease failed: %w", err)
	}
	return nil
}

func (r *SyncRunRepository) ListLeases(ctx context.Context) ([]model.SyncLease, error) {
	var leases []model.SyncLease
	if err := r.db.WithContext(ctx).Order("mode ASC").Find(&leases).Error; err != nil {
		return nil, fmt.Errorf("list sync leases failed: %w", err)
	}
	return leases, nil
}

func (r *SyncRunRepository) Create(ctx context.Context, run *model.SyncRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create sync run failed: %w", err)
	}
	return nil
}

// Save persists the progress of an open run. Closed runs are immutable and
// are not touched.
func (r *SyncRunRepository) Save(ctx context.Context, run *model.SyncRun) error {
	res := r.db.WithContext(ctx).Model(run).
		Where("open = ?", true).
		Select("*").Omit("id", "started_at").
		Updates(run)
	if res.Error != nil {
		return fmt.Errorf("save sync run failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save sync run %d: %w", run.ID, errs.ErrNotFound)
	}
	return nil
}

func (r *SyncRunRepository) GetByID(ctx context.Context, id uint) (*model.SyncRun, error) {
	var run model.SyncRun
	if err := r.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync run failed: %w", err)
	}
	return &run, nil
}

// FindResumable returns the newest open run over daysBack with the same IT
// scope, if any.
func (r *SyncRunRepository) FindResumable(ctx context.Context, mode model.SyncMode, daysBack int, itOnly bool) (*model.SyncRun, error) {
	var run model.SyncRun
	err := r.db.WithContext(ctx).
		Where("mode = ? AND days_back = ? AND it_only = ? AND open = ?", mode, daysBack, itOnly, true).
		Order("id DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find resumable sync run failed: %w", err)
	}
	return &run, nil
}

// CloseAbandoned closes open runs of mode other than keepID as interrupted.
func (r *SyncRunRepository) CloseAbandoned(ctx context.Context, mode model.SyncMode, keepID uint, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.SyncRun{}).
		Where("mode = ? AND open = ? AND id <> ?", mode, true, keepID).
		Updates(map[string]interface{}{
			"open":     false,
			"status":   model.SyncStatusInterrupted,
			"ended_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("close abandoned sync runs failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *SyncRunRepository) LastSucceeded(ctx context.Context, mode model.SyncMode) (*model.SyncRun, error) {
	var run model.SyncRun
	err := r.db.WithContext(ctx).
		Where("mode = ? AND status = ?", mode, model.SyncStatusSucceeded).
		Order("started_at DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last succeeded sync run failed: %w", err)
	}
	return &run, nil
}

func (r *SyncRunRepository) ListRecent(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var runs []model.SyncRun
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list sync runs failed: %w", err)
	}
	return runs, nil
}
