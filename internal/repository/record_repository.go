package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"projectfinder/internal/model"
)

type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota + 1
	OutcomeUpdated
	OutcomeUnchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

type UpsertResult struct {
	RecordID uint
	Outcome  UpsertOutcome
	// TextChanged is set when an existing record's content hash changed and
	// its embedding and recommendations were invalidated.
	TextChanged bool
	// StaleRecommendations counts recommendations marked stale by this write.
	StaleRecommendations int64
}

type RecordFilter struct {
	Category      string
	Status        string
	ITOnly        bool
	PublishedFrom *time.Time
	PublishedTo   *time.Time
	AmountMin     *float64
	AmountMax     *float64
	Query         string
}

type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Upsert writes rec by external ID in one transaction. An existing row keeps
// its ID and CreatedAt; a changed content hash deletes the record's embedding
// and marks its fresh recommendations stale before the transaction commits.
func (r *RecordRepository) Upsert(ctx context.Context, rec *model.ProcurementRecord, syncedAt time.Time) (*UpsertResult, error) {
	result := &UpsertResult{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ProcurementRecord
		err := tx.Where("external_id = ?", rec.ExternalID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.ID = 0
			rec.LastSyncedAt = syncedAt
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoNothing: true,
			}).Create(rec)
			if res.Error != nil {
				return fmt.Errorf("create record failed: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				result.RecordID = rec.ID
				result.Outcome = OutcomeCreated
				return nil
			}
			// Another writer inserted it since the read; update theirs.
			err = tx.Where("external_id = ?", rec.ExternalID).First(&existing).Error
		}
		if err != nil {
			return fmt.Errorf("get record failed: %w", err)
		}

		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.LastSyncedAt = syncedAt
		result.RecordID = existing.ID

		if sameCanonical(&existing, rec) {
			rec.UpdatedAt = existing.UpdatedAt
			if err := tx.Model(&existing).UpdateColumn("last_synced_at", syncedAt).Error; err != nil {
				return fmt.Errorf("touch record failed: %w", err)
			}
			result.Outcome = OutcomeUnchanged
			return nil
		}

		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("update record failed: %w", err)
		}
		result.Outcome = OutcomeUpdated

		if existing.ContentHash != rec.ContentHash {
			result.TextChanged = true
			if err := NewEmbeddingRepository(tx).DeleteByRecordID(ctx, rec.ID); err != nil {
				return err
			}
			stale, err := NewRecommendationRepository(tx).MarkStaleByRecordID(ctx, rec.ID)
			if err != nil {
				return err
			}
			result.StaleRecommendations = stale
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RecordRepository) GetByID(ctx context.Context, id uint) (*model.ProcurementRecord, error) {
	var rec model.ProcurementRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record failed: %w", err)
	}
	return &rec, nil
}

func (r *RecordRepository) GetByExternalID(ctx context.Context, externalID string) (*model.ProcurementRecord, error) {
	var rec model.ProcurementRecord
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record by external id failed: %w", err)
	}
	return &rec, nil
}

// ListByIDs returns the records in the order of ids, skipping unknown ids.
func (r *RecordRepository) ListByIDs(ctx context.Context, ids []uint) ([]model.ProcurementRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []model.ProcurementRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("list records by ids failed: %w", err)
	}
	byID := make(map[uint]model.ProcurementRecord, len(found))
	for _, rec := range found {
		byID[rec.ID] = rec
	}
	out := make([]model.ProcurementRecord, 0, len(found))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListAfterID returns up to limit records with an ID above afterID, in ID order.
func (r *RecordRepository) ListAfterID(ctx context.Context, afterID uint, limit int) ([]model.ProcurementRecord, error) {
	var records []model.ProcurementRecord
	if err := r.db.WithContext(ctx).Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list records after id failed: %w", err)
	}
	return records, nil
}

var recordSorts = map[string]string{
	"published_desc": "published_at DESC, id DESC",
	"published_asc":  "published_at ASC, id ASC",
	"amount_desc":    "amount DESC, id DESC",
	"amount_asc":     "amount ASC, id ASC",
	"synced_desc":    "last_synced_at DESC, id DESC",
}

func ValidSort(sort string) bool {
	_, ok := recordSorts[sort]
	return ok
}

func (r *RecordRepository) List(ctx context.Context, filter RecordFilter, sort string, offset, limit int) ([]model.ProcurementRecord, int64, error) {
	order, ok := recordSorts[sort]
	if !ok {
		order = recordSorts["published_desc"]
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	q := ApplyRecordFilter(r.db.WithContext(ctx).Model(&model.ProcurementRecord{}), filter)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count records failed: %w", err)
	}

	var records []model.ProcurementRecord
	if err := q.Order(order).Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("list records failed: %w", err)
	}
	return records, total, nil
}

// ApplyRecordFilter adds the structured filter predicates on procurement_records.
func ApplyRecordFilter(q *gorm.DB, f RecordFilter) *gorm.DB {
	if f.Category != "" {
		q = q.Where("procurement_records.category = ?", f.Category)
	}
	if f.Status != "" {
		q = q.Where("procurement_records.status = ?", f.Status)
	}
	if f.ITOnly {
		q = q.Where("procurement_records.is_it = ?", true)
	}
	if f.PublishedFrom != nil || f.PublishedTo != nil {
		q = q.Where("procurement_records.published_at <> ?", model.UnspecifiedTime)
	}
	if f.PublishedFrom != nil {
		q = q.Where("procurement_records.published_at >= ?", *f.PublishedFrom)
	}
	if f.PublishedTo != nil {
		q = q.Where("procurement_records.published_at <= ?", *f.PublishedTo)
	}
	if f.AmountMin != nil {
		q = q.Where("procurement_records.amount >= ?", *f.AmountMin)
	}
	if f.AmountMax != nil {
		q = q.Where("procurement_records.amount >= 0 AND procurement_records.amount <= ?", *f.AmountMax)
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		q = q.Where("(procurement_records.title LIKE ? OR procurement_records.description LIKE ?)", like, like)
	}
	return q
}

type RecordStats struct {
	Total        int64            `json:"total"`
	IT           int64            `json:"it"`
	ByStatus     map[string]int64 `json:"by_status"`
	ByCategory   map[string]int64 `json:"by_category"`
	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty"`
}

func (r *RecordRepository) Stats(ctx context.Context) (*RecordStats, error) {
	db := r.db.WithContext(ctx).Model(&model.ProcurementRecord{})
	stats := &RecordStats{ByStatus: map[string]int64{}, ByCategory: map[string]int64{}}

	if err := db.Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("count records failed: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&model.ProcurementRecord{}).Where("is_it = ?", true).Count(&stats.IT).Error; err != nil {
		return nil, fmt.Errorf("count it records failed: %w", err)
	}

	type bucket struct {
		Name  string
		Total int64
	}
	var statuses []bucket
	if err := r.db.WithContext(ctx).Model(&model.ProcurementRecord{}).
		Select("status AS name, COUNT(*) AS total").Group("status").Scan(&statuses).Error; err != nil {
		return nil, fmt.Errorf("group records by status failed: %w", err)
	}
	for _, b := range statuses {
		stats.ByStatus[b.Name] = b.Total
	}
	var categories []bucket
	if err := r.db.WithContext(ctx).Model(&model.ProcurementRecord{}).
		Select("category AS name, COUNT(*) AS total").Group("category").Scan(&categories).Error; err != nil {
		return nil, fmt.Errorf("group records by category failed: %w", err)
	}
	for _, b := range categories {
		stats.ByCategory[b.Name] = b.Total
	}

	if stats.Total > 0 {
		var latest model.ProcurementRecord
		if err := r.db.WithContext(ctx).Order("last_synced_at DESC").First(&latest).Error; err != nil {
			return nil, fmt.Errorf("get latest synced record failed: %w", err)
		}
		stats.LastSyncedAt = &latest.LastSyncedAt
	}
	return stats, nil
}

func sameCanonical(a, b *model.ProcurementRecord) bool {
	return a.ContentHash == b.ContentHash &&
		a.Category == b.Category &&
		a.Status == b.Status &&
		a.ProcessType == b.ProcessType &&
		a.EntityName == b.EntityName &&
		a.EntityTaxID == b.EntityTaxID &&
		a.Amount == b.Amount &&
		a.Currency == b.Currency &&
		a.PublishedAt.Equal(b.PublishedAt) &&
		a.ClosingAt.Equal(b.ClosingAt) &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.Region == b.Region &&
		a.SourceURL == b.SourceURL &&
		a.IsIT == b.IsIT &&
		a.ITCategory == b.ITCategory &&
		a.ITConfidence == b.ITConfidence
}
