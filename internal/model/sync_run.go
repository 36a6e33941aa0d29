package model

import "time"

type SyncMode string

const (
	SyncModeIncremental SyncMode = "incremental"
	SyncModeFull        SyncMode = "full"
)

type SyncStatus string

const (
	SyncStatusRunning       SyncStatus = "running"
	SyncStatusInterrupted   SyncStatus = "interrupted"
	SyncStatusSucceeded     SyncStatus = "succeeded"
	SyncStatusFailedPartial SyncStatus = "failed_partial"
	SyncStatusFailed        SyncStatus = "failed"
)

// SyncRun records one ingestion execution. A run is mutable while Open and
// immutable once closed.
type SyncRun struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Mode        SyncMode   `gorm:"size:16;not null;index" json:"mode"`
	WindowFrom  time.Time  `gorm:"not null" json:"window_from"`
	WindowTo    time.Time  `gorm:"not null" json:"window_to"`
	DaysBack    int        `gorm:"not null" json:"days_back"`
	ITOnly      bool       `gorm:"column:it_only;not null" json:"it_only"`
	Fetched     int        `gorm:"not null" json:"fetched"`
	Created     int        `gorm:"not null" json:"created"`
	Updated     int        `gorm:"not null" json:"updated"`
	Unchanged   int        `gorm:"not null" json:"unchanged"`
	Failed      int        `gorm:"not null" json:"failed"`
	Skipped     int        `gorm:"not null" json:"skipped"`
	Embedded    int        `gorm:"not null" json:"embedded"`
	EmbedFailed int        `gorm:"not null" json:"embed_failed"`
	PagesDone   int        `gorm:"not null" json:"pages_done"`
	Cursor      string     `gorm:"size:255;not null" json:"cursor"`
	Status      SyncStatus `gorm:"size:32;not null;index" json:"status"`
	Open        bool       `gorm:"not null;index" json:"open"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SyncLease grants one holder exclusive use of a sync mode until ExpiresAt.
type SyncLease struct {
	Mode      SyncMode  `gorm:"size:16;primaryKey" json:"mode"`
	RunID     uint      `gorm:"not null" json:"run_id"`
	Holder    string    `gorm:"size:64;not null" json:"holder"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
}

// All lists every table for auto-migration.
func All() []interface{} {
	return []interface{}{
		&ProcurementRecord{},
		&Embedding{},
		&Recommendation{},
		&ChatSession{},
		&ChatLogEntry{},
		&SyncRun{},
		&SyncLease{},
	}
}
