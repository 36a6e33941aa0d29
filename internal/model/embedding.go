package model

import "time"

// Embedding is the vector of one record's text. It is only served while
// ContentHash matches the record and ModelVersion matches the current model.
type Embedding struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RecordID     uint      `gorm:"not null;uniqueIndex" json:"record_id"`
	Vector       Vector    `json:"-"`
	Dimensions   int       `gorm:"not null" json:"dimensions"`
	ModelVersion string    `gorm:"size:128;not null;index" json:"model_version"`
	ContentHash  string    `gorm:"size:64;not null" json:"content_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
