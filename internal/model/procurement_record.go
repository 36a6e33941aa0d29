package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	// Unspecified fills optional text fields missing from the source entry.
	Unspecified = "unspecified"
	// UnspecifiedAmount marks a record without a reference amount.
	UnspecifiedAmount = -1.0
)

// UnspecifiedTime marks a date the source did not provide.
var UnspecifiedTime = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// ProcurementRecord is the canonical form of a harvested procurement entry.
type ProcurementRecord struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ExternalID   string         `gorm:"size:255;not null;uniqueIndex" json:"external_id"`
	Category     string         `gorm:"size:200;not null;index" json:"category"`
	Status       string         `gorm:"size:100;not null;index" json:"status"`
	ProcessType  string         `gorm:"size:100;not null" json:"process_type"`
	EntityName   string         `gorm:"size:500;not null" json:"entity_name"`
	EntityTaxID  string         `gorm:"size:32;not null" json:"entity_tax_id"`
	Amount       float64        `gorm:"not null;index" json:"amount"`
	Currency     string         `gorm:"size:10;not null" json:"currency"`
	PublishedAt  time.Time      `gorm:"not null;index" json:"published_at"`
	ClosingAt    time.Time      `gorm:"not null" json:"closing_at"`
	Title        string         `gorm:"type:text;not null" json:"title"`
	Description  string         `gorm:"type:text;not null" json:"description"`
	Region       string         `gorm:"size:300;not null" json:"region"`
	SourceURL    string         `gorm:"type:text;not null" json:"source_url"`
	IsIT         bool           `gorm:"not null;index" json:"is_it"`
	ITCategory   string         `gorm:"size:64;not null" json:"it_category"`
	ITConfidence float64        `gorm:"not null" json:"it_confidence"`
	ContentHash  string         `gorm:"size:64;not null" json:"content_hash"`
	RawPayload   datatypes.JSON `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastSyncedAt time.Time      `gorm:"not null;index" json:"last_synced_at"`
}

func (r *ProcurementRecord) HasAmount() bool {
	return r.Amount >= 0
}

func (r *ProcurementRecord) HasPublishedAt() bool {
	return !r.PublishedAt.Equal(UnspecifiedTime)
}

// EmbeddingText is the text fed to the embedding model for this record.
func (r *ProcurementRecord) EmbeddingText() string {
	text := r.Title
	if r.Description != Unspecified && r.Description != r.Title {
		text += "\n" + r.Description
	}
	if r.EntityName != Unspecified {
		text += "\nEntity: " + r.EntityName
	}
	if r.Category != Unspecified {
		text += "\nCategory: " + r.Category
	}
	return text
}
