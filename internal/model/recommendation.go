package model

import (
	"time"

	"gorm.io/datatypes"
)

type RecommendationKind string

const (
	RecommendationMVP         RecommendationKind = "mvp"
	RecommendationSprintPlan  RecommendationKind = "sprint_plan"
	RecommendationStackChoice RecommendationKind = "stack_choice"
	RecommendationEstimate    RecommendationKind = "estimate"
)

var RecommendationKinds = []RecommendationKind{
	RecommendationMVP,
	RecommendationSprintPlan,
	RecommendationStackChoice,
	RecommendationEstimate,
}

func (k RecommendationKind) Valid() bool {
	for _, known := range RecommendationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Recommendation is derived from one record; at most one row exists per (record, kind).
type Recommendation struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	RecordID    uint               `gorm:"not null;uniqueIndex:idx_recommendation_record_kind,priority:1" json:"record_id"`
	Kind        RecommendationKind `gorm:"size:32;not null;uniqueIndex:idx_recommendation_record_kind,priority:2" json:"kind"`
	Title       string             `gorm:"size:255;not null" json:"title"`
	Body        datatypes.JSON     `json:"body"`
	Confidence  float64            `gorm:"not null" json:"confidence"`
	GeneratedBy string             `gorm:"size:128;not null" json:"generated_by"`
	GeneratedAt time.Time          `gorm:"not null" json:"generated_at"`
	SourceHash  string             `gorm:"size:64;not null" json:"-"`
	Stale       bool               `gorm:"not null;index" json:"stale"`
	Revision    int                `gorm:"not null;default:1" json:"revision"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
