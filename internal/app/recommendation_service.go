package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"projectfinder/internal/ai"
	"projectfinder/internal/errs"
	"projectfinder/internal/model"
	"projectfinder/internal/repository"
	"projectfinder/internal/retry"
)

const (
	generatedConfidence = 0.85
	fallbackConfidence  = 0.5
	fallbackGenerator   = "default"
)

var recommendationTitles = map[model.RecommendationKind]string{
	model.RecommendationMVP:         "Minimum viable product",
	model.RecommendationSprintPlan:  "First sprint plan",
	model.RecommendationStackChoice: "Recommended technology stack",
	model.RecommendationEstimate:    "Budget estimate",
}

var recommendationSchemas = map[model.RecommendationKind]string{
	model.RecommendationMVP:         `{"features": ["..."], "description": "...", "estimated_weeks": 6}`,
	model.RecommendationSprintPlan:  `{"tasks": ["..."], "deliverables": ["..."], "duration_weeks": 2}`,
	model.RecommendationStackChoice: `{"frontend": ["..."], "backend": ["..."], "database": "...", "rationale": "..."}`,
	model.RecommendationEstimate:    `{"budget": 150000, "currency": "PEN", "considerations": ["..."], "risks": ["..."]}`,
}

// RecommendationService derives project recommendations from records. There
// is at most one recommendation per (record, kind).
type RecommendationService struct {
	records *repository.RecordRepository
	repo    *repository.RecommendationRepository
	llm     ChatCompleter
	policy  retry.Policy
	now     func() time.Time
	log     *zap.Logger
}

func NewRecommendationService(
	records *repository.RecordRepository,
	repo *repository.RecommendationRepository,
	llm ChatCompleter,
	policy retry.Policy,
	log *zap.Logger,
) *RecommendationService {
	return &RecommendationService{
		records: records,
		repo:    repo,
		llm:     llm,
		policy:  policy,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.Named("recommendation"),
	}
}

func parseKind(kind model.RecommendationKind) error {
	if !kind.Valid() {
		return errs.InvalidQueryf("unknown recommendation kind %q", kind)
	}
	return nil
}

// Get returns the current recommendation, which may be stale.
func (s *RecommendationService) Get(ctx context.Context, recordID uint, kind model.RecommendationKind) (*model.Recommendation, error) {
	if err := parseKind(kind); err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, recordID, kind)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("recommendation %s for record %d: %w", kind, recordID, errs.ErrNotFound)
	}
	return rec, nil
}

func (s *RecommendationService) List(ctx context.Context, recordID uint) ([]model.Recommendation, error) {
	if _, err := s.record(ctx, recordID); err != nil {
		return nil, err
	}
	return s.repo.ListByRecordID(ctx, recordID)
}

// Generate returns the existing recommendation unless force is set, in which
// case a new one supersedes it in place.
func (s *RecommendationService) Generate(ctx context.Context, recordID uint, kind model.RecommendationKind, force bool) (*model.Recommendation, error) {
	if err := parseKind(kind); err != nil {
		return nil, err
	}
	record, err := s.record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !force {
		existing, err := s.repo.Get(ctx, recordID, kind)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	body, generatedBy, confidence, err := s.generate(ctx, record, kind)
	if err != nil {
		return nil, err
	}
	rec := &model.Recommendation{
		RecordID:    record.ID,
		Kind:        kind,
		Title:       recommendationTitles[kind],
		Body:        body,
		Confidence:  confidence,
		GeneratedBy: generatedBy,
		GeneratedAt: s.now(),
		SourceHash:  record.ContentHash,
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, errs.StoreWrite("save recommendation", err)
	}
	s.log.Info("recommendation generated",
		zap.Uint("record_id", record.ID),
		zap.String("kind", string(kind)),
		zap.Int("revision", rec.Revision),
		zap.String("generated_by", generatedBy),
	)
	return rec, nil
}

// Clear deletes every recommendation of a record and reports how many.
func (s *RecommendationService) Clear(ctx context.Context, recordID uint) (int64, error) {
	if _, err := s.record(ctx, recordID); err != nil {
		return 0, err
	}
	return s.repo.DeleteByRecordID(ctx, recordID)
}

func (s *RecommendationService) record(ctx context.Context, recordID uint) (*model.ProcurementRecord, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %d: %w", recordID, errs.ErrNotFound)
	}
	return rec, nil
}

// generate asks the model for a JSON body. A reply that is not a JSON object
// is replaced by the default body for kind.
func (s *RecommendationService) generate(ctx context.Context, record *model.ProcurementRecord, kind model.RecommendationKind) (datatypes.JSON, string, float64, error) {
	var reply string
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		out, err := s.llm.Complete(ctx, recommendationPrompt(record, kind))
		if err != nil {
			return err
		}
		reply = out
		return nil
	})
	if err != nil {
		return nil, "", 0, fmt.Errorf("generate recommendation failed: %w", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(stripFence(reply)), &body); err != nil || len(body) == 0 {
		s.log.Warn("unparseable recommendation reply, using default",
			zap.Uint("record_id", record.ID),
			zap.String("kind", string(kind)),
		)
		raw, _ := json.Marshal(defaultRecommendation(record, kind))
		return datatypes.JSON(raw), fallbackGenerator, fallbackConfidence, nil
	}
	raw, _ := json.Marshal(body)
	return datatypes.JSON(raw), s.llm.Name(), generatedConfidence, nil
}

func recommendationPrompt(record *model.ProcurementRecord, kind model.RecommendationKind) []ai.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Procurement: %s\n", record.Title)
	if record.Description != model.Unspecified {
		fmt.Fprintf(&b, "Description: %s\n", record.Description)
	}
	fmt.Fprintf(&b, "Entity: %s\n", record.EntityName)
	if record.HasAmount() {
		fmt.Fprintf(&b, "Reference amount: %.2f %s\n", record.Amount, record.Currency)
	}
	fmt.Fprintf(&b, "IT category: %s\n\n", record.ITCategory)
	fmt.Fprintf(&b, "Write the %s for a software company bidding on this Peruvian public procurement. ", strings.ToLower(recommendationTitles[kind]))
	fmt.Fprintf(&b, "Reply with a single JSON object shaped like %s and nothing else.", recommendationSchemas[kind])

	return []ai.ChatMessage{
		{Role: "system", Content: "You are a senior software engineering consultant for the Peruvian public sector."},
		{Role: "user", Content: b.String()},
	}
}

// stripFence removes a markdown code fence around a JSON reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func defaultRecommendation(record *model.ProcurementRecord, kind model.RecommendationKind) map[string]any {
	switch kind {
	case model.RecommendationMVP:
		return map[string]any{
			"features":        []string{"User authentication", "Core data management", "Basic reports"},
			"description":     "Minimal system covering the essential workflow of the procurement",
			"estimated_weeks": 6,
		}
	case model.RecommendationSprintPlan:
		return map[string]any{
			"tasks":          []string{"Set up the development environment", "Design the database", "Implement authentication"},
			"deliverables":   []string{"Login prototype", "Data model", "Technical documentation"},
			"duration_weeks": 2,
		}
	case model.RecommendationStackChoice:
		return map[string]any{
			"frontend":  []string{"React", "TailwindCSS"},
			"backend":   []string{"Go", "gin"},
			"database":  "PostgreSQL",
			"rationale": "Widely supported stack suited to public sector hosting",
		}
	default:
		budget, currency := 150000.0, "PEN"
		if record.HasAmount() {
			budget, currency = record.Amount, record.Currency
		}
		return map[string]any{
			"budget":         budget,
			"currency":       currency,
			"considerations": []string{"Public sector regulatory compliance", "Security requirements", "Web accessibility"},
			"risks":          []string{"Requirement changes during development", "Integration with legacy state systems"},
		}
	}
}
