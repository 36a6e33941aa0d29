package etl

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
)

const embedPendingChunk = 256

type embedCounts struct {
	embedded, failed int
}

// EmbedReport summarizes a selective re-embedding pass.
type EmbedReport struct {
	ModelVersion string `json:"model_version"`
	Candidates   int    `json:"candidates"`
	Embedded     int    `json:"embedded"`
	Failed       int    `json:"failed"`
}

// EmbedPending embeds up to limit records whose embedding is missing, stale
// or produced by another model version. limit <= 0 means all of them.
func (p *Pipeline) EmbedPending(ctx context.Context, limit int) (*EmbedReport, error) {
	report := &EmbedReport{ModelVersion: p.embedder.ModelVersion()}
	ids, err := p.embeddings.PendingRecordIDs(ctx, report.ModelVersion, limit)
	if err != nil {
		return report, err
	}
	report.Candidates = len(ids)

	for start := 0; start < len(ids); start += embedPendingChunk {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + embedPendingChunk
		if end > len(ids) {
			end = len(ids)
		}
		counts, err := p.embedRecords(ctx, ids[start:end])
		report.Embedded += counts.embedded
		report.Failed += counts.failed
		if err != nil {
			return report, err
		}
	}
	p.log.Info("pending embeddings processed",
		zap.String("model_version", report.ModelVersion),
		zap.Int("candidates", report.Candidates),
		zap.Int("embedded", report.Embedded),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// embedRecords embeds the records among ids that still need it. Each vector
// carries the content hash it was computed from, so a record edited
// concurrently ends up stale rather than wrongly current.
func (p *Pipeline) embedRecords(ctx context.Context, ids []uint) (embedCounts, error) {
	var counts embedCounts
	modelVersion := p.embedder.ModelVersion()

	pending, err := p.embeddings.FilterPending(ctx, ids, modelVersion)
	if err != nil {
		return counts, err
	}
	if len(pending) == 0 {
		return counts, nil
	}
	recs, err := p.records.ListByIDs(ctx, pending)
	if err != nil {
		return counts, err
	}

	texts := make([]string, len(recs))
	for i := range recs {
		texts[i] = recs[i].EmbeddingText()
	}
	results := p.embedder.EmbedBatch(ctx, texts)
	cancelled := ctx.Err()

	for i, res := range results {
		if res.Err != nil {
			if cancelled != nil && errors.Is(res.Err, context.Canceled) {
				continue
			}
			counts.failed++
			p.log.Warn("embedding failed",
				zap.Uint("record_id", recs[i].ID),
				zap.String("external_id", recs[i].ExternalID),
				zap.Error(res.Err),
			)
			continue
		}
		emb := &model.Embedding{
			RecordID:     recs[i].ID,
			Vector:       res.Vector,
			ModelVersion: res.ModelVersion,
			ContentHash:  recs[i].ContentHash,
		}
		if err := p.writer.Upsert(context.WithoutCancel(ctx), emb); err != nil {
			return counts, errs.StoreWrite("upsert embedding", err)
		}
		counts.embedded++
	}
	if cancelled != nil {
		return counts, cancelled
	}
	return counts, nil
}
