package etl

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"projectfinder/internal/errs"
	"projectfinder/internal/harvest"
	"projectfinder/internal/model"
	"projectfinder/internal/normalize"
	"projectfinder/internal/repository"
)

// pageCounts are added to the run only once the whole page is applied, so a
// page replayed after an interruption is not counted twice.
type pageCounts struct {
	fetched, created, updated, unchanged, failed, skipped int
	embed                                                 embedCounts
}

func (c pageCounts) addTo(run *model.SyncRun) {
	run.Fetched += c.fetched
	run.Created += c.created
	run.Updated += c.updated
	run.Unchanged += c.unchanged
	run.Failed += c.failed
	run.Skipped += c.skipped
	run.Embedded += c.embed.embedded
	run.EmbedFailed += c.embed.failed
}

// applyPage normalizes and upserts every entry of page, then embeds and
// indexes what changed. A bad entry is counted and skipped, as is a non-IT
// entry when itOnly is set. Each upsert is its own transaction and is never
// abandoned half way by cancellation.
func (p *Pipeline) applyPage(ctx context.Context, page *harvest.Page, itOnly bool) (pageCounts, error) {
	var counts pageCounts
	syncedAt := p.opts.Now()
	ids := make([]uint, 0, len(page.Entries))
	applied := make([]model.ProcurementRecord, 0, len(page.Entries))

	for i, raw := range page.Entries {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		counts.fetched++

		rec, err := p.normalizer.Normalize(normalize.DecodeEntry(raw))
		if err != nil {
			counts.failed++
			var nerr *errs.NormalizationError
			if errors.As(err, &nerr) {
				p.log.Warn("entry skipped",
					zap.Int("page", page.Number),
					zap.Int("entry", i),
					zap.String("external_id", nerr.ExternalID),
					zap.String("field", nerr.Field),
					zap.String("reason", nerr.Reason),
				)
			} else {
				p.log.Warn("entry skipped", zap.Int("page", page.Number), zap.Int("entry", i), zap.Error(err))
			}
			continue
		}
		if itOnly && !rec.IsIT {
			counts.skipped++
			continue
		}

		res, err := p.records.Upsert(context.WithoutCancel(ctx), rec, syncedAt)
		if err != nil {
			return counts, errs.StoreWrite("upsert record "+rec.ExternalID, err)
		}
		switch res.Outcome {
		case repository.OutcomeCreated:
			counts.created++
		case repository.OutcomeUpdated:
			counts.updated++
		default:
			counts.unchanged++
		}
		if res.StaleRecommendations > 0 {
			p.log.Info("recommendations marked stale",
				zap.String("external_id", rec.ExternalID),
				zap.Int64("count", res.StaleRecommendations),
			)
		}
		ids = append(ids, res.RecordID)
		applied = append(applied, *rec)
	}

	if p.keyword != nil && len(applied) > 0 {
		if err := p.keyword.IndexBatch(context.WithoutCancel(ctx), applied); err != nil {
			p.log.Warn("keyword indexing failed", zap.Int("page", page.Number), zap.Error(err))
		}
	}

	// Pending is decided by the store, not by the upsert outcome, so records
	// left unembedded by an interrupted run are picked up on replay.
	embedded, err := p.embedRecords(ctx, ids)
	counts.embed = embedded
	if err != nil {
		return counts, err
	}
	return counts, nil
}
