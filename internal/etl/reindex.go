package etl

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const reindexChunk = 500

// ReindexKeywords feeds every stored record to the keyword index. Records
// written by another process only become keyword-searchable here.
func (p *Pipeline) ReindexKeywords(ctx context.Context) (int, error) {
	if p.keyword == nil {
		return 0, errors.New("keyword index not configured")
	}
	var (
		after   uint
		indexed int
	)
	for {
		recs, err := p.records.ListAfterID(ctx, after, reindexChunk)
		if err != nil {
			return indexed, err
		}
		if len(recs) == 0 {
			break
		}
		if err := p.keyword.IndexBatch(ctx, recs); err != nil {
			return indexed, err
		}
		indexed += len(recs)
		after = recs[len(recs)-1].ID
	}
	p.log.Info("keyword index rebuilt", zap.Int("records", indexed))
	return indexed, nil
}
