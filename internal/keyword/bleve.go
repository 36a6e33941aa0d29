// Package keyword keeps a bleve full-text index over procurement records.
package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
	"projectfinder/internal/normalize"
)

const titleBoost = 2.0

type Result struct {
	RecordID uint    `json:"record_id"`
	Score    float64 `json:"score"`
}

// document is what gets indexed for a record. Text is accent-folded so
// "aplicacion" and "aplicación" index and query the same way.
type document struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Entity      string `json:"entity"`
	Category    string `json:"category"`
	Region      string `json:"region"`
	Status      string `json:"status"`
}

type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex opens the index at path, creating it if missing. An empty
// path builds an in-memory index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := indexMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("create memory index failed: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("open keyword index failed: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create keyword index dir failed: %w", err)
	}
	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("create keyword index failed: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func indexMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	// Standard analyzer: lowercase and tokenize without stemming, so Spanish
	// words are not mangled by the English stemmer.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	for _, field := range []string{"title", "description", "entity", "region"} {
		docMapping.AddFieldMappingsAt(field, text)
	}
	kw := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("category", kw)
	docMapping.AddFieldMappingsAt("status", kw)

	im.AddDocumentMapping("record", docMapping)
	im.DefaultType = "record"
	im.DefaultMapping = docMapping
	return im
}

func docID(recordID uint) string {
	return strconv.FormatUint(uint64(recordID), 10)
}

func toDocument(rec *model.ProcurementRecord) document {
	return document{
		Title:       normalize.Fold(rec.Title),
		Description: normalize.Fold(specified(rec.Description)),
		Entity:      normalize.Fold(specified(rec.EntityName)),
		Category:    rec.Category,
		Region:      normalize.Fold(specified(rec.Region)),
		Status:      rec.Status,
	}
}

func specified(s string) string {
	if s == model.Unspecified {
		return ""
	}
	return s
}

func (b *BleveIndex) Index(_ context.Context, rec *model.ProcurementRecord) error {
	if err := b.index.Index(docID(rec.ID), toDocument(rec)); err != nil {
		return fmt.Errorf("index record %d failed: %w", rec.ID, err)
	}
	return nil
}

// IndexBatch indexes records in a single bleve batch.
func (b *BleveIndex) IndexBatch(ctx context.Context, recs []model.ProcurementRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for i := range recs {
		if err := batch.Index(docID(recs[i].ID), toDocument(&recs[i])); err != nil {
			return fmt.Errorf("batch record %d failed: %w", recs[i].ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("index batch failed: %w", err)
	}
	return nil
}

func (b *BleveIndex) Delete(_ context.Context, recordID uint) error {
	if err := b.index.Delete(docID(recordID)); err != nil {
		return fmt.Errorf("delete record %d failed: %w", recordID, err)
	}
	return nil
}

// Search runs a match query over all text fields with the title boosted and
// returns up to limit results by score.
func (b *BleveIndex) Search(_ context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(normalize.Fold(query))
	if query == "" {
		return nil, errs.InvalidQueryf("empty keyword query")
	}
	if limit <= 0 {
		return nil, errs.InvalidQueryf("limit must be positive, got %d", limit)
	}

	title := bleve.NewMatchQuery(query)
	title.SetField("title")
	title.SetBoost(titleBoost)
	all := bleve.NewMatchQuery(query)

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(title, all))
	req.Size = limit
	res, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Result{RecordID: uint(id), Score: hit.Score})
	}
	return out, nil
}

func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

func (b *BleveIndex) Close() error {
	return b.index.Close()
}
