package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
)

type Options struct {
	LocalCurrency string
	ITThreshold   float64
	// SourceBaseURL resolves relative detail links of listing rows.
	SourceBaseURL string
	Location      *time.Location
}

// Normalizer maps raw entries to canonical records. It holds no state beyond
// its options and never reads the clock.
type Normalizer struct {
	opts Options
	base *url.URL
}

func New(opts Options) *Normalizer {
	if opts.LocalCurrency == "" {
		opts.LocalCurrency = "PEN"
	}
	if opts.ITThreshold <= 0 {
		opts.ITThreshold = 0.3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	n := &Normalizer{opts: opts}
	if opts.SourceBaseURL != "" {
		if u, err := url.Parse(opts.SourceBaseURL); err == nil {
			n.base = u
		}
	}
	return n
}

// fields is the shape-independent view of an entry before validation.
type fields struct {
	externalID  string
	title       string
	description string
	entityName  string
	entityTaxID string
	category    string
	status      string
	processType string
	region      string
	sourceURL   string
	currency    string
	amount      []byte
	published   []byte
	closing     []byte
}

// Normalize returns the canonical record or a *errs.NormalizationError.
func (n *Normalizer) Normalize(entry RawEntry) (*model.ProcurementRecord, error) {
	var f fields
	switch entry.Kind {
	case KindOCDSRelease:
		f = fromOCDS(entry.OCDS)
	case KindListingRow:
		f = fromListing(entry.Listing)
	default:
		reason := "unrecognized entry shape"
		if entry.DecodeErr != nil {
			reason = "undecodable entry: " + entry.DecodeErr.Error()
		}
		return nil, &errs.NormalizationError{Field: "shape", Reason: reason}
	}
	return n.build(f, entry.Payload)
}

func (n *Normalizer) build(f fields, payload []byte) (*model.ProcurementRecord, error) {
	externalID := clean(f.externalID)
	if externalID == "" {
		return nil, &errs.NormalizationError{Field: "external_id", Reason: "missing"}
	}
	fail := func(field, reason string) error {
		return &errs.NormalizationError{ExternalID: externalID, Field: field, Reason: reason}
	}

	title := clean(f.title)
	description := clean(f.description)
	if title == "" {
		title = description
	}
	if title == "" {
		return nil, fail("title", "missing")
	}

	rec := &model.ProcurementRecord{
		ExternalID:  externalID,
		Title:       title,
		Description: orUnspecified(description),
		EntityName:  orUnspecified(clean(f.entityName)),
		EntityTaxID: orUnspecified(taxID(f.entityTaxID, f.entityName)),
		Category:    orUnspecified(clean(f.category)),
		Status:      orUnspecified(strings.ToLower(clean(f.status))),
		ProcessType: orUnspecified(clean(f.processType)),
		Region:      orUnspecified(clean(f.region)),
		SourceURL:   orUnspecified(n.resolveURL(clean(f.sourceURL))),
		Amount:      model.UnspecifiedAmount,
		PublishedAt: model.UnspecifiedTime,
		ClosingAt:   model.UnspecifiedTime,
	}

	amount, amountCurrency, err := parseAmount(f.amount)
	switch {
	case err == nil:
		rec.Amount = amount
	case !errors.Is(err, errNoAmount):
		return nil, fail("amount", err.Error())
	}
	rec.Currency = canonicalCurrency(f.currency)
	if rec.Currency == "" {
		rec.Currency = amountCurrency
	}
	if rec.Currency == "" {
		rec.Currency = n.opts.LocalCurrency
	}

	published, err := parseDate(f.published, n.opts.Location)
	switch {
	case err == nil:
		rec.PublishedAt = published
	case !errors.Is(err, errNoDate):
		return nil, fail("published_at", err.Error())
	}
	closing, err := parseDate(f.closing, n.opts.Location)
	switch {
	case err == nil:
		rec.ClosingAt = closing
	case !errors.Is(err, errNoDate):
		return nil, fail("closing_at", err.Error())
	}

	signal := DetectIT(strings.Join([]string{title, description, clean(f.category)}, " "), n.opts.ITThreshold)
	rec.IsIT = signal.IsIT
	rec.ITConfidence = signal.Confidence
	rec.ITCategory = signal.Category

	rec.ContentHash = ContentHash(rec)
	if len(payload) > 0 {
		rec.RawPayload = datatypes.JSON(append([]byte(nil), payload...))
	}
	return rec, nil
}

// ContentHash digests the text fields that feed the embedding.
func ContentHash(rec *model.ProcurementRecord) string {
	h := sha256.New()
	for _, part := range []string{rec.Title, rec.Description, rec.EntityName, rec.Category} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fromListing(row *ListingRow) fields {
	externalID := row.IDProceso
	if clean(externalID) == "" {
		externalID = row.NumeroProceso
	}
	ruc := row.EntidadRUC
	if ruc == "" {
		ruc = row.RUC
	}
	return fields{
		externalID:  externalID,
		title:       row.ObjetoContratacion,
		description: row.Descripcion,
		entityName:  row.Entidad,
		entityTaxID: ruc,
		category:    row.Rubro,
		status:      row.Estado,
		processType: row.TipoProceso,
		region:      joinNonEmpty(" / ", row.Departamento, row.Provincia, row.Distrito),
		sourceURL:   row.URLDetalle,
		currency:    row.Moneda,
		amount:      row.ValorReferencial,
		published:   row.FechaPublicacion,
		closing:     row.FechaLimite,
	}
}

func fromOCDS(rel *OCDSRelease) fields {
	f := fields{externalID: rel.OCID, sourceURL: rel.URI}
	if clean(f.externalID) == "" {
		f.externalID = rel.ID
	}

	if t := rel.Tender; t != nil {
		f.title = t.Title
		f.description = t.Description
		f.status = t.Status
		f.processType = t.ProcurementMethodDetails
		if f.processType == "" {
			f.processType = t.ProcurementMethod
		}
		f.category = t.MainProcurementCategory
		if t.Classification != nil && t.Classification.Description != "" {
			f.category = t.Classification.Description
		}
		if t.Value != nil {
			f.amount = t.Value.Amount
			f.currency = t.Value.Currency
		}
		f.published = t.DatePublished
		if t.TenderPeriod != nil {
			f.closing = t.TenderPeriod.EndDate
		}
		if f.sourceURL == "" {
			for _, doc := range t.Documents {
				if doc.URL != "" {
					f.sourceURL = doc.URL
					break
				}
			}
		}
	}

	buyer := rel.Buyer
	if party := buyerParty(rel.Parties, buyer); party != nil {
		buyer = mergeParty(buyer, party)
	}
	if buyer != nil {
		f.entityName = buyer.Name
		if buyer.Identifier != nil {
			f.entityTaxID = buyer.Identifier.ID
		}
		if a := buyer.Address; a != nil {
			f.region = joinNonEmpty(" / ", a.Region, a.Locality, a.District)
		}
	}
	return f
}

func mergeParty(ref, full *OCDSParty) *OCDSParty {
	if ref == nil {
		return full
	}
	merged := *ref
	if merged.Name == "" {
		merged.Name = full.Name
	}
	if merged.Identifier == nil {
		merged.Identifier = full.Identifier
	}
	if merged.Address == nil {
		merged.Address = full.Address
	}
	return &merged
}

func buyerParty(parties []OCDSParty, ref *OCDSParty) *OCDSParty {
	var first *OCDSParty
	for i := range parties {
		p := &parties[i]
		if !hasRole(p.Roles, "buyer") {
			continue
		}
		if ref != nil && ref.ID != "" && p.ID == ref.ID {
			return p
		}
		if first == nil {
			first = p
		}
	}
	return first
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

var rucPattern = regexp.MustCompile(`\b(\d{11})\b`)

// taxID prefers the explicit identifier and falls back to an 11-digit RUC
// embedded in the entity text.
func taxID(explicit, entityText string) string {
	for _, s := range []string{explicit, entityText} {
		if m := rucPattern.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return clean(explicit)
}

func (n *Normalizer) resolveURL(raw string) string {
	if raw == "" || n.base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil || ref.IsAbs() {
		return raw
	}
	return n.base.ResolveReference(ref).String()
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orUnspecified(s string) string {
	if s == "" {
		return model.Unspecified
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = clean(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
