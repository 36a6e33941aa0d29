package normalize

import "encoding/json"

type Kind int

const (
	KindUnknown Kind = iota
	KindOCDSRelease
	KindListingRow
)

func (k Kind) String() string {
	switch k {
	case KindOCDSRelease:
		return "ocds_release"
	case KindListingRow:
		return "listing_row"
	default:
		return "unknown"
	}
}

// RawEntry is one harvested entry classified by shape. Exactly one of OCDS
// and Listing is set unless Kind is KindUnknown.
type RawEntry struct {
	Kind    Kind
	OCDS    *OCDSRelease
	Listing *ListingRow
	Payload json.RawMessage
	// DecodeErr is set when the payload was not a JSON object.
	DecodeErr error
}

type OCDSRelease struct {
	OCID    string      `json:"ocid"`
	ID      string      `json:"id"`
	URI     string      `json:"uri"`
	Tender  *OCDSTender `json:"tender"`
	Buyer   *OCDSParty  `json:"buyer"`
	Parties []OCDSParty `json:"parties"`
}

type OCDSTender struct {
	ID                       string              `json:"id"`
	Title                    string              `json:"title"`
	Description              string              `json:"description"`
	Status                   string              `json:"status"`
	ProcurementMethod        string              `json:"procurementMethod"`
	ProcurementMethodDetails string              `json:"procurementMethodDetails"`
	MainProcurementCategory  string              `json:"mainProcurementCategory"`
	Value                    *OCDSValue          `json:"value"`
	DatePublished            json.RawMessage     `json:"datePublished"`
	TenderPeriod             *OCDSPeriod         `json:"tenderPeriod"`
	Classification           *OCDSClassification `json:"classification"`
	Documents                []OCDSDocument      `json:"documents"`
}

type OCDSValue struct {
	Amount   json.RawMessage `json:"amount"`
	Currency string          `json:"currency"`
}

type OCDSPeriod struct {
	StartDate json.RawMessage `json:"startDate"`
	EndDate   json.RawMessage `json:"endDate"`
}

type OCDSClassification struct {
	ID          string `json:"id"`
	Scheme      string `json:"scheme"`
	Description string `json:"description"`
}

type OCDSDocument struct {
	Title        string `json:"title"`
	URL          string `json:"url"`
	DocumentType string `json:"documentType"`
}

type OCDSParty struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Roles      []string        `json:"roles"`
	Identifier *OCDSIdentifier `json:"identifier"`
	Address    *OCDSAddress    `json:"address"`
}

type OCDSIdentifier struct {
	Scheme string `json:"scheme"`
	ID     string `json:"id"`
}

type OCDSAddress struct {
	Region   string `json:"region"`
	Locality string `json:"locality"`
	District string `json:"district"`
}

// ListingRow is the flat row of the procurement portal's search listing.
type ListingRow struct {
	IDProceso          string          `json:"id_proceso"`
	NumeroProceso      string          `json:"numero_proceso"`
	ObjetoContratacion string          `json:"objeto_contratacion"`
	Descripcion        string          `json:"descripcion"`
	Entidad            string          `json:"entidad"`
	EntidadRUC         string          `json:"entidad_ruc"`
	RUC                string          `json:"ruc"`
	TipoProceso        string          `json:"tipo_proceso"`
	Estado             string          `json:"estado"`
	FechaPublicacion   json.RawMessage `json:"fecha_publicacion"`
	FechaLimite        json.RawMessage `json:"fecha_limite"`
	ValorReferencial   json.RawMessage `json:"valor_referencial"`
	Moneda             string          `json:"moneda"`
	Rubro              string          `json:"rubro"`
	Departamento       string          `json:"departamento"`
	Provincia          string          `json:"provincia"`
	Distrito           string          `json:"distrito"`
	URLDetalle         string          `json:"url_detalle"`
}

// DecodeEntry classifies a payload by the keys it carries. Nothing is guessed:
// a payload matching neither shape is KindUnknown.
func DecodeEntry(payload json.RawMessage) RawEntry {
	entry := RawEntry{Kind: KindUnknown, Payload: payload}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		entry.DecodeErr = err
		return entry
	}

	_, hasOCID := keys["ocid"]
	_, hasTender := keys["tender"]
	if hasOCID || hasTender {
		var rel OCDSRelease
		if err := json.Unmarshal(payload, &rel); err != nil {
			entry.DecodeErr = err
			return entry
		}
		entry.Kind = KindOCDSRelease
		entry.OCDS = &rel
		return entry
	}

	_, hasNumero := keys["numero_proceso"]
	_, hasID := keys["id_proceso"]
	if hasNumero || hasID {
		var row ListingRow
		if err := json.Unmarshal(payload, &row); err != nil {
			entry.DecodeErr = err
			return entry
		}
		entry.Kind = KindListingRow
		entry.Listing = &row
		return entry
	}
	return entry
}
