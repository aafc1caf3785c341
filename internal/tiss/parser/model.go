package parser

import (
	"strconv"
	"strings"

	"github.com/clinica/tiss/internal/tiss/encoding"
)

// GuideStatus is the operator's verdict on a guide, derived from its numeric
// status code.
type GuideStatus string

const (
	StatusPending  GuideStatus = "PENDING"
	StatusApproved GuideStatus = "APPROVED"
	StatusDenied   GuideStatus = "DENIED"
	StatusPartial  GuideStatus = "PARTIAL"
)

// StatusFromCode maps a raw status code to a GuideStatus: 1 approved,
// 2 denied, 3 partial, anything else pending.
func StatusFromCode(code string) GuideStatus {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return StatusPending
	}
	switch n {
	case 1:
		return StatusApproved
	case 2:
		return StatusDenied
	case 3:
		return StatusPartial
	default:
		return StatusPending
	}
}

// GlosaReason is one coded rejection attached to a guide.
type GlosaReason struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
}

// GuideRecord is one guide of an operator return, fully defaulted.
type GuideRecord struct {
	ProviderGuideNumber   string        `json:"provider_guide_number"`
	OperatorGuideNumber   string        `json:"operator_guide_number"`
	AuthorizationPassword string        `json:"authorization_password"`
	Status                GuideStatus   `json:"status"`
	StatusCode            string        `json:"status_code"`
	PresentedValue        float64       `json:"presented_value"`
	ReleasedValue         float64       `json:"released_value"`
	GlosaValue            float64       `json:"glosa_value"`
	Glosas                []GlosaReason `json:"glosas"`
	BeneficiaryName       string        `json:"beneficiary_name"`
	BeneficiaryCPF        string        `json:"beneficiary_cpf"`
	BeneficiaryCard       string        `json:"beneficiary_card,omitempty"`
	ServiceDate           string        `json:"service_date,omitempty"`
}

// GlosaSum is the total of the guide's glosa reason values.
func (g GuideRecord) GlosaSum() float64 {
	var sum float64
	for _, r := range g.Glosas {
		sum += r.Value
	}
	return roundCents(sum)
}

// TissBatch is the header and guides of one parsed return. It is built once
// per parse and not modified afterwards.
type TissBatch struct {
	TissVersion  string        `json:"tiss_version"`
	LotNumber    string        `json:"lot_number"`
	LotProtocol  string        `json:"lot_protocol"`
	OperatorName string        `json:"operator_name"`
	ProviderCode string        `json:"provider_code"`
	Guides       []GuideRecord `json:"guides"`
}

// Severity of a ParseError.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Error codes carried by ParseError.
const (
	CodeEmptyDocument       = "EMPTY_DOCUMENT"
	CodeInvalidShape        = "INVALID_TISS_SHAPE"
	CodeMalformedXML        = "MALFORMED_XML"
	CodeMalformedCSV        = "MALFORMED_CSV"
	CodeGuideWithoutNumber  = "GUIDE_WITHOUT_NUMBER"
	CodeMalformedNumber     = "MALFORMED_NUMBER"
	CodeUnknownStatusCode   = "UNKNOWN_STATUS_CODE"
	CodeMissingGlosaReasons = "MISSING_GLOSA_REASONS"
	CodeGlosaSumMismatch    = "GLOSA_SUM_MISMATCH"
	CodeGlosaValueMismatch  = "GLOSA_VALUE_MISMATCH"
	CodeNegativeGlosa       = "NEGATIVE_GLOSA"
)

// ParseError is a document-level failure or a per-guide warning. Record is
// the 1-based position of the guide in the document, 0 for document-level
// entries.
type ParseError struct {
	Severity    Severity `json:"severity"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Record      int      `json:"record,omitempty"`
	GuideNumber string   `json:"guide_number,omitempty"`
	Field       string   `json:"field,omitempty"`
}

// Format of the parsed document.
type Format string

const (
	FormatXML Format = "xml"
	FormatCSV Format = "csv"
)

// Metadata summarizes a parse. Counts are by derived status.
type Metadata struct {
	TotalGuias       int               `json:"total_guias"`
	TotalAprovadas   int               `json:"total_aprovadas"`
	TotalNegadas     int               `json:"total_negadas"`
	TotalParciais    int               `json:"total_parciais"`
	TotalPendentes   int               `json:"total_pendentes"`
	GuiasIgnoradas   int               `json:"guias_ignoradas"`
	Format           Format            `json:"format,omitempty"`
	DetectedEncoding encoding.Encoding `json:"detected_encoding"`
	DeclaredEncoding string            `json:"declared_encoding,omitempty"`
	HadBOM           bool              `json:"had_bom"`
}

// ParseResult is the outcome of parsing one document. Data is nil exactly
// when Success is false.
type ParseResult struct {
	Success  bool         `json:"success"`
	Data     *TissBatch   `json:"data"`
	Errors   []ParseError `json:"errors"`
	Metadata Metadata     `json:"metadata"`
}

// Warnings returns the WARNING-severity entries of r.
func (r *ParseResult) Warnings() []ParseError {
	var out []ParseError
	for _, e := range r.Errors {
		if e.Severity == SeverityWarning {
			out = append(out, e)
		}
	}
	return out
}

// Exclusions returns the warnings for guides that were dropped from Data.
func (r *ParseResult) Exclusions() []ParseError {
	var out []ParseError
	for _, e := range r.Errors {
		if e.Code == CodeGuideWithoutNumber {
			out = append(out, e)
		}
	}
	return out
}
