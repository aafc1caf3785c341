package reconciliation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinica/tiss/internal/tiss/parser"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyClosed = errors.New("reconciliation error is already closed")
)

// Category classifies a reconciliation error.
type Category string

const (
	CategoryOrphanGuide     Category = "ORPHAN_GUIDE"
	CategoryUpdateFailure   Category = "UPDATE_FAILURE"
	CategoryValidationError Category = "VALIDATION_ERROR"
	CategoryOther           Category = "OTHER"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryOrphanGuide,
	CategoryUpdateFailure,
	CategoryValidationError,
	CategoryOther,
}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// ResolutionStatus tracks human triage of a reconciliation error.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "PENDING"
	ResolutionResolved ResolutionStatus = "RESOLVED"
	ResolutionIgnored  ResolutionStatus = "IGNORED"
)

var ResolutionStatuses = []ResolutionStatus{ResolutionPending, ResolutionResolved, ResolutionIgnored}

func (s ResolutionStatus) Valid() bool {
	return s == ResolutionPending || s == ResolutionResolved || s == ResolutionIgnored
}

// Error codes recorded by the engine. UPDATE_FAILURE entries carry the
// PostgreSQL SQLSTATE instead when one is available.
const (
	CodeGuideNotFound          = "GUIDE_NOT_FOUND"
	CodeNegativeValue          = "NEGATIVE_VALUE"
	CodeReleasedAbovePresented = "RELEASED_ABOVE_PRESENTED"
	CodeDuplicateGuideNumber   = "DUPLICATE_GUIDE_NUMBER"
	CodeLotNumberMismatch      = "LOT_NUMBER_MISMATCH"
	CodeUpdateFailed           = "UPDATE_FAILED"
)

// Lot is a submission lot: the set of guides sent to one operator together.
type Lot struct {
	ID           uuid.UUID `json:"id"`
	LotNumber    string    `json:"lot_number"`
	OperatorName string    `json:"operator_name"`
	TissVersion  string    `json:"tiss_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Guide is a locally stored claim guide of a lot.
type Guide struct {
	ID                    uuid.UUID          `json:"id"`
	LotID                 uuid.UUID          `json:"lot_id"`
	ProviderGuideNumber   string             `json:"provider_guide_number"`
	OperatorGuideNumber   string             `json:"operator_guide_number,omitempty"`
	AuthorizationPassword string             `json:"authorization_password,omitempty"`
	BeneficiaryName       string             `json:"beneficiary_name,omitempty"`
	BeneficiaryCard       string             `json:"beneficiary_card,omitempty"`
	Status                parser.GuideStatus `json:"status"`
	PresentedValue        float64            `json:"presented_value"`
	ReleasedValue         float64            `json:"released_value"`
	GlosaValue            float64            `json:"glosa_value"`
	LastImportID          *uuid.UUID         `json:"last_import_id,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// GuideUpdate is what a matched return record writes onto a local guide.
// Glosas replace any reasons recorded by earlier imports.
type GuideUpdate struct {
	GuideID             uuid.UUID
	ImportID            uuid.UUID
	OperatorGuideNumber string
	Status              parser.GuideStatus
	ReleasedValue       float64
	GlosaValue          float64
	Glosas              []parser.GlosaReason
}

// ImportStatus is the lifecycle state of an Import.
type ImportStatus string

const (
	ImportQueued     ImportStatus = "queued"
	ImportProcessing ImportStatus = "processing"
	ImportCompleted  ImportStatus = "completed"
	ImportFailed     ImportStatus = "failed"
)

// Done reports whether the import reached a terminal state.
func (s ImportStatus) Done() bool {
	return s == ImportCompleted || s == ImportFailed
}

// Import is one processing run of a staged return file against a lot.
type Import struct {
	ID               uuid.UUID        `json:"id"`
	LotID            uuid.UUID        `json:"lot_id"`
	RawFileID        uuid.UUID        `json:"raw_file_id"`
	FileName         string           `json:"file_name"`
	Status           ImportStatus     `json:"status"`
	Format           string           `json:"format,omitempty"`
	DetectedEncoding string           `json:"detected_encoding,omitempty"`
	DeclaredEncoding string           `json:"declared_encoding,omitempty"`
	HadBOM           bool             `json:"had_bom"`
	TissVersion      string           `json:"tiss_version,omitempty"`
	LotNumber        string           `json:"lot_number,omitempty"`
	LotProtocol      string           `json:"lot_protocol,omitempty"`
	OperatorName     string           `json:"operator_name,omitempty"`
	ParseMetadata    *parser.Metadata `json:"parse_metadata,omitempty"`
	Summary          *Summary         `json:"summary,omitempty"`
	FailureMessage   string           `json:"failure_message,omitempty"`
	CreatedBy        string           `json:"created_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
}

// applyParse copies the encoding and header facts of a parse onto imp.
func (imp *Import) applyParse(res *parser.ParseResult) {
	md := res.Metadata
	imp.ParseMetadata = &md
	imp.Format = string(md.Format)
	imp.DetectedEncoding = string(md.DetectedEncoding)
	imp.DeclaredEncoding = md.DeclaredEncoding
	imp.HadBOM = md.HadBOM
	if res.Data != nil {
		imp.TissVersion = res.Data.TissVersion
		imp.LotNumber = res.Data.LotNumber
		imp.LotProtocol = res.Data.LotProtocol
		imp.OperatorName = res.Data.OperatorName
	}
}

// ReconciliationError is one problematic record of an import. It is only
// mutated by an explicit resolve or ignore.
type ReconciliationError struct {
	ID                 uuid.UUID              `json:"id"`
	ImportID           uuid.UUID              `json:"import_id"`
	LotID              uuid.UUID              `json:"lot_id"`
	Category           Category               `json:"category"`
	GuideNumberFromXML string                 `json:"guide_number_from_xml"`
	ErrorCode          string                 `json:"error_code"`
	ErrorMessage       string                 `json:"error_message"`
	ResolutionStatus   ResolutionStatus       `json:"resolution_status"`
	ErrorDetails       map[string]interface{} `json:"error_details"`
	ResolutionNote     string                 `json:"resolution_note,omitempty"`
	ResolvedBy         string                 `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time             `json:"resolved_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// Summary counts the outcome of reconciling one batch.
type Summary struct {
	GuidesInFile int              `json:"guides_in_file"`
	Excluded     int              `json:"excluded"`
	Matched      int              `json:"matched"`
	Processed    int              `json:"processed"`
	Errors       int              `json:"errors"`
	ByCategory   map[Category]int `json:"by_category"`
}

func newSummary() *Summary {
	s := &Summary{ByCategory: make(map[Category]int, len(Categories))}
	for _, c := range Categories {
		s.ByCategory[c] = 0
	}
	return s
}

// ErrorFilter narrows an error listing. Empty fields match everything.
type ErrorFilter struct {
	Category Category
	Status   ResolutionStatus
}
