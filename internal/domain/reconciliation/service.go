package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinica/tiss/internal/platform/audit"
	"github.com/clinica/tiss/internal/platform/auth"
	"github.com/clinica/tiss/internal/platform/blobstore"
	"github.com/clinica/tiss/internal/platform/db"
	"github.com/clinica/tiss/internal/platform/jobs"
	"github.com/clinica/tiss/internal/tiss/parser"
)

// JobKindImport identifies import jobs on the runner.
const JobKindImport = "tiss.import"

// Submitter queues background work.
type Submitter interface {
	Submit(job jobs.Job) error
}

// TenantScope runs fn with ctx bound to the tenant's database schema.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// Transactor runs fn atomically: everything fn writes commits together or
// not at all.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

func contextScope(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	return fn(db.WithTenantID(ctx, tenantID))
}

type Service struct {
	lots    LotRepository
	imports ImportRepository
	errs    ErrorRepository
	blobs   blobstore.BlobStore
	parser  *parser.Parser
	engine  *Engine
	runner  Submitter
	sink    audit.Sink
	scope   TenantScope
	inTx    Transactor
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(lots LotRepository, imports ImportRepository, errs ErrorRepository, blobs blobstore.BlobStore, p *parser.Parser, logger zerolog.Logger) *Service {
	if p == nil {
		p = parser.New(nil)
	}
	return &Service{
		lots:    lots,
		imports: imports,
		errs:    errs,
		blobs:   blobs,
		parser:  p,
		engine:  NewEngine(lots, errs, logger),
		sink:    audit.NopSink{},
		scope:   contextScope,
		inTx:    db.InTx,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetRunner attaches the queue imports are processed on.
func (s *Service) SetRunner(r Submitter) { s.runner = r }

// SetAuditSink attaches the sink audit events are sent to.
func (s *Service) SetAuditSink(sink audit.Sink) { s.sink = sink }

// SetTenantScope replaces how background jobs bind to a tenant schema.
func (s *Service) SetTenantScope(scope TenantScope) { s.scope = scope }

// SetTransactor replaces how lot creation is made atomic. The default is
// db.InTx on the tenant connection.
func (s *Service) SetTransactor(tx Transactor) { s.inTx = tx }

// Parser returns the parser used for imports and previews.
func (s *Service) Parser() *parser.Parser { return s.parser }

func (s *Service) emit(ctx context.Context, e audit.Event) {
	if e.Actor == "" {
		e.Actor = auth.UserIDFromContext(ctx)
	}
	if e.TenantID == "" {
		e.TenantID = db.TenantFromContext(ctx)
	}
	if err := s.sink.Record(ctx, &e); err != nil {
		s.logger.Error().Err(err).Str("action", e.Action).Msg("audit event not recorded")
	}
}

// -- Lots --

func (s *Service) CreateLot(ctx context.Context, l *Lot, guides []*Guide) error {
	if strings.TrimSpace(l.LotNumber) == "" {
		return fmt.Errorf("lot_number is required")
	}
	seen := make(map[string]bool, len(guides))
	for _, g := range guides {
		if strings.TrimSpace(g.ProviderGuideNumber) == "" {
			return fmt.Errorf("provider_guide_number is required for every guide")
		}
		if seen[g.ProviderGuideNumber] {
			return fmt.Errorf("duplicate provider_guide_number %s", g.ProviderGuideNumber)
		}
		seen[g.ProviderGuideNumber] = true
		if g.PresentedValue < 0 {
			return fmt.Errorf("guide %s: presented_value must not be negative", g.ProviderGuideNumber)
		}
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.lots.CreateLot(ctx, l); err != nil {
			return err
		}
		for _, g := range guides {
			g.LotID = l.ID
			if err := s.lots.AddGuide(ctx, g); err != nil {
				return fmt.Errorf("add guide %s: %w", g.ProviderGuideNumber, err)
			}
		}
		return nil
	})
}

func (s *Service) GetLot(ctx context.Context, id uuid.UUID) (*Lot, []*Guide, error) {
	l, err := s.lots.GetLot(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	guides, err := s.lots.ListGuides(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return l, guides, nil
}

// -- Imports --

// StageReturn stores a return file for lotID and queues its import. The
// returned import is in the queued state; processing happens on the runner.
func (s *Service) StageReturn(ctx context.Context, lotID uuid.UUID, fileName, contentType string, content io.Reader) (*Import, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("no job runner configured")
	}
	if _, err := s.lots.GetLot(ctx, lotID); err != nil {
		return nil, err
	}

	tenant := db.TenantFromContext(ctx)
	user := auth.UserIDFromContext(ctx)
	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    fileName,
		ContentType: contentType,
		ClinicID:    tenant,
		CreatedBy:   user,
	}, content)
	if err != nil {
		return nil, err
	}
	rawID, err := uuid.Parse(meta.ID)
	if err != nil {
		return nil, fmt.Errorf("blob id %q: %w", meta.ID, err)
	}

	imp := &Import{
		LotID:     lotID,
		RawFileID: rawID,
		FileName:  meta.FileName,
		Status:    ImportQueued,
		CreatedBy: user,
	}
	if err := s.imports.Create(ctx, imp); err != nil {
		if derr := s.blobs.Delete(ctx, meta.ID); derr != nil {
			s.logger.Warn().Err(derr).Str("blob_id", meta.ID).Msg("orphaned staged file")
		}
		return nil, fmt.Errorf("create import: %w", err)
	}

	s.emit(ctx, audit.Event{
		Action:     audit.ActionReturnStaged,
		EntityType: "import",
		EntityID:   imp.ID.String(),
		Detail: map[string]interface{}{
			"lot_id":    lotID.String(),
			"file_name": meta.FileName,
			"size":      meta.Size,
			"sha256":    meta.Hash,
		},
	})

	roles := auth.RolesFromContext(ctx)
	importID := imp.ID
	job := jobs.Job{
		ID:       importID.String(),
		Kind:     JobKindImport,
		TenantID: tenant,
		Run: func(ctx context.Context) error {
			ctx = auth.WithUser(ctx, user, roles...)
			return s.scope(ctx, tenant, func(ctx context.Context) error {
				return s.ProcessImport(ctx, importID)
			})
		},
		OnFailure: func(ctx context.Context, cause error) {
			ctx = auth.WithUser(ctx, user, roles...)
			err := s.scope(ctx, tenant, func(ctx context.Context) error {
				return s.failImport(ctx, importID, cause)
			})
			if err != nil {
				s.logger.Error().Err(err).Str("import_id", importID.String()).Msg("failed to mark import failed")
			}
		},
	}
	if err := s.runner.Submit(job); err != nil {
		_ = s.failImport(ctx, importID, err)
		return nil, fmt.Errorf("queue import: %w", err)
	}
	return imp, nil
}

// ProcessImport normalizes, parses and reconciles a queued import. An
// import that already finished is left alone.
func (s *Service) ProcessImport(ctx context.Context, id uuid.UUID) error {
	imp, err := s.imports.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load import: %w", err)
	}
	if imp.Status.Done() {
		return nil
	}
	log := s.logger.With().Str("import_id", id.String()).Logger()

	started := s.now()
	if err := s.imports.MarkProcessing(ctx, id, started); err != nil {
		return err
	}
	imp.Status = ImportProcessing
	imp.StartedAt = &started

	raw, _, err := blobstore.ReadAll(ctx, s.blobs, imp.RawFileID.String())
	if err != nil {
		return s.fail(ctx, imp, fmt.Errorf("read staged file: %w", err))
	}

	res := s.parser.ParseBuffer(raw)
	imp.applyParse(res)
	s.emit(ctx, audit.Event{
		Action:     audit.ActionReturnParsed,
		EntityType: "import",
		EntityID:   id.String(),
		Outcome:    outcome(res.Success),
		Detail: map[string]interface{}{
			"format":            string(res.Metadata.Format),
			"detected_encoding": string(res.Metadata.DetectedEncoding),
			"total_guias":       res.Metadata.TotalGuias,
			"guias_ignoradas":   res.Metadata.GuiasIgnoradas,
			"warnings":          len(res.Warnings()),
		},
	})
	if !res.Success {
		msg := "document could not be parsed"
		if len(res.Errors) > 0 {
			msg = fmt.Sprintf("%s: %s", res.Errors[0].Code, res.Errors[0].Message)
		}
		log.Warn().Str("reason", msg).Msg("return file rejected")
		return s.fail(ctx, imp, errors.New(msg))
	}

	summary, err := s.engine.Reconcile(ctx, imp.LotID, id, res.Data, res.Exclusions())
	if summary == nil {
		return s.fail(ctx, imp, err)
	}
	imp.Summary = summary
	if err != nil {
		return s.fail(ctx, imp, err)
	}

	finished := s.now()
	imp.FinishedAt = &finished
	if err := s.imports.Complete(ctx, imp); err != nil {
		return s.fail(ctx, imp, fmt.Errorf("complete import: %w", err))
	}
	s.emit(ctx, audit.Event{
		Action:     audit.ActionImportCompleted,
		EntityType: "import",
		EntityID:   id.String(),
		Detail: map[string]interface{}{
			"guides_in_file": summary.GuidesInFile,
			"processed":      summary.Processed,
			"errors":         summary.Errors,
		},
	})
	return nil
}

// fail marks imp failed with cause and returns cause.
func (s *Service) fail(ctx context.Context, imp *Import, cause error) error {
	finished := s.now()
	imp.FinishedAt = &finished
	imp.FailureMessage = cause.Error()
	if err := s.imports.Fail(ctx, imp); err != nil {
		s.logger.Error().Err(err).Str("import_id", imp.ID.String()).Msg("failed to mark import failed")
	}
	s.emit(ctx, audit.Event{
		Action:     audit.ActionImportFailed,
		EntityType: "import",
		EntityID:   imp.ID.String(),
		Outcome:    audit.OutcomeFailure,
		Detail:     map[string]interface{}{"reason": imp.FailureMessage},
	})
	return cause
}

// failImport marks an import failed unless it already finished.
func (s *Service) failImport(ctx context.Context, id uuid.UUID, cause error) error {
	imp, err := s.imports.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if imp.Status.Done() {
		return nil
	}
	return s.fail(ctx, imp, cause)
}

func (s *Service) GetImport(ctx context.Context, id uuid.UUID) (*Import, error) {
	return s.imports.GetByID(ctx, id)
}

// Report builds the error-review summary of an import.
func (s *Service) Report(ctx context.Context, importID uuid.UUID) (*Report, error) {
	errs, err := s.errs.AllByImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	return BuildSummary(errs), nil
}

func (s *Service) ListErrors(ctx context.Context, importID uuid.UUID, f ErrorFilter, limit, offset int) ([]*ReconciliationError, int, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, 0, fmt.Errorf("invalid category: %s", f.Category)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid resolution status: %s", f.Status)
	}
	return s.errs.ListByImport(ctx, importID, f, limit, offset)
}

// -- Resolution --

// ResolveError marks a pending error RESOLVED. Guides are not touched.
func (s *Service) ResolveError(ctx context.Context, id uuid.UUID, note, user string) (*ReconciliationError, error) {
	return s.close(ctx, id, ResolutionResolved, note, user, audit.ActionErrorResolved)
}

// IgnoreError marks a pending error IGNORED. Guides are not touched.
func (s *Service) IgnoreError(ctx context.Context, id uuid.UUID, note, user string) (*ReconciliationError, error) {
	return s.close(ctx, id, ResolutionIgnored, note, user, audit.ActionErrorIgnored)
}

func (s *Service) close(ctx context.Context, id uuid.UUID, status ResolutionStatus, note, user, action string) (*ReconciliationError, error) {
	if user == "" {
		return nil, fmt.Errorf("user is required")
	}
	e, err := s.errs.Close(ctx, id, status, strings.TrimSpace(note), user, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, audit.Event{
		Action:     action,
		EntityType: "reconciliation_error",
		EntityID:   id.String(),
		Actor:      user,
		Detail: map[string]interface{}{
			"import_id": e.ImportID.String(),
			"category":  string(e.Category),
			"note":      e.ResolutionNote,
		},
	})
	return e, nil
}

func outcome(ok bool) string {
	if ok {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}
