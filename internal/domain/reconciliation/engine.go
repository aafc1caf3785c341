package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/clinica/tiss/internal/tiss/parser"
)

// Engine matches parsed return records against the guides stored for a lot
// and records every record it cannot apply.
type Engine struct {
	lots   LotRepository
	errs   ErrorRepository
	logger zerolog.Logger
}

func NewEngine(lots LotRepository, errs ErrorRepository, logger zerolog.Logger) *Engine {
	return &Engine{lots: lots, errs: errs, logger: logger}
}

// Reconcile classifies every guide of batch against lot lotID. Matched
// records are applied one transaction each; everything else becomes a
// ReconciliationError tied to importID. exclusions are the parser's dropped
// records and are recorded as OTHER.
//
// A failing record never stops the batch. The returned error is non-nil only
// when the lot could not be loaded or some error could not be recorded; the
// summary is still valid in the second case.
func (e *Engine) Reconcile(ctx context.Context, lotID, importID uuid.UUID, batch *parser.TissBatch, exclusions []parser.ParseError) (*Summary, error) {
	lot, err := e.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("load lot: %w", err)
	}
	guides, err := e.lots.ListGuides(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("load guides: %w", err)
	}
	byNumber := make(map[string]*Guide, len(guides))
	for _, g := range guides {
		byNumber[g.ProviderGuideNumber] = g
	}

	r := &run{engine: e, lotID: lotID, importID: importID, summary: newSummary()}
	log := e.logger.With().Str("import_id", importID.String()).Str("lot_id", lotID.String()).Logger()

	if batch.LotNumber != "" && lot.LotNumber != "" && batch.LotNumber != lot.LotNumber {
		r.record(ctx, &ReconciliationError{
			Category:     CategoryOther,
			ErrorCode:    CodeLotNumberMismatch,
			ErrorMessage: fmt.Sprintf("return file is for lot %s, reconciling against lot %s", batch.LotNumber, lot.LotNumber),
			ErrorDetails: map[string]interface{}{
				"file_lot_number": batch.LotNumber,
				"lot_number":      lot.LotNumber,
			},
		})
	}

	for _, x := range exclusions {
		r.summary.Excluded++
		details := map[string]interface{}{"record": x.Record}
		if x.Field != "" {
			details["field"] = x.Field
		}
		r.record(ctx, &ReconciliationError{
			Category:           CategoryOther,
			GuideNumberFromXML: x.GuideNumber,
			ErrorCode:          x.Code,
			ErrorMessage:       x.Message,
			ErrorDetails:       details,
		})
	}

	seen := make(map[string]bool, len(batch.Guides))
	for i, rec := range batch.Guides {
		r.summary.GuidesInFile++
		local := byNumber[rec.ProviderGuideNumber]

		if seen[rec.ProviderGuideNumber] {
			r.record(ctx, &ReconciliationError{
				Category:           CategoryValidationError,
				GuideNumberFromXML: rec.ProviderGuideNumber,
				ErrorCode:          CodeDuplicateGuideNumber,
				ErrorMessage:       "guide number appears more than once in the return file",
				ErrorDetails:       recordDetails(rec, i+1),
			})
			continue
		}
		seen[rec.ProviderGuideNumber] = true

		if verr := validateRecord(rec, i+1); verr != nil {
			verr.ErrorDetails["matched"] = local != nil
			r.record(ctx, verr)
			continue
		}

		if local == nil {
			r.record(ctx, &ReconciliationError{
				Category:           CategoryOrphanGuide,
				GuideNumberFromXML: rec.ProviderGuideNumber,
				ErrorCode:          CodeGuideNotFound,
				ErrorMessage:       fmt.Sprintf("guide %s is not part of lot %s", rec.ProviderGuideNumber, lot.LotNumber),
				ErrorDetails:       recordDetails(rec, i+1),
			})
			continue
		}

		r.summary.Matched++
		update := GuideUpdate{
			GuideID:             local.ID,
			ImportID:            importID,
			OperatorGuideNumber: rec.OperatorGuideNumber,
			Status:              rec.Status,
			ReleasedValue:       rec.ReleasedValue,
			GlosaValue:          rec.GlosaValue,
			Glosas:              rec.Glosas,
		}
		if err := e.lots.ApplyUpdate(ctx, update); err != nil {
			log.Warn().Err(err).Str("guide", rec.ProviderGuideNumber).Msg("guide update failed")
			r.record(ctx, updateFailure(rec, i+1, local.ID, err))
			continue
		}
		r.summary.Processed++
	}

	log.Info().
		Int("guides", r.summary.GuidesInFile).
		Int("processed", r.summary.Processed).
		Int("errors", r.summary.Errors).
		Msg("reconciliation finished")
	return r.summary, errors.Join(r.failures...)
}

type run struct {
	engine   *Engine
	lotID    uuid.UUID
	importID uuid.UUID
	summary  *Summary
	failures []error
}

func (r *run) record(ctx context.Context, re *ReconciliationError) {
	re.ImportID = r.importID
	re.LotID = r.lotID
	re.ResolutionStatus = ResolutionPending
	if err := r.engine.errs.Create(ctx, re); err != nil {
		r.failures = append(r.failures, fmt.Errorf("record %s for guide %q: %w", re.Category, re.GuideNumberFromXML, err))
		return
	}
	r.summary.Errors++
	r.summary.ByCategory[re.Category]++
}

func recordDetails(rec parser.GuideRecord, record int) map[string]interface{} {
	return map[string]interface{}{
		"record":                record,
		"status":                string(rec.Status),
		"status_code":           rec.StatusCode,
		"operator_guide_number": rec.OperatorGuideNumber,
		"presented_value":       rec.PresentedValue,
		"released_value":        rec.ReleasedValue,
		"glosa_value":           rec.GlosaValue,
		"beneficiary_name":      rec.BeneficiaryName,
	}
}

// validateRecord rejects records whose values cannot be applied.
func validateRecord(rec parser.GuideRecord, record int) *ReconciliationError {
	var code, msg string
	switch {
	case rec.PresentedValue < 0 || rec.ReleasedValue < 0 || rec.GlosaValue < 0:
		code = CodeNegativeValue
		msg = "presented, released and glosa values must not be negative"
	case rec.ReleasedValue-rec.PresentedValue > 0.005:
		code = CodeReleasedAbovePresented
		msg = fmt.Sprintf("released value %.2f exceeds presented value %.2f", rec.ReleasedValue, rec.PresentedValue)
	default:
		return nil
	}
	return &ReconciliationError{
		Category:           CategoryValidationError,
		GuideNumberFromXML: rec.ProviderGuideNumber,
		ErrorCode:          code,
		ErrorMessage:       msg,
		ErrorDetails:       recordDetails(rec, record),
	}
}

func updateFailure(rec parser.GuideRecord, record int, guideID uuid.UUID, err error) *ReconciliationError {
	re := &ReconciliationError{
		Category:           CategoryUpdateFailure,
		GuideNumberFromXML: rec.ProviderGuideNumber,
		ErrorCode:          CodeUpdateFailed,
		ErrorMessage:       err.Error(),
		ErrorDetails:       recordDetails(rec, record),
	}
	re.ErrorDetails["guide_id"] = guideID.String()

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		re.ErrorCode = pgErr.Code
		re.ErrorMessage = pgErr.Message
		if pgErr.ConstraintName != "" {
			re.ErrorDetails["constraint"] = pgErr.ConstraintName
		}
		if pgErr.Detail != "" {
			re.ErrorDetails["detail"] = pgErr.Detail
		}
	}
	return re
}
