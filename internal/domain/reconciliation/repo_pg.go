package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinica/tiss/internal/platform/db"
	"github.com/clinica/tiss/internal/tiss/parser"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Lot Repository ===========

type lotRepoPG struct{ pool *pgxpool.Pool }

func NewLotRepoPG(pool *pgxpool.Pool) LotRepository { return &lotRepoPG{pool: pool} }

func (r *lotRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *lotRepoPG) CreateLot(ctx context.Context, l *Lot) error {
	l.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tiss_lots (id, lot_number, operator_name, tiss_version)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		l.ID, l.LotNumber, l.OperatorName, l.TissVersion).Scan(&l.CreatedAt)
}

func (r *lotRepoPG) GetLot(ctx context.Context, id uuid.UUID) (*Lot, error) {
	var l Lot
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, lot_number, operator_name, tiss_version, created_at
		FROM tiss_lots WHERE id = $1`, id).
		Scan(&l.ID, &l.LotNumber, &l.OperatorName, &l.TissVersion, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

const guideCols = `id, lot_id, provider_guide_number, operator_guide_number, authorization_password,
	beneficiary_name, beneficiary_card, status, presented_value, released_value, glosa_value,
	last_import_id, created_at, updated_at`

func scanGuide(row pgx.Row) (*Guide, error) {
	var g Guide
	var status string
	err := row.Scan(&g.ID, &g.LotID, &g.ProviderGuideNumber, &g.OperatorGuideNumber, &g.AuthorizationPassword,
		&g.BeneficiaryName, &g.BeneficiaryCard, &status, &g.PresentedValue, &g.ReleasedValue, &g.GlosaValue,
		&g.LastImportID, &g.CreatedAt, &g.UpdatedAt)
	g.Status = parser.GuideStatus(status)
	return &g, err
}

func (r *lotRepoPG) AddGuide(ctx context.Context, g *Guide) error {
	g.ID = uuid.New()
	if g.Status == "" {
		g.Status = parser.StatusPending
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tiss_guides (id, lot_id, provider_guide_number, operator_guide_number,
			authorization_password, beneficiary_name, beneficiary_card, status,
			presented_value, released_value, glosa_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		g.ID, g.LotID, g.ProviderGuideNumber, g.OperatorGuideNumber,
		g.AuthorizationPassword, g.BeneficiaryName, g.BeneficiaryCard, string(g.Status),
		g.PresentedValue, g.ReleasedValue, g.GlosaValue).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *lotRepoPG) ListGuides(ctx context.Context, lotID uuid.UUID) ([]*Guide, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+guideCols+` FROM tiss_guides
		WHERE lot_id = $1 ORDER BY provider_guide_number`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Guide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *lotRepoPG) ApplyUpdate(ctx context.Context, u GuideUpdate) error {
	return db.InTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE tiss_guides SET status = $2,
				operator_guide_number = COALESCE(NULLIF($3, ''), operator_guide_number),
				released_value = $4, glosa_value = $5, last_import_id = $6, updated_at = NOW()
			WHERE id = $1`,
			u.GuideID, string(u.Status), u.OperatorGuideNumber, u.ReleasedValue, u.GlosaValue, u.ImportID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := q.Exec(ctx, `DELETE FROM tiss_guide_glosas WHERE guide_id = $1`, u.GuideID); err != nil {
			return err
		}
		for _, gl := range u.Glosas {
			_, err := q.Exec(ctx, `
				INSERT INTO tiss_guide_glosas (id, guide_id, code, description, value, import_id)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				uuid.New(), u.GuideID, gl.Code, gl.Description, gl.Value, u.ImportID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// =========== Import Repository ===========

type importRepoPG struct{ pool *pgxpool.Pool }

func NewImportRepoPG(pool *pgxpool.Pool) ImportRepository { return &importRepoPG{pool: pool} }

func (r *importRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const importCols = `id, lot_id, raw_file_id, file_name, status, format, detected_encoding,
	declared_encoding, had_bom, tiss_version, lot_number, lot_protocol, operator_name,
	parse_metadata, summary, failure_message, created_by, created_at, started_at, finished_at`

func (r *importRepoPG) scanImport(row pgx.Row) (*Import, error) {
	var imp Import
	var status string
	var metadata, summary []byte
	err := row.Scan(&imp.ID, &imp.LotID, &imp.RawFileID, &imp.FileName, &status, &imp.Format, &imp.DetectedEncoding,
		&imp.DeclaredEncoding, &imp.HadBOM, &imp.TissVersion, &imp.LotNumber, &imp.LotProtocol, &imp.OperatorName,
		&metadata, &summary, &imp.FailureMessage, &imp.CreatedBy, &imp.CreatedAt, &imp.StartedAt, &imp.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	imp.Status = ImportStatus(status)
	if len(metadata) > 2 {
		imp.ParseMetadata = &parser.Metadata{}
		if err := json.Unmarshal(metadata, imp.ParseMetadata); err != nil {
			return nil, fmt.Errorf("decode parse metadata: %w", err)
		}
	}
	if len(summary) > 2 {
		imp.Summary = &Summary{}
		if err := json.Unmarshal(summary, imp.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return &imp, nil
}

func (r *importRepoPG) Create(ctx context.Context, imp *Import) error {
	imp.ID = uuid.New()
	if imp.Status == "" {
		imp.Status = ImportQueued
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tiss_imports (id, lot_id, raw_file_id, file_name, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		imp.ID, imp.LotID, imp.RawFileID, imp.FileName, string(imp.Status), imp.CreatedBy).Scan(&imp.CreatedAt)
}

func (r *importRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Import, error) {
	return r.scanImport(r.conn(ctx).QueryRow(ctx, `SELECT `+importCols+` FROM tiss_imports WHERE id = $1`, id))
}

func (r *importRepoPG) MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE tiss_imports SET status = 'processing', started_at = $2
		WHERE id = $1 AND status = 'queued'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import %s is not queued", id)
	}
	return nil
}

func (r *importRepoPG) Complete(ctx context.Context, imp *Import) error {
	imp.Status = ImportCompleted
	metadata, err := marshalOrEmpty(imp.ParseMetadata)
	if err != nil {
		return err
	}
	summary, err := marshalOrEmpty(imp.Summary)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE tiss_imports SET status = $2, format = $3, detected_encoding = $4, declared_encoding = $5,
			had_bom = $6, tiss_version = $7, lot_number = $8, lot_protocol = $9, operator_name = $10,
			parse_metadata = $11, summary = $12, failure_message = $13, finished_at = $14
		WHERE id = $1`,
		imp.ID, string(imp.Status), imp.Format, imp.DetectedEncoding, imp.DeclaredEncoding,
		imp.HadBOM, imp.TissVersion, imp.LotNumber, imp.LotProtocol, imp.OperatorName,
		metadata, summary, imp.FailureMessage, imp.FinishedAt)
	return err
}

// Fail records the outcome and the parse metadata document. The typed
// header columns are left as they were.
func (r *importRepoPG) Fail(ctx context.Context, imp *Import) error {
	imp.Status = ImportFailed
	metadata, err := marshalOrEmpty(imp.ParseMetadata)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE tiss_imports SET status = $2, failure_message = $3, finished_at = $4, parse_metadata = $5
		WHERE id = $1`,
		imp.ID, string(imp.Status), imp.FailureMessage, imp.FinishedAt, metadata)
	return err
}

func marshalOrEmpty(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case *parser.Metadata:
		if t == nil {
			return []byte("{}"), nil
		}
	case *Summary:
		if t == nil {
			return []byte("{}"), nil
		}
	}
	return json.Marshal(v)
}

// =========== Reconciliation Error Repository ===========

type errorRepoPG struct{ pool *pgxpool.Pool }

func NewErrorRepoPG(pool *pgxpool.Pool) ErrorRepository { return &errorRepoPG{pool: pool} }

func (r *errorRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const errorCols = `id, import_id, lot_id, category, guide_number_from_xml, error_code, error_message,
	resolution_status, error_details, resolution_note, resolved_by, resolved_at, created_at`

func scanError(row pgx.Row) (*ReconciliationError, error) {
	var e ReconciliationError
	var category, status string
	var details []byte
	err := row.Scan(&e.ID, &e.ImportID, &e.LotID, &category, &e.GuideNumberFromXML, &e.ErrorCode, &e.ErrorMessage,
		&status, &details, &e.ResolutionNote, &e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.Category = Category(category)
	e.ResolutionStatus = ResolutionStatus(status)
	if err := json.Unmarshal(details, &e.ErrorDetails); err != nil {
		return nil, fmt.Errorf("decode error details: %w", err)
	}
	return &e, nil
}

func (r *errorRepoPG) Create(ctx context.Context, e *ReconciliationError) error {
	e.ID = uuid.New()
	if e.ResolutionStatus == "" {
		e.ResolutionStatus = ResolutionPending
	}
	if e.ErrorDetails == nil {
		e.ErrorDetails = map[string]interface{}{}
	}
	details, err := json.Marshal(e.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tiss_reconciliation_errors (id, import_id, lot_id, category, guide_number_from_xml,
			error_code, error_message, resolution_status, error_details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		e.ID, e.ImportID, e.LotID, string(e.Category), e.GuideNumberFromXML,
		e.ErrorCode, e.ErrorMessage, string(e.ResolutionStatus), details).Scan(&e.CreatedAt)
}

func (r *errorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ReconciliationError, error) {
	return scanError(r.conn(ctx).QueryRow(ctx, `SELECT `+errorCols+` FROM tiss_reconciliation_errors WHERE id = $1`, id))
}

func (r *errorRepoPG) ListByImport(ctx context.Context, importID uuid.UUID, f ErrorFilter, limit, offset int) ([]*ReconciliationError, int, error) {
	where := []string{"import_id = $1"}
	args := []interface{}{importID}
	if f.Category != "" {
		args = append(args, string(f.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("resolution_status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tiss_reconciliation_errors WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM tiss_reconciliation_errors WHERE %s
		ORDER BY created_at, id LIMIT $%d OFFSET $%d`, errorCols, cond, len(args)+1, len(args)+2)
	items, err := r.collect(ctx, query, append(args, limit, offset)...)
	return items, total, err
}

func (r *errorRepoPG) AllByImport(ctx context.Context, importID uuid.UUID) ([]*ReconciliationError, error) {
	return r.collect(ctx, `SELECT `+errorCols+` FROM tiss_reconciliation_errors
		WHERE import_id = $1 ORDER BY created_at, id`, importID)
}

func (r *errorRepoPG) collect(ctx context.Context, query string, args ...interface{}) ([]*ReconciliationError, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ReconciliationError
	for rows.Next() {
		e, err := scanError(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *errorRepoPG) Close(ctx context.Context, id uuid.UUID, status ResolutionStatus, note, user string, at time.Time) (*ReconciliationError, error) {
	e, err := scanError(r.conn(ctx).QueryRow(ctx, `
		UPDATE tiss_reconciliation_errors
		SET resolution_status = $2, resolution_note = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND resolution_status = 'PENDING'
		RETURNING `+errorCols, id, string(status), note, user, at))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyClosed
	}
	return e, err
}
