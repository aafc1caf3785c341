package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinica/tiss/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGBlobStore keeps raw files in the tenant's tiss_raw_files table.
type PGBlobStore struct {
	pool    *pgxpool.Pool
	maxSize int64
}

// NewPGBlobStore creates a PostgreSQL-backed store. A maxSize of zero uses
// MaxFileSize.
func NewPGBlobStore(pool *pgxpool.Pool, maxSize int64) *PGBlobStore {
	return &PGBlobStore{pool: pool, maxSize: maxSize}
}

func (s *PGBlobStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const blobCols = `id, file_name, content_type, size_bytes, sha256, clinic_id, created_by, created_at`

func scanMeta(row pgx.Row) (*BlobMetadata, error) {
	var (
		m  BlobMetadata
		id uuid.UUID
	)
	err := row.Scan(&id, &m.FileName, &m.ContentType, &m.Size, &m.Hash, &m.ClinicID, &m.CreatedBy, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ID = id.String()
	return &m, nil
}

func (s *PGBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	meta.ID = id.String()

	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO tiss_raw_files (id, file_name, content_type, size_bytes, sha256, clinic_id, created_by, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		id, meta.FileName, meta.ContentType, meta.Size, meta.Hash, meta.ClinicID, meta.CreatedBy, data,
	).Scan(&meta.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert raw file: %w", err)
	}
	return &meta, nil
}

func (s *PGBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil, ErrBlobNotFound
	}
	var (
		m       BlobMetadata
		content []byte
	)
	err = s.conn(ctx).QueryRow(ctx, `SELECT `+blobCols+`, content FROM tiss_raw_files WHERE id = $1`, uid).
		Scan(&uid, &m.FileName, &m.ContentType, &m.Size, &m.Hash, &m.ClinicID, &m.CreatedBy, &m.CreatedAt, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	m.ID = uid.String()
	return io.NopCloser(bytes.NewReader(content)), &m, nil
}

func (s *PGBlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrBlobNotFound
	}
	return scanMeta(s.conn(ctx).QueryRow(ctx, `SELECT `+blobCols+` FROM tiss_raw_files WHERE id = $1`, uid))
}

func (s *PGBlobStore) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrBlobNotFound
	}
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM tiss_raw_files WHERE id = $1`, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func (s *PGBlobStore) ListByClinic(ctx context.Context, clinicID string, limit, offset int) ([]*BlobMetadata, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tiss_raw_files WHERE clinic_id = $1`, clinicID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+blobCols+` FROM tiss_raw_files WHERE clinic_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, clinicID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*BlobMetadata
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
