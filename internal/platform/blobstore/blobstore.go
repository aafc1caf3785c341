// Package blobstore stages raw operator return files before they are
// processed. Every staged file keeps its SHA-256 hash so an import can always
// be traced back to the exact bytes the operator sent.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrEmptyFile          = errors.New("file is empty")
)

// MaxFileSize is the default ceiling for a staged return file (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// AllowedContentTypes lists the media types operators deliver returns in.
// Parameters such as charset are ignored when matching.
var AllowedContentTypes = map[string]bool{
	"application/xml":          true,
	"text/xml":                 true,
	"text/csv":                 true,
	"text/plain":               true,
	"application/vnd.ms-excel": true,
	"application/octet-stream": true,
}

// BlobMetadata describes a staged raw return file.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	ClinicID    string    `json:"clinic_id"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is the contract for raw file staging backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	ListByClinic(ctx context.Context, clinicID string, limit, offset int) ([]*BlobMetadata, int, error)
}

// NormalizeContentType strips parameters and lower-cases a media type. An
// empty value is treated as application/octet-stream.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

// prepare validates meta and reads at most maxSize bytes of content,
// filling size and hash.
func prepare(meta BlobMetadata, content io.Reader, maxSize int64) (BlobMetadata, []byte, error) {
	if strings.TrimSpace(meta.FileName) == "" {
		return meta, nil, ErrMissingFileName
	}
	meta.ContentType = NormalizeContentType(meta.ContentType)
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}
	if maxSize <= 0 {
		maxSize = MaxFileSize
	}

	data, err := io.ReadAll(io.LimitReader(content, maxSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > maxSize {
		return meta, nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return meta, nil, ErrEmptyFile
	}

	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	return meta, data, nil
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for tests and local runs.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	maxSize int64
}

// NewInMemoryBlobStore returns an empty store. A maxSize of zero uses
// MaxFileSize.
func NewInMemoryBlobStore(maxSize int64) *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		maxSize: maxSize,
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	meta.ID = uuid.New().String()
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// ListByClinic returns the clinic's files newest first, with the total count.
func (s *InMemoryBlobStore) ListByClinic(_ context.Context, clinicID string, limit, offset int) ([]*BlobMetadata, int, error) {
	s.mu.RLock()
	var matched []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.ClinicID != clinicID {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// ReadAll downloads a blob fully into memory.
func ReadAll(ctx context.Context, store BlobStore, id string) ([]byte, *BlobMetadata, error) {
	rc, meta, err := store.Download(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return data, meta, nil
}
