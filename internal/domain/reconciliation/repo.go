package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type LotRepository interface {
	CreateLot(ctx context.Context, l *Lot) error
	GetLot(ctx context.Context, id uuid.UUID) (*Lot, error)
	AddGuide(ctx context.Context, g *Guide) error
	ListGuides(ctx context.Context, lotID uuid.UUID) ([]*Guide, error)
	// ApplyUpdate writes u in a transaction of its own. On error nothing of
	// u is persisted.
	ApplyUpdate(ctx context.Context, u GuideUpdate) error
}

type ImportRepository interface {
	Create(ctx context.Context, imp *Import) error
	GetByID(ctx context.Context, id uuid.UUID) (*Import, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) error
	Complete(ctx context.Context, imp *Import) error
	Fail(ctx context.Context, imp *Import) error
}

type ErrorRepository interface {
	Create(ctx context.Context, e *ReconciliationError) error
	GetByID(ctx context.Context, id uuid.UUID) (*ReconciliationError, error)
	ListByImport(ctx context.Context, importID uuid.UUID, f ErrorFilter, limit, offset int) ([]*ReconciliationError, int, error)
	AllByImport(ctx context.Context, importID uuid.UUID) ([]*ReconciliationError, error)
	// Close moves a PENDING error to status. It returns ErrAlreadyClosed
	// when the error is no longer pending.
	Close(ctx context.Context, id uuid.UUID, status ResolutionStatus, note, user string, at time.Time) (*ReconciliationError, error)
}
