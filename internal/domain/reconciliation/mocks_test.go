package reconciliation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repositories --

type mockLotRepo struct {
	mu      sync.Mutex
	lots    map[uuid.UUID]*Lot
	guides  map[uuid.UUID]*Guide
	fail    map[string]error
	addErr  map[string]error
	applied []GuideUpdate
	listErr error
}

func newMockLotRepo() *mockLotRepo {
	return &mockLotRepo{
		lots:   make(map[uuid.UUID]*Lot),
		guides: make(map[uuid.UUID]*Guide),
		fail:   make(map[string]error),
		addErr: make(map[string]error),
	}
}

// inTx runs fn and puts lots and guides back the way they were when fn
// fails.
func (m *mockLotRepo) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	lots := make(map[uuid.UUID]*Lot, len(m.lots))
	for k, v := range m.lots {
		lots[k] = v
	}
	guides := make(map[uuid.UUID]*Guide, len(m.guides))
	for k, v := range m.guides {
		guides[k] = v
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.lots, m.guides = lots, guides
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockLotRepo) CreateLot(_ context.Context, l *Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = uuid.New()
	l.CreatedAt = time.Now()
	m.lots[l.ID] = l
	return nil
}

func (m *mockLotRepo) GetLot(_ context.Context, id uuid.UUID) (*Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *mockLotRepo) AddGuide(_ context.Context, g *Guide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addErr[g.ProviderGuideNumber]; err != nil {
		return err
	}
	g.ID = uuid.New()
	if g.Status == "" {
		g.Status = "PENDING"
	}
	m.guides[g.ID] = g
	return nil
}

func (m *mockLotRepo) ListGuides(_ context.Context, lotID uuid.UUID) ([]*Guide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Guide
	for _, g := range m.guides {
		if g.LotID == lotID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderGuideNumber < out[j].ProviderGuideNumber })
	return out, nil
}

func (m *mockLotRepo) ApplyUpdate(_ context.Context, u GuideUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guides[u.GuideID]
	if !ok {
		return ErrNotFound
	}
	if err := m.fail[g.ProviderGuideNumber]; err != nil {
		return err
	}
	g.Status = u.Status
	if u.OperatorGuideNumber != "" {
		g.OperatorGuideNumber = u.OperatorGuideNumber
	}
	g.ReleasedValue = u.ReleasedValue
	g.GlosaValue = u.GlosaValue
	id := u.ImportID
	g.LastImportID = &id
	m.applied = append(m.applied, u)
	return nil
}

func (m *mockLotRepo) guide(number string) *Guide {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.guides {
		if g.ProviderGuideNumber == number {
			return g
		}
	}
	return nil
}

type mockImportRepo struct {
	mu          sync.Mutex
	items       map[uuid.UUID]*Import
	completeErr error
}

func newMockImportRepo() *mockImportRepo {
	return &mockImportRepo{items: make(map[uuid.UUID]*Import)}
}

func (m *mockImportRepo) Create(_ context.Context, imp *Import) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	imp.ID = uuid.New()
	imp.CreatedAt = time.Now()
	cp := *imp
	m.items[imp.ID] = &cp
	return nil
}

func (m *mockImportRepo) GetByID(_ context.Context, id uuid.UUID) (*Import, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	imp, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *imp
	return &cp, nil
}

func (m *mockImportRepo) MarkProcessing(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	imp, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if imp.Status != ImportQueued {
		return errors.New("import is not queued")
	}
	imp.Status = ImportProcessing
	imp.StartedAt = &at
	return nil
}

func (m *mockImportRepo) store(imp *Import, status ImportStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	imp.Status = status
	cp := *imp
	m.items[imp.ID] = &cp
}

func (m *mockImportRepo) Complete(_ context.Context, imp *Import) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.store(imp, ImportCompleted)
	return nil
}

func (m *mockImportRepo) Fail(_ context.Context, imp *Import) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[imp.ID]
	if !ok {
		return ErrNotFound
	}
	imp.Status = ImportFailed
	stored.Status = ImportFailed
	stored.FailureMessage = imp.FailureMessage
	stored.FinishedAt = imp.FinishedAt
	stored.ParseMetadata = imp.ParseMetadata
	return nil
}

type mockErrorRepo struct {
	mu        sync.Mutex
	items     []*ReconciliationError
	createErr error
}

func newMockErrorRepo() *mockErrorRepo {
	return &mockErrorRepo{}
}

func (m *mockErrorRepo) Create(_ context.Context, e *ReconciliationError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.items = append(m.items, e)
	return nil
}

func (m *mockErrorRepo) GetByID(_ context.Context, id uuid.UUID) (*ReconciliationError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.items {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockErrorRepo) ListByImport(_ context.Context, importID uuid.UUID, f ErrorFilter, limit, offset int) ([]*ReconciliationError, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*ReconciliationError
	for _, e := range m.items {
		if e.ImportID != importID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Status != "" && e.ResolutionStatus != f.Status {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *mockErrorRepo) AllByImport(_ context.Context, importID uuid.UUID) ([]*ReconciliationError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ReconciliationError
	for _, e := range m.items {
		if e.ImportID == importID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockErrorRepo) Close(_ context.Context, id uuid.UUID, status ResolutionStatus, note, user string, at time.Time) (*ReconciliationError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.items {
		if e.ID != id {
			continue
		}
		if e.ResolutionStatus != ResolutionPending {
			return nil, ErrAlreadyClosed
		}
		e.ResolutionStatus = status
		e.ResolutionNote = note
		e.ResolvedBy = user
		e.ResolvedAt = &at
		return e, nil
	}
	return nil, ErrNotFound
}

func (m *mockErrorRepo) byCategory(c Category) []*ReconciliationError {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ReconciliationError
	for _, e := range m.items {
		if e.Category == c {
			out = append(out, e)
		}
	}
	return out
}

// seedLot creates lot L-9 with guides 3001 and 3002, both presented at 100
// and 200.
func seedLot(t *testing.T, lots *mockLotRepo) *Lot {
	t.Helper()
	ctx := context.Background()
	lot := &Lot{LotNumber: "L-9", OperatorName: "AMIL"}
	if err := lots.CreateLot(ctx, lot); err != nil {
		t.Fatalf("seed lot: %v", err)
	}
	for _, g := range []*Guide{
		{LotID: lot.ID, ProviderGuideNumber: "3001", PresentedValue: 100},
		{LotID: lot.ID, ProviderGuideNumber: "3002", PresentedValue: 200},
	} {
		if err := lots.AddGuide(ctx, g); err != nil {
			t.Fatalf("seed guide: %v", err)
		}
	}
	return lot
}
