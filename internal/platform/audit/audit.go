// Package audit records who did what to imports and reconciliation errors.
// Services depend on the Sink interface only; the concrete sink is chosen at
// wiring time.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ActionReturnStaged    = "RETURN_STAGED"
	ActionReturnParsed    = "RETURN_PARSED"
	ActionImportCompleted = "IMPORT_COMPLETED"
	ActionImportFailed    = "IMPORT_FAILED"
	ActionErrorResolved   = "ERROR_RESOLVED"
	ActionErrorIgnored    = "ERROR_IGNORED"
	ActionGuideAutoFixed  = "GUIDE_AUTO_FIXED"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Actor      string                 `json:"actor"`
	TenantID   string                 `json:"tenant_id"`
	Outcome    string                 `json:"outcome"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

func (e *Event) fill() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e *Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, *Event) error { return nil }

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e *Event) error {
	e.fill()
	evt := s.logger.Info()
	if e.Outcome != OutcomeSuccess {
		evt = s.logger.Warn()
	}
	evt.
		Str("audit_id", e.ID.String()).
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("actor", e.Actor).
		Str("tenant_id", e.TenantID).
		Str("outcome", e.Outcome).
		Fields(e.Detail).
		Time("recorded_at", e.RecordedAt).
		Msg("audit")
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e *Event) error {
	e.fill()
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Record(_ context.Context, e *Event) error {
	e.fill()
	s.mu.Lock()
	s.events = append(s.events, *e)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events in order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Actions returns the recorded actions in order.
func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action
	}
	return out
}
