// Package events appends timeline events for domain entities. Every
// entity that produces an event implements model.EventSource; the
// emitter never branches on concrete types.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/model"
)

// Redacted replaces event payload values of sensitive cases.
const Redacted = "[redacted]"

// Emitter appends timeline events inside the caller's transaction, so an
// event commits if and only if the mutation that caused it commits.
type Emitter struct {
	log *zap.Logger
}

// NewEmitter builds an Emitter.
func NewEmitter(log *zap.Logger) *Emitter {
	return &Emitter{log: log}
}

// Emit appends one event for src. When sensitive is set the payload
// values are redacted but the event itself, its type, and its timestamp
// remain visible on the timeline.
func (e *Emitter) Emit(ctx context.Context, tx store.Tx, src model.EventSource, sensitive bool) error {
	values := src.EventValues()
	if sensitive {
		values = redact(values)
	}

	ev := model.CaseEvent{
		ID:        uuid.New().String(),
		CaseID:    src.EventCaseID(),
		Type:      src.EventType(),
		Values:    values,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return err
	}
	e.log.Debug("timeline event appended",
		zap.String("case_id", ev.CaseID),
		zap.String("type", ev.Type))
	return nil
}

// redact keeps the payload's keys but blanks every value, leaving the
// shape of the event inspectable without its content.
func redact(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k := range values {
		out[k] = Redacted
	}
	return out
}
