package calendar

import (
	"context"
	"errors"
	"time"

	"calnudge/internal/model"
)

// ErrReadOnly is returned by mutating operations on sources that cannot
// modify events (e.g. ICS subscriptions).
var ErrReadOnly = errors.New("calendar source is read-only")

// Source supplies events in a time window. A transport failure must be
// reported as an error, never as a partial result.
type Source interface {
	ListUpcoming(ctx context.Context, from, to time.Time) ([]model.Event, error)
}

// Manager extends Source with the mutations the messaging surface needs.
type Manager interface {
	Source
	Create(ctx context.Context, draft model.EventDraft) (model.Event, error)
	Update(ctx context.Context, eventID string, patch model.EventPatch) (model.Event, error)
	Delete(ctx context.Context, eventID string) error
}

// readOnly adapts a plain Source into a Manager whose mutations fail with
// ErrReadOnly. This keeps the web surface uniform across source types.
type readOnly struct {
	Source
}

// ReadOnly wraps src so it satisfies Manager.
func ReadOnly(src Source) Manager {
	return readOnly{Source: src}
}

func (readOnly) Create(context.Context, model.EventDraft) (model.Event, error) {
	return model.Event{}, ErrReadOnly
}

func (readOnly) Update(context.Context, string, model.EventPatch) (model.Event, error) {
	return model.Event{}, ErrReadOnly
}

func (readOnly) Delete(context.Context, string) error {
	return ErrReadOnly
}
