package reminder

import (
	"context"
	"fmt"
	"time"

	"calnudge/internal/calendar"
	appLog "calnudge/internal/log"
	"calnudge/internal/model"
	"calnudge/internal/notify"
)

const (
	// lookahead is the polling window for upcoming events.
	lookahead = 24 * time.Hour

	// retention is the grace period after an event ends before its dedup
	// state is purged.
	retention = time.Hour
)

// Engine evaluates the reminder schedule against upcoming events on every
// tick and dispatches due reminders through the notifier.
//
// Delivery contract: a reminder kind is marked sent only after the send
// succeeded AND the mark was durably persisted. A failed send or a failed
// persist both leave the kind unmarked, so the next tick retries
// (at-least-once on transient failure, at-most-once per content version on
// success).
type Engine struct {
	source   calendar.Source
	notifier notify.Notifier
	store    *Store
	schedule []Offset

	// now is a clock hook for tests.
	now func() time.Time
}

// NewEngine creates an Engine over the given collaborators. schedule must
// already be ordered earliest-firing first (see ScheduleFromConfig).
func NewEngine(source calendar.Source, notifier notify.Notifier, store *Store, schedule []Offset) *Engine {
	return &Engine{
		source:   source,
		notifier: notifier,
		store:    store,
		schedule: schedule,
		now:      time.Now,
	}
}

// Tick runs one evaluation pass.
//
// A fetch failure aborts the pass with no side effects; the next tick
// retries. Failures on a single event never abort the rest of the pass.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	events, err := e.source.ListUpcoming(ctx, now, now.Add(lookahead))
	if err != nil {
		appLog.Error("unable to fetch events for reminders", err)
		return
	}
	appLog.Debug("reminder tick", "events", len(events))

	for _, ev := range events {
		e.processEvent(ctx, now, ev)
	}

	// Purge state for events that concluded more than the retention
	// horizon ago. Only events visible in the fetched window are
	// considered; see DESIGN.md for the trade-off.
	horizon := now.Add(-retention)
	for _, ev := range events {
		if ev.End.Before(horizon) {
			if err := e.store.ClearEvent(ev.ID); err != nil {
				appLog.Error("failed to purge reminder state", err, "event_id", ev.ID)
			}
		}
	}
}

// processEvent evaluates every schedule entry for one event. A panic while
// handling one event is contained here so the remaining events still get
// their reminders.
func (e *Engine) processEvent(ctx context.Context, now time.Time, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("panic while processing event", fmt.Errorf("%v", r), "event_id", ev.ID)
		}
	}()

	version := versionKey(ev)

	for _, offset := range e.schedule {
		if now.Before(offset.FireAt(ev.Start)) {
			continue
		}
		if e.store.HasSent(ev.ID, offset.Kind, version) {
			continue
		}

		body := offset.Message(ev.Summary)
		if err := e.notifier.Send(ctx, body); err != nil {
			appLog.Error("failed to send reminder", err, "event_id", ev.ID, "kind", offset.Kind)
			continue
		}
		if err := e.store.MarkSent(ev.ID, offset.Kind, version); err != nil {
			// The SMS went out but the mark did not stick; the next
			// tick will resend, which is the safe direction.
			appLog.Error("failed to record sent reminder", err, "event_id", ev.ID, "kind", offset.Kind)
			continue
		}
		appLog.Info("reminder sent", "event_id", ev.ID, "kind", offset.Kind, "start", ev.Start.Format(time.RFC3339))
	}
}

// versionKey derives the dedup token for an event snapshot: the source's
// updated stamp when present, else the serialized start time. It must be
// deterministic for a given snapshot; it is never parsed back.
func versionKey(ev model.Event) string {
	if ev.Updated != "" {
		return ev.Updated
	}
	return ev.Start.UTC().Format(time.RFC3339Nano)
}
