package model

import "time"

// Event is a normalized calendar event as returned by a calendar source.
type Event struct {
	// ID is an opaque stable identifier assigned by the source.
	ID string `json:"id"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`

	// Start / End are timezone-aware instants.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Timezone is the IANA zone the event declares for itself; may be
	// empty when the source does not expose one.
	Timezone string `json:"timezone,omitempty"`

	// Status is the source's lifecycle status (e.g. "confirmed").
	Status string `json:"status,omitempty"`

	// Updated is an opaque change-detection token derived from the
	// event's last-modified (or creation) stamp. It is never parsed as
	// a time; it only has to change when the event content changes.
	// Empty when the source has no such stamp.
	Updated string `json:"updated,omitempty"`
}

// EventDraft is the payload for creating a new event.
type EventDraft struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	// Timezone optionally overrides the zone recorded for start/end.
	Timezone string `json:"timezone,omitempty"`
}

// EventPatch is a partial update; nil fields are left unchanged.
type EventPatch struct {
	Summary     *string    `json:"summary,omitempty"`
	Description *string    `json:"description,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p EventPatch) Empty() bool {
	return p.Summary == nil && p.Description == nil && p.Start == nil && p.End == nil
}

// Intent names the action an inbound text message asks for.
type Intent string

const (
	IntentCreateEvent     Intent = "create_event"
	IntentRescheduleEvent Intent = "reschedule_event"
	IntentCancelEvent     Intent = "cancel_event"
	IntentListEvents      Intent = "list_events"
	IntentUnknown         Intent = "unknown"
)

// IntentResult is the outcome of parsing an inbound text message.
type IntentResult struct {
	Intent       Intent         `json:"intent"`
	Payload      map[string]any `json:"payload"`
	OriginalText string         `json:"original_text"`
	Confidence   float64        `json:"confidence"`
}
