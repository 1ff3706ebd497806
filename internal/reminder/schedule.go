package reminder

import (
	"fmt"
	"sort"
	"time"

	"calnudge/internal/config"
)

// Offset is one entry of the reminder schedule: a named amount of time
// before the event start at which a message fires.
type Offset struct {
	// Kind is the stable name recorded in the dedup state ("2h", "10m").
	Kind string

	// Before is how long before the event start the reminder fires.
	Before time.Duration

	// Template is the message body with a single %s for the event title.
	Template string
}

// FireAt returns the instant this reminder becomes due for an event
// starting at start.
func (o Offset) FireAt(start time.Time) time.Time {
	return start.Add(-o.Before)
}

// Message renders the reminder body for the given event title.
func (o Offset) Message(title string) string {
	return fmt.Sprintf(o.Template, title)
}

// DefaultSchedule returns the built-in two-step schedule.
func DefaultSchedule() []Offset {
	return []Offset{
		{Kind: "2h", Before: 2 * time.Hour, Template: "⏰ Heads up! '%s' starts in ~2 hours."},
		{Kind: "10m", Before: 10 * time.Minute, Template: "🚀 Almost go time! '%s' kicks off in 10 minutes."},
	}
}

// ScheduleFromConfig parses the configured schedule and orders it so the
// earliest-firing reminder (largest offset) comes first. Kinds must be
// unique: the dedup state is keyed by kind.
func ScheduleFromConfig(entries []config.ReminderConfig) ([]Offset, error) {
	if len(entries) == 0 {
		return DefaultSchedule(), nil
	}

	seen := make(map[string]bool, len(entries))
	offsets := make([]Offset, 0, len(entries))
	for _, e := range entries {
		if e.Kind == "" {
			return nil, fmt.Errorf("reminder kind must not be empty")
		}
		if seen[e.Kind] {
			return nil, fmt.Errorf("duplicate reminder kind %q", e.Kind)
		}
		seen[e.Kind] = true

		d, err := time.ParseDuration(e.Before)
		if err != nil {
			return nil, fmt.Errorf("reminder %q: invalid offset %q: %w", e.Kind, e.Before, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("reminder %q: offset must not be negative", e.Kind)
		}
		tmpl := e.Template
		if tmpl == "" {
			tmpl = "Reminder: '%s' starts soon."
		}
		offsets = append(offsets, Offset{Kind: e.Kind, Before: d, Template: tmpl})
	}

	sort.SliceStable(offsets, func(i, j int) bool {
		return offsets[i].Before > offsets[j].Before
	})
	return offsets, nil
}
