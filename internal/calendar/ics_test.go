package calendar

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnudge/internal/config"
	"calnudge/internal/model"
)

const testFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calnudge//test//EN
BEGIN:VEVENT
UID:single-1
DTSTAMP:20250601T000000Z
SEQUENCE:2
SUMMARY:Team Sync
DTSTART:20250601T130000Z
DTEND:20250601T140000Z
END:VEVENT
BEGIN:VEVENT
UID:daily-1
DTSTAMP:20250601T000000Z
SUMMARY:Morning Review
DTSTART:20250601T090000Z
DTEND:20250601T093000Z
RRULE:FREQ=DAILY;COUNT=10
END:VEVENT
BEGIN:VEVENT
UID:far-future
DTSTAMP:20250601T000000Z
SUMMARY:Offsite
DTSTART:20250610T090000Z
DTEND:20250610T170000Z
END:VEVENT
END:VCALENDAR
`

func TestExpandFeedWindow(t *testing.T) {
	src := NewICSSource(nil, time.UTC)
	feed := config.ICSConfig{ID: "test", URL: "https://example.com/test.ics"}
	body := []byte(strings.ReplaceAll(testFeed, "\n", "\r\n"))

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	events, err := src.expandFeed(feed, body, from, to)
	require.NoError(t, err)

	byID := make(map[string]bool, len(events))
	for _, ev := range events {
		byID[ev.ID] = true
	}

	assert.True(t, byID["single-1"])
	assert.True(t, byID["daily-1/2025-06-01T09:00:00Z"])
	assert.True(t, byID["daily-1/2025-06-02T09:00:00Z"])
	assert.False(t, byID["far-future"], "events outside the window are excluded")
	assert.Len(t, events, 3)
}

func TestExpandFeedVersionToken(t *testing.T) {
	src := NewICSSource(nil, time.UTC)
	feed := config.ICSConfig{ID: "test"}
	body := []byte(strings.ReplaceAll(testFeed, "\n", "\r\n"))

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	events, err := src.expandFeed(feed, body, from, to)
	require.NoError(t, err)

	for _, ev := range events {
		if ev.ID == "single-1" {
			assert.Equal(t, "seq=2;stamp=20250601T000000Z", ev.Updated)
			assert.Equal(t, "Team Sync", ev.Summary)
			assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), ev.Start.UTC())
		}
	}
}

func TestRecurringOccurrencesKeepDuration(t *testing.T) {
	src := NewICSSource(nil, time.UTC)
	feed := config.ICSConfig{ID: "test"}
	body := []byte(strings.ReplaceAll(testFeed, "\n", "\r\n"))

	from := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	events, err := src.expandFeed(feed, body, from, to)
	require.NoError(t, err)
	require.Len(t, events, 1)

	occ := events[0]
	assert.Equal(t, "daily-1/2025-06-02T09:00:00Z", occ.ID)
	assert.Equal(t, 30*time.Minute, occ.End.Sub(occ.Start))
}

func TestReadOnlyManagerRejectsMutations(t *testing.T) {
	mgr := ReadOnly(NewICSSource(nil, time.UTC))

	_, err := mgr.Create(t.Context(), model.EventDraft{Summary: "x"})
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = mgr.Update(t.Context(), "x", model.EventPatch{})
	assert.ErrorIs(t, err, ErrReadOnly)

	err = mgr.Delete(t.Context(), "x")
	assert.ErrorIs(t, err, ErrReadOnly)
}
