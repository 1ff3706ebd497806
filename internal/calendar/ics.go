package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"calnudge/internal/config"
	appLog "calnudge/internal/log"
	"calnudge/internal/model"
)

const maxOccurrencesPerEvent = 1000

// ICSSource is a read-only Source over one or more subscribed ICS feeds.
// Recurring events are expanded into concrete occurrences inside the
// requested window; each occurrence gets its own stable event ID so the
// dedup state can track it independently.
type ICSSource struct {
	feeds      []config.ICSConfig
	defaultLoc *time.Location
	client     *http.Client
}

// NewICSSource creates an ICSSource for the configured feeds.
func NewICSSource(feeds []config.ICSConfig, defaultLoc *time.Location) *ICSSource {
	return &ICSSource{
		feeds:      feeds,
		defaultLoc: defaultLoc,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ListUpcoming fetches every feed and returns occurrences overlapping
// [from, to). A feed that fails to download fails the whole call: a partial
// event list would silently suppress reminders for the missing feed.
func (s *ICSSource) ListUpcoming(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	var events []model.Event
	for _, feed := range s.feeds {
		body, err := s.fetch(ctx, feed.URL)
		if err != nil {
			return nil, fmt.Errorf("fetch feed %s: %w", feed.ID, err)
		}
		feedEvents, err := s.expandFeed(feed, body, from, to)
		if err != nil {
			return nil, fmt.Errorf("parse feed %s: %w", feed.ID, err)
		}
		events = append(events, feedEvents...)
	}
	return events, nil
}

func (s *ICSSource) fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("feed URL is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// expandFeed parses an ICS payload and expands VEVENTs into occurrences
// within [from, to). Individual malformed VEVENTs are skipped with a log
// line; they must not take the whole feed down.
func (s *ICSSource) expandFeed(feed config.ICSConfig, body []byte, from, to time.Time) ([]model.Event, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []model.Event
	for _, ve := range cal.Events() {
		evs, err := s.expandVEvent(feed, ve, from, to)
		if err != nil {
			appLog.Warn("skipping malformed vevent", "feed", feed.ID, "err", err)
			continue
		}
		out = append(out, evs...)
	}
	return out, nil
}

func (s *ICSSource) expandVEvent(feed config.ICSConfig, ve *ical.VEvent, from, to time.Time) ([]model.Event, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("missing UID")
	}
	uid := uidProp.Value

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	end, endErr := ve.GetEndAt()
	if endErr != nil {
		// Events without DTEND are treated as instantaneous.
		end = start
	}

	summary := ""
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		summary = p.Value
	}
	description := ""
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		description = p.Value
	}

	version := versionToken(ve)

	base := model.Event{
		Summary:     summary,
		Description: description,
		Timezone:    start.Location().String(),
		Status:      "confirmed",
		Updated:     version,
	}

	rawRRule := ""
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rawRRule = p.Value
	}

	// Non-recurring: one occurrence, window-filtered.
	if rawRRule == "" {
		if end.Before(from) || start.After(to) {
			return nil, nil
		}
		ev := base
		ev.ID = uid
		ev.Start = start
		ev.End = end
		return []model.Event{ev}, nil
	}

	r, err := rrule.StrToRRule(rawRRule)
	if err != nil {
		return nil, fmt.Errorf("RRULE: %w", err)
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exDates(ve, start.Location()) {
		set.ExDate(ex)
	}

	duration := end.Sub(start)
	occStarts := set.Between(from.In(start.Location()), to.In(start.Location()), true)
	if len(occStarts) > maxOccurrencesPerEvent {
		appLog.Warn("recurring event truncated", "feed", feed.ID, "uid", uid, "cap", maxOccurrencesPerEvent)
		occStarts = occStarts[:maxOccurrencesPerEvent]
	}

	events := make([]model.Event, 0, len(occStarts))
	for _, occStart := range occStarts {
		ev := base
		// Each occurrence needs its own identity in the dedup state.
		ev.ID = uid + "/" + occStart.UTC().Format(time.RFC3339)
		ev.Start = occStart
		ev.End = occStart.Add(duration)
		events = append(events, ev)
	}
	return events, nil
}

// versionToken derives an opaque change token for a VEVENT. SEQUENCE bumps
// on content changes and DTSTAMP on re-publication; both are folded in so
// either kind of change invalidates previously sent reminders.
func versionToken(ve *ical.VEvent) string {
	seq := ""
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			seq = strconv.Itoa(n)
		}
	}
	stamp := ""
	if p := ve.GetProperty(ical.ComponentPropertyDtstamp); p != nil {
		stamp = p.Value
	}
	if seq == "" && stamp == "" {
		return ""
	}
	return "seq=" + seq + ";stamp=" + stamp
}

func exDates(ve *ical.VEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// parseICSTime parses basic ICS DATE/DATE-TIME forms used by EXDATE.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
