package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calnudge/internal/config"
	appLog "calnudge/internal/log"
	"calnudge/internal/model"
	"calnudge/internal/token"
)

// OAuthConfig builds the oauth2 client configuration for the calendar scope.
func OAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gcal.CalendarScope},
	}
}

// GoogleSource reads and mutates events on a single Google calendar.
//
// The underlying API service is built lazily on first use so the process
// can start (and serve the OAuth flow) before any token exists. Until the
// flow completes, calls fail with token.ErrNoToken.
type GoogleSource struct {
	calendarID string
	defaultLoc *time.Location
	oauth      *oauth2.Config
	tokens     *token.Store

	mu  sync.Mutex
	svc *gcal.Service
}

// NewGoogleSource creates a GoogleSource for the configured calendar.
func NewGoogleSource(cfg config.GoogleConfig, defaultLoc *time.Location, tokens *token.Store) *GoogleSource {
	return &GoogleSource{
		calendarID: cfg.CalendarID,
		defaultLoc: defaultLoc,
		oauth:      OAuthConfig(cfg),
		tokens:     tokens,
	}
}

func (g *GoogleSource) service(ctx context.Context) (*gcal.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.svc != nil {
		return g.svc, nil
	}

	ts, err := g.tokens.TokenSource(ctx, g.oauth)
	if err != nil {
		return nil, err
	}
	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	g.svc = svc
	return svc, nil
}

// ListUpcoming returns single (recurrence-expanded) events ordered by start
// time within [from, to).
func (g *GoogleSource) ListUpcoming(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return nil, err
	}

	result, err := svc.Events.List(g.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]model.Event, 0, len(result.Items))
	for _, item := range result.Items {
		ev, err := g.normalize(item)
		if err != nil {
			appLog.Warn("skipping unparseable event", "event_id", item.Id, "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Create inserts a new event on the calendar.
func (g *GoogleSource) Create(ctx context.Context, draft model.EventDraft) (model.Event, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return model.Event{}, err
	}

	tz := draft.Timezone
	if tz == "" {
		tz = g.defaultLoc.String()
	}
	body := &gcal.Event{
		Summary:     draft.Summary,
		Description: draft.Description,
		Start:       &gcal.EventDateTime{DateTime: draft.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &gcal.EventDateTime{DateTime: draft.End.Format(time.RFC3339), TimeZone: tz},
	}

	created, err := svc.Events.Insert(g.calendarID, body).Context(ctx).Do()
	if err != nil {
		return model.Event{}, fmt.Errorf("create event: %w", err)
	}
	return g.normalize(created)
}

// Update patches an existing event; nil fields in patch are untouched.
func (g *GoogleSource) Update(ctx context.Context, eventID string, patch model.EventPatch) (model.Event, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return model.Event{}, err
	}

	body := &gcal.Event{}
	if patch.Summary != nil {
		body.Summary = *patch.Summary
	}
	if patch.Description != nil {
		body.Description = *patch.Description
	}
	if patch.Start != nil {
		body.Start = &gcal.EventDateTime{
			DateTime: patch.Start.Format(time.RFC3339),
			TimeZone: g.defaultLoc.String(),
		}
	}
	if patch.End != nil {
		body.End = &gcal.EventDateTime{
			DateTime: patch.End.Format(time.RFC3339),
			TimeZone: g.defaultLoc.String(),
		}
	}

	updated, err := svc.Events.Patch(g.calendarID, eventID, body).Context(ctx).Do()
	if err != nil {
		return model.Event{}, fmt.Errorf("update event %s: %w", eventID, err)
	}
	return g.normalize(updated)
}

// Delete removes an event from the calendar.
func (g *GoogleSource) Delete(ctx context.Context, eventID string) error {
	svc, err := g.service(ctx)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(g.calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

// normalize converts an API event into the internal model. All-day events
// carry a date without time; those are anchored at midnight in the event's
// (or the default) timezone.
func (g *GoogleSource) normalize(item *gcal.Event) (model.Event, error) {
	tz := ""
	if item.Start != nil {
		tz = item.Start.TimeZone
	}
	loc := g.defaultLoc
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	start, err := parseEventTime(item.Start, loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseEventTime(item.End, loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("end: %w", err)
	}

	// The updated stamp is carried as an opaque token; created is the
	// fallback for sources that never set updated.
	version := item.Updated
	if version == "" {
		version = item.Created
	}

	summary := item.Summary
	if summary == "" {
		summary = "(no title)"
	}

	return model.Event{
		ID:          item.Id,
		Summary:     summary,
		Description: item.Description,
		Start:       start,
		End:         end,
		Timezone:    tz,
		Status:      item.Status,
		Updated:     version,
	}, nil
}

func parseEventTime(edt *gcal.EventDateTime, loc *time.Location) (time.Time, error) {
	if edt == nil {
		return time.Time{}, fmt.Errorf("missing time field")
	}
	if edt.DateTime != "" {
		return time.Parse(time.RFC3339, edt.DateTime)
	}
	if edt.Date != "" {
		return time.ParseInLocation("2006-01-02", edt.Date, loc)
	}
	return time.Time{}, fmt.Errorf("event time has neither dateTime nor date")
}
