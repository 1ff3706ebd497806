package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnudge/internal/calendar"
	"calnudge/internal/config"
	"calnudge/internal/intent"
	"calnudge/internal/model"
	"calnudge/internal/reminder"
	"calnudge/internal/token"
)

// fakeManager serves canned events and records mutations.
type fakeManager struct {
	events  []model.Event
	deleted []string
	err     error
}

func (f *fakeManager) ListUpcoming(_ context.Context, _, _ time.Time) ([]model.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeManager) Create(_ context.Context, draft model.EventDraft) (model.Event, error) {
	if f.err != nil {
		return model.Event{}, f.err
	}
	return model.Event{ID: "new-1", Summary: draft.Summary, Start: draft.Start, End: draft.End}, nil
}

func (f *fakeManager) Update(_ context.Context, eventID string, patch model.EventPatch) (model.Event, error) {
	if f.err != nil {
		return model.Event{}, f.err
	}
	ev := model.Event{ID: eventID, Summary: "Updated"}
	if patch.Summary != nil {
		ev.Summary = *patch.Summary
	}
	if patch.Start != nil {
		ev.Start = *patch.Start
	}
	return ev, nil
}

func (f *fakeManager) Delete(_ context.Context, eventID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func newTestServer(t *testing.T, mgr calendar.Manager) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	// No Twilio auth token: webhook signature validation is skipped.
	state, err := reminder.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	tokens := token.NewStore(filepath.Join(t.TempDir(), "token.json"))
	parser := intent.NewParser(config.OpenAIConfig{})

	return NewServer(cfg, time.UTC, mgr, parser, tokens, state)
}

func postForm(t *testing.T, s *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestWebhookListsEvents(t *testing.T) {
	start := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	mgr := &fakeManager{events: []model.Event{{
		ID:      "evt-1",
		Summary: "Dentist",
		Start:   start,
		End:     start.Add(time.Hour),
	}}}
	s := newTestServer(t, mgr)

	rec := postForm(t, s, "/twilio/webhook", url.Values{
		"From": {"+15550002"},
		"Body": {"list my events"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Message>")
	assert.Contains(t, rec.Body.String(), "Dentist")
}

func TestWebhookUnknownIntent(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	rec := postForm(t, s, "/twilio/webhook", url.Values{
		"From": {"+15550002"},
		"Body": {"blorp"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rephrasing")
}

func TestWebhookCancelEventWithoutID(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	rec := postForm(t, s, "/twilio/webhook", url.Values{
		"Body": {"cancel my meeting"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rephrase")
}

func TestWebhookReadOnlyCalendar(t *testing.T) {
	mgr := calendar.ReadOnly(&fakeManager{})
	s := newTestServer(t, mgr)

	rec := postForm(t, s, "/twilio/webhook", url.Values{
		"Body": {"cancel event"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	// Cancel without an event_id asks for a rephrase before touching the
	// calendar; list still works on read-only sources.
	rec = postForm(t, s, "/twilio/webhook", url.Values{
		"Body": {"list"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateEventAPI(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	body := `{"summary":"Lunch","start":"2025-06-01T12:00:00Z","end":"2025-06-01T13:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dto eventDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "new-1", dto.ID)
	assert.Equal(t, "Lunch", dto.Summary)
}

func TestCreateEventAPIRequiresFields(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"summary":"x"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadOnlySourceReturns405(t *testing.T) {
	s := newTestServer(t, calendar.ReadOnly(&fakeManager{}))

	req := httptest.NewRequest(http.MethodDelete, "/api/events/evt-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCalendarFailureReturns502(t *testing.T) {
	s := newTestServer(t, &fakeManager{err: errors.New("upstream down")})

	req := httptest.NewRequest(http.MethodGet, "/api/events/today", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBasicAuthGuardsAPIButNotHealth(t *testing.T) {
	mgr := &fakeManager{}
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}

	state, err := reminder.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	s := NewServer(cfg, time.UTC, mgr, intent.NewParser(config.OpenAIConfig{}),
		token.NewStore(filepath.Join(t.TempDir(), "token.json")), state)

	req := httptest.NewRequest(http.MethodGet, "/api/events/today", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/events/today", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOAuthStartReturnsURLAndState(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/oauth/google/start", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["authorization_url"], "accounts.google.com")
	assert.NotEmpty(t, body["state"])
}

func TestOAuthCallbackRejectsUnknownState(t *testing.T) {
	s := newTestServer(t, &fakeManager{})

	req := httptest.NewRequest(http.MethodGet, "/oauth/google/callback?code=abc&state=bogus", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
