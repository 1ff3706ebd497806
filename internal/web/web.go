package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"calnudge/internal/calendar"
	"calnudge/internal/config"
	"calnudge/internal/intent"
	appLog "calnudge/internal/log"
	"calnudge/internal/model"
	"calnudge/internal/reminder"
	"calnudge/internal/token"
)

// Server provides the HTTP surface: a small events API, the Twilio inbound
// webhook, the Google OAuth consent flow and a health endpoint.
type Server struct {
	cfg    *config.Config
	loc    *time.Location
	events calendar.Manager
	parser *intent.Parser
	tokens *token.Store
	state  *reminder.Store
	oauth  *oauth2.Config
	twilio *twilioclient.RequestValidator
	mux    *http.ServeMux

	// Pending OAuth state parameters, consumed on callback.
	statesMu sync.Mutex
	states   map[string]time.Time
}

// NewServer constructs a Server. The reminder store is only read (for the
// health payload); all mutations stay inside the engine tick.
func NewServer(cfg *config.Config, loc *time.Location, events calendar.Manager, parser *intent.Parser, tokens *token.Store, state *reminder.Store) *Server {
	validator := twilioclient.NewRequestValidator(cfg.Twilio.AuthToken)
	s := &Server{
		cfg:    cfg,
		loc:    loc,
		events: events,
		parser: parser,
		tokens: tokens,
		state:  state,
		oauth:  calendar.OAuthConfig(cfg.Google),
		twilio: &validator,
		mux:    http.NewServeMux(),
		states: make(map[string]time.Time),
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events/today", s.handleEventsToday)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("PATCH /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /twilio/webhook", s.handleTwilioWebhook)
	s.mux.HandleFunc("GET /oauth/google/start", s.handleOAuthStart)
	s.mux.HandleFunc("GET /oauth/google/callback", s.handleOAuthCallback)
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware guards everything except /health (probes) and the
// Twilio webhook (authenticated by request signature instead).
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/twilio/webhook" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calnudge", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"tracked_events": s.state.Size(),
	})
}

// eventDTO is the JSON view of an event.
type eventDTO struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Timezone    string    `json:"timezone,omitempty"`
	Status      string    `json:"status,omitempty"`
}

func toDTO(ev model.Event) eventDTO {
	return eventDTO{
		ID:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       ev.Start,
		End:         ev.End,
		Timezone:    ev.Timezone,
		Status:      ev.Status,
	}
}

func (s *Server) handleEventsToday(w http.ResponseWriter, r *http.Request) {
	events, err := s.listToday(r.Context())
	if err != nil {
		s.writeCalendarError(w, err)
		return
	}
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, toDTO(ev))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) listToday(ctx context.Context) ([]model.Event, error) {
	now := time.Now().In(s.loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return s.events.ListUpcoming(ctx, startOfDay, startOfDay.AddDate(0, 0, 1))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var draft model.EventDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if draft.Summary == "" || draft.Start.IsZero() || draft.End.IsZero() {
		writeError(w, http.StatusBadRequest, "summary, start and end are required")
		return
	}

	created, err := s.events.Create(r.Context(), draft)
	if err != nil {
		s.writeCalendarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(created))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var patch model.EventPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no fields supplied")
		return
	}

	updated, err := s.events.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeCalendarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(updated))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if err := s.events.Delete(r.Context(), eventID); err != nil {
		s.writeCalendarError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "event_id": eventID})
}

// handleTwilioWebhook answers inbound SMS. The request is authenticated by
// Twilio's signature header; the reply goes back as TwiML.
func (s *Server) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	if !s.validTwilioSignature(r) {
		writeError(w, http.StatusForbidden, "invalid twilio signature")
		return
	}

	from := r.PostFormValue("From")
	inbound := strings.TrimSpace(r.PostFormValue("Body"))
	appLog.Info("incoming sms", "from", from)

	res := s.parser.Parse(r.Context(), inbound)
	appLog.Info("parsed intent", "intent", res.Intent, "confidence", res.Confidence)

	reply := s.handleIntent(r.Context(), res)

	xml, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: reply}})
	if err != nil {
		appLog.Error("failed to render twiml", err)
		writeError(w, http.StatusInternalServerError, "failed to render reply")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml))
}

// validTwilioSignature checks X-Twilio-Signature against the full request
// URL and POST parameters. With no auth token configured (tests, local
// runs) the check is skipped.
func (s *Server) validTwilioSignature(r *http.Request) bool {
	if s.cfg.Twilio.AuthToken == "" {
		return true
	}

	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	url := scheme + "://" + r.Host + r.URL.RequestURI()

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	return s.twilio.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}

// handleIntent executes a parsed intent against the calendar and returns
// the reply text for the user.
func (s *Server) handleIntent(ctx context.Context, res model.IntentResult) string {
	reply, err := s.runIntent(ctx, res)
	if err == nil {
		return reply
	}

	if errors.Is(err, calendar.ErrReadOnly) {
		return "📖 This calendar is read-only here, sorry."
	}
	if errors.Is(err, token.ErrNoToken) {
		return "🔑 I'm not connected to your calendar yet. Visit /oauth/google/start to link it."
	}

	var bad badPayloadError
	if errors.As(err, &bad) {
		appLog.Warn("invalid intent payload", "intent", res.Intent, "err", err)
		return "🤔 I need a bit more info to do that. Can you rephrase?"
	}

	appLog.Error("calendar error while handling intent", err, "intent", string(res.Intent))
	return "😬 The calendar didn't like that. Try again in a sec?"
}

func (s *Server) runIntent(ctx context.Context, res model.IntentResult) (string, error) {
	switch res.Intent {
	case model.IntentListEvents:
		events, err := s.listToday(ctx)
		if err != nil {
			return "", err
		}
		if len(events) == 0 {
			return "📭 Nothing on the books today. Enjoy the free time!", nil
		}
		lines := []string{"📅 Here's today:"}
		for _, ev := range events {
			lines = append(lines, s.formatEventLine(ev))
		}
		return strings.Join(lines, "\n"), nil

	case model.IntentCreateEvent:
		draft, err := draftFromPayload(res.Payload)
		if err != nil {
			return "", err
		}
		created, err := s.events.Create(ctx, draft)
		if err != nil {
			return "", err
		}
		return "✨ Added '" + created.Summary + "' at " + s.formatLocalTime(created.Start), nil

	case model.IntentRescheduleEvent:
		eventID, patch, err := patchFromPayload(res.Payload)
		if err != nil {
			return "", err
		}
		updated, err := s.events.Update(ctx, eventID, patch)
		if err != nil {
			return "", err
		}
		return "🔁 Rescheduled '" + updated.Summary + "' to " + s.formatLocalTime(updated.Start), nil

	case model.IntentCancelEvent:
		eventID, _ := res.Payload["event_id"].(string)
		if eventID == "" {
			return "", badPayloadError{"missing event_id for cancellation"}
		}
		if err := s.events.Delete(ctx, eventID); err != nil {
			return "", err
		}
		return "🗑️ Got it — event canceled.", nil
	}

	return "Sorry, I didn't understand that — mind rephrasing?", nil
}

func (s *Server) formatEventLine(ev model.Event) string {
	return "• " + s.formatLocalTime(ev.Start) + " - " + s.formatLocalTime(ev.End) + ": " + ev.Summary
}

func (s *Server) formatLocalTime(t time.Time) string {
	local := t.In(s.loc)
	return strings.TrimPrefix(local.Format("3:04 PM"), "0")
}

// badPayloadError marks intent payloads that are missing required fields,
// so the webhook can ask the user to rephrase instead of reporting a
// calendar failure.
type badPayloadError struct {
	reason string
}

func (e badPayloadError) Error() string { return e.reason }

func draftFromPayload(payload map[string]any) (model.EventDraft, error) {
	summary, _ := payload["summary"].(string)
	if summary == "" {
		return model.EventDraft{}, badPayloadError{"missing summary"}
	}
	start, err := timeFromPayload(payload, "start_time")
	if err != nil {
		return model.EventDraft{}, err
	}
	end, err := timeFromPayload(payload, "end_time")
	if err != nil {
		return model.EventDraft{}, err
	}
	tz, _ := payload["timezone"].(string)
	description, _ := payload["description"].(string)

	return model.EventDraft{
		Summary:     summary,
		Description: description,
		Start:       start,
		End:         end,
		Timezone:    tz,
	}, nil
}

func patchFromPayload(payload map[string]any) (string, model.EventPatch, error) {
	eventID, _ := payload["event_id"].(string)
	if eventID == "" {
		return "", model.EventPatch{}, badPayloadError{"missing event_id"}
	}

	var patch model.EventPatch
	if summary, ok := payload["summary"].(string); ok && summary != "" {
		patch.Summary = &summary
	}
	if _, ok := payload["start_time"]; ok {
		t, err := timeFromPayload(payload, "start_time")
		if err != nil {
			return "", model.EventPatch{}, err
		}
		patch.Start = &t
	}
	if _, ok := payload["end_time"]; ok {
		t, err := timeFromPayload(payload, "end_time")
		if err != nil {
			return "", model.EventPatch{}, err
		}
		patch.End = &t
	}
	if patch.Empty() {
		return "", model.EventPatch{}, badPayloadError{"no update fields provided"}
	}
	return eventID, patch, nil
}

func timeFromPayload(payload map[string]any, key string) (time.Time, error) {
	raw, _ := payload[key].(string)
	if raw == "" {
		return time.Time{}, badPayloadError{"missing field '" + key + "'"}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badPayloadError{"field '" + key + "' is not an RFC3339 timestamp"}
	}
	return t, nil
}

// handleOAuthStart begins the Google consent flow and returns the URL the
// user must visit.
func (s *Server) handleOAuthStart(w http.ResponseWriter, _ *http.Request) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}
	state := hex.EncodeToString(buf)

	s.statesMu.Lock()
	s.states[state] = time.Now().Add(10 * time.Minute)
	s.statesMu.Unlock()

	url := s.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"authorization_url": url,
		"state":             state,
	})
}

// handleOAuthCallback completes the flow: exchanges the code and persists
// the token for the calendar source to pick up.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	if !s.consumeState(state) {
		writeError(w, http.StatusBadRequest, "unknown or expired state parameter")
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		appLog.Error("oauth code exchange failed", err)
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	if err := s.tokens.Save(tok); err != nil {
		appLog.Error("failed to persist oauth token", err)
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}

	appLog.Info("google account connected")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Google account connected"})
}

func (s *Server) consumeState(state string) bool {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	expiry, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return time.Now().Before(expiry)
}

func (s *Server) writeCalendarError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calendar.ErrReadOnly):
		writeError(w, http.StatusMethodNotAllowed, "calendar source is read-only")
	case errors.Is(err, token.ErrNoToken):
		writeError(w, http.StatusConflict, "google account not connected; visit /oauth/google/start")
	default:
		appLog.Error("calendar request failed", err)
		writeError(w, http.StatusBadGateway, "calendar request failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
