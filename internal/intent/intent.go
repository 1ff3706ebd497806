package intent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"calnudge/internal/config"
	appLog "calnudge/internal/log"
	"calnudge/internal/model"
)

const systemPrompt = `You are a text concierge for a personal calendar, reached over SMS.
Read the user's message and respond ONLY with JSON matching this schema:
{
  "intent": "create_event | reschedule_event | cancel_event | list_events | unknown",
  "payload": { ... fields needed for that intent; timestamps MUST be RFC3339 strings ... },
  "confidence": 0.0-1.0
}
If you are unsure, set intent to "unknown" and confidence <= 0.3.`

var knownIntents = map[model.Intent]bool{
	model.IntentCreateEvent:     true,
	model.IntentRescheduleEvent: true,
	model.IntentCancelEvent:     true,
	model.IntentListEvents:      true,
	model.IntentUnknown:         true,
}

// Parser turns inbound SMS text into a structured intent. When an OpenAI
// key is configured it asks the model first and falls back to keyword
// heuristics on any failure; without a key it is heuristics-only.
// Parse never fails: worst case is an "unknown" intent.
type Parser struct {
	client *openai.Client
	model  string
}

// NewParser builds a Parser from configuration.
func NewParser(cfg config.OpenAIConfig) *Parser {
	p := &Parser{model: cfg.Model}
	if cfg.APIKey != "" {
		c := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		p.client = &c
	}
	return p
}

// Parse classifies text into an intent with a payload.
func (p *Parser) Parse(ctx context.Context, text string) model.IntentResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.IntentResult{Intent: model.IntentUnknown, Payload: map[string]any{}, OriginalText: text}
	}

	if p.client != nil {
		if res, err := p.llmParse(ctx, text); err == nil {
			return res
		} else {
			appLog.Warn("llm intent parsing failed; using heuristics", "err", err)
		}
	}

	return heuristicParse(text)
}

func (p *Parser) llmParse(ctx context.Context, text string) (model.IntentResult, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return model.IntentResult{}, err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = stripCodeFence(content)

	var parsed struct {
		Intent     string         `json:"intent"`
		Payload    map[string]any `json:"payload"`
		Confidence float64        `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return model.IntentResult{}, err
	}

	intent := model.Intent(parsed.Intent)
	if !knownIntents[intent] {
		intent = model.IntentUnknown
	}
	payload := parsed.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return model.IntentResult{
		Intent:       intent,
		Payload:      payload,
		OriginalText: text,
		Confidence:   parsed.Confidence,
	}, nil
}

// heuristicParse is the keyword fallback used when no LLM is available.
func heuristicParse(text string) model.IntentResult {
	lowered := strings.ToLower(text)
	intent := model.IntentUnknown

	// "what's on my schedule" must win over the bare "schedule" verb, so
	// the list check runs first.
	switch {
	case strings.Contains(lowered, "list") ||
		(strings.Contains(lowered, "what") && strings.Contains(lowered, "schedule")):
		intent = model.IntentListEvents
	case containsAny(lowered, "move", "reschedule", "delay", "shift"):
		intent = model.IntentRescheduleEvent
	case containsAny(lowered, "cancel", "delete", "remove"):
		intent = model.IntentCancelEvent
	case containsAny(lowered, "add", "create", "schedule"):
		intent = model.IntentCreateEvent
	}

	confidence := 0.5
	if intent == model.IntentUnknown {
		confidence = 0.1
	}

	return model.IntentResult{
		Intent:       intent,
		Payload:      map[string]any{"text": text},
		OriginalText: text,
		Confidence:   confidence,
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// stripCodeFence removes a surrounding markdown code fence, which chat
// models sometimes add despite instructions.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
