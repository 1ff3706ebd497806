package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"calnudge/internal/config"
	"calnudge/internal/model"
)

func TestHeuristicIntents(t *testing.T) {
	cases := []struct {
		text string
		want model.Intent
	}{
		{"add dinner with Sam tomorrow at 7", model.IntentCreateEvent},
		{"schedule a dentist appointment", model.IntentCreateEvent},
		{"move my 3pm to 4pm", model.IntentRescheduleEvent},
		{"reschedule standup", model.IntentRescheduleEvent},
		{"cancel the dentist", model.IntentCancelEvent},
		{"remove that meeting", model.IntentCancelEvent},
		{"what's on my schedule today?", model.IntentListEvents},
		{"list my events", model.IntentListEvents},
		{"hello there", model.IntentUnknown},
	}

	// No API key: the parser is heuristics-only.
	p := NewParser(config.OpenAIConfig{Model: "gpt-4o-mini"})

	for _, tc := range cases {
		res := p.Parse(context.Background(), tc.text)
		assert.Equal(t, tc.want, res.Intent, "text: %q", tc.text)
		assert.Equal(t, tc.text, res.OriginalText)
	}
}

func TestEmptyTextIsUnknown(t *testing.T) {
	p := NewParser(config.OpenAIConfig{})

	res := p.Parse(context.Background(), "   ")
	assert.Equal(t, model.IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
}

func TestUnknownIntentHasLowConfidence(t *testing.T) {
	res := heuristicParse("gibberish message")
	assert.Equal(t, model.IntentUnknown, res.Intent)
	assert.Less(t, res.Confidence, 0.3)

	res = heuristicParse("add lunch")
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
