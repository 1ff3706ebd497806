package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"calnudge/internal/config"
	appLog "calnudge/internal/log"
)

// TwilioNotifier sends SMS messages through the Twilio REST API to a single
// configured destination number.
type TwilioNotifier struct {
	client *twilio.RestClient
	from   string
	to     string
}

// NewTwilioNotifier creates a notifier from Twilio credentials.
func NewTwilioNotifier(cfg config.TwilioConfig) *TwilioNotifier {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	// Bound every API call so a stuck send cannot stall the poll loop.
	client.SetTimeout(15 * time.Second)
	return &TwilioNotifier{
		client: client,
		from:   cfg.FromNumber,
		to:     cfg.ToNumber,
	}
}

// Send delivers body as a single SMS. Twilio rejections and transport
// errors both surface as errors so the caller can retry later. The SDK
// call is not context-aware; cancellation is handled by the client timeout.
func (n *TwilioNotifier) Send(_ context.Context, body string) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(n.from)
	params.SetTo(n.to)
	params.SetBody(body)

	msg, err := n.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	if msg.ErrorCode != nil {
		return fmt.Errorf("twilio send rejected: code=%d", *msg.ErrorCode)
	}

	sid := ""
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	appLog.Info("sms sent", "sid", sid, "to", n.to)
	return nil
}
