package notify

import "context"

// Notifier delivers a text message to a fixed destination. A send either
// succeeds or returns an error; there is no silent partial delivery.
type Notifier interface {
	Send(ctx context.Context, body string) error
}
