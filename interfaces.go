package infosentry

import (
	"context"
	"net/http"
)

// Sender delivers pushes to their channel (email, webhook, chat).
// When provided via WithSender, replaces the default log-only sender.
// Send is retried with exponential backoff while it returns an error; after
// ten failures the push's decisions are marked FAILED. Delivery is
// at-least-once, so Send should tolerate a repeated Push.DeliveryID.
type Sender interface {
	Send(ctx context.Context, push Push) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, push Push) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, push Push) error { return f(ctx, push) }

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
