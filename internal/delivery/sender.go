package delivery

import (
	"context"
	"log/slog"

	"github.com/dida1024/infoSentry/internal/model"
)

// Sender hands a delivery to its channel. A returned error schedules a retry.
type Sender interface {
	Send(ctx context.Context, d model.Delivery, decisions []model.Decision) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d model.Delivery, decisions []model.Decision) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, d model.Delivery, decisions []model.Decision) error {
	return f(ctx, d, decisions)
}

// LogSender writes each delivery to the log. It is the default channel when
// no transport is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs one line per decision.
func (s LogSender) Send(ctx context.Context, d model.Delivery, decisions []model.Decision) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, dec := range decisions {
		logger.InfoContext(ctx, "push",
			"delivery_id", d.ID,
			"channel", d.Channel,
			"goal_id", dec.GoalID,
			"item_id", dec.ItemID,
			"decision", dec.Tier,
			"reason", dec.Reason.Summary,
		)
	}
	return nil
}
