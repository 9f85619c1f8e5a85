package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier publishes hold state transitions on a redis channel so the
// ticket front-end can react without polling. Publishing is best effort.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// HoldEvent is the wire shape published for each transition.
type HoldEvent struct {
	Action    string    `json:"action"`
	HoldID    string    `json:"hold_id"`
	TicketID  string    `json:"ticket_id"`
	UserID    string    `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount_units"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotifier returns a Notifier publishing on channel via client.
func NewNotifier(client *redis.Client, channel string, logger *zap.Logger) *Notifier {
	return &Notifier{client: client, channel: channel, logger: logger.Named("notifier")}
}

// Publish announces an event. Failures are logged and swallowed; a missing
// subscriber must never block settlement.
func (n *Notifier) Publish(ctx context.Context, ev HoldEvent) {
	if n == nil || n.client == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("encode hold event", zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.Warn("publish hold event",
			zap.String("action", ev.Action),
			zap.String("ticket_id", ev.TicketID),
			zap.Error(err))
	}
}
