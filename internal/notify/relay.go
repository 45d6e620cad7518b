package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/settlement"
)

// Relay forwards settlement events from the event channel to a Notifier.
type Relay struct {
	sub      domain.Subscriber
	channel  string
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay. An empty channel uses
// settlement.DefaultEventChannel.
func NewRelay(sub domain.Subscriber, channel string, notifier *Notifier, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = settlement.DefaultEventChannel
	}
	return &Relay{
		sub:      sub,
		channel:  channel,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify-relay")),
	}
}

// Run delivers events until ctx is done or the subscription closes. Delivery
// failures are logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.sub.Subscribe(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relaying settlement events", slog.String("channel", r.channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var evt settlement.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.Warn("undecodable settlement event", slog.String("error", err.Error()))
		return
	}
	title, message := Format(evt)
	if err := r.notifier.Notify(ctx, evt.Type, title, message); err != nil {
		r.logger.Warn("settlement event not delivered",
			slog.String("event", evt.Type),
			slog.String("distribution_id", evt.DistributionID),
			slog.String("error", err.Error()),
		)
	}
}

// Format renders a settlement event as a title and message body.
func Format(evt settlement.Event) (string, string) {
	switch evt.Type {
	case settlement.EventDistributed:
		return "Market settled",
			fmt.Sprintf("Market %s resolved to %s by %s.\n%d tokens paid to %d users.\nDistribution %s",
				evt.MarketID, evt.WinningOptionID, evt.AdminID, evt.TotalDistributed, evt.RecipientCount, evt.DistributionID)
	case settlement.EventRolledBack:
		reason := evt.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return "Settlement rolled back",
			fmt.Sprintf("Distribution %s of market %s reversed by %s: %s",
				evt.DistributionID, evt.MarketID, evt.AdminID, reason)
	default:
		return evt.Type, fmt.Sprintf("Market %s, distribution %s", evt.MarketID, evt.DistributionID)
	}
}
