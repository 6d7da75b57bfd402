// Package notify delivers operator alerts for lending events over one or
// more channels (Telegram, Discord). Each alert carries an event kind so
// deployments can subscribe to the subset they care about, e.g. only
// liquidations in production and everything in staging.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event identifies the kind of alert being sent.
type Event string

const (
	EventMarginWarning       Event = "margin_warning"
	EventLiquidationFlagged  Event = "liquidation_flagged"
	EventLiquidationExecuted Event = "liquidation_executed"
	EventChainFailure        Event = "chain_failure"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every configured sender. The allowed set is
// built from configuration; an empty set means every event kind is delivered.
type Notifier struct {
	senders []Sender
	allowed map[Event]struct{}
	logger  *slog.Logger
}

// NewNotifier builds a Notifier over the given senders. events lists the
// event kinds to deliver; leave it empty to deliver everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]struct{}, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		allowed[Event(e)] = struct{}{}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the alert to all senders if the event kind is subscribed.
// Delivery is attempted on every sender even when an earlier one fails; the
// failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) error {
	if len(n.allowed) > 0 {
		if _, ok := n.allowed[event]; !ok {
			n.logger.DebugContext(ctx, "notify: event not subscribed",
				slog.String("event", string(event)),
			)
			return nil
		}
	}
	return n.dispatch(ctx, event, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, event Event, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(event)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", string(event)),
		)
	}
	return errors.Join(errs...)
}
