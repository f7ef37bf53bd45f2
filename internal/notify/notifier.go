// Package notify delivers operator alerts (settlements, cancellations and
// settlement failures) to chat channels. Alerts are filtered by event name so
// operators receive only what they subscribed to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// sendTimeout bounds a single channel delivery.
const sendTimeout = 10 * time.Second

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and errors.
	Name() string
}

// Notifier fans an alert out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events are delivered;
// an empty list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers an alert for event unless the event is filtered out.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, event, title, message)
}

// dispatch sends to every channel; one failing channel does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, event, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(sctx, title, message)
		cancel()
		if err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d sender(s) failed: %w", len(errs), len(n.senders), errors.Join(errs...))
	}
	return nil
}
