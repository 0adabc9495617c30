// Package notify fans operator alerts out to Telegram, Discord and signed
// webhooks. Notifications can be filtered by event kind so operators receive
// only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Message is one notification.
type Message struct {
	Event string    `json:"event"`
	Title string    `json:"title"`
	Body  string    `json:"message"`
	At    time.Time `json:"at"`
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

// Notifier dispatches notifications to every Sender whose event kind passes
// the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every kind.
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
		now:     time.Now,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, Message{Event: event, Title: title, Body: message, At: n.now().UTC()})
}

// NotifyAll sends to all senders regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, Message{Event: "system", Title: title, Body: message, At: n.now().UTC()})
}

// dispatch delivers to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
