// Package service holds the components around the engine: the indexer that
// records and fans out committed events, and the keeper that settles
// conditions on a schedule.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/steward/internal/domain"
)

// Bus channel and stream names carrying condition events.
const (
	ConditionsChannel = "conditions"
	ConditionsStream  = "stream:conditions"
)

// EventNotifier delivers operator alerts.
type EventNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Indexer receives committed engine events, publishes them on the signal
// bus, writes the audit log and forwards alerts. Events are handled one at a
// time in the order the engine emitted them. The engine stores its own state
// before emitting, so sink failures here are only logged.
type Indexer struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier EventNotifier
	logger   *slog.Logger

	queue     chan domain.ConditionEvent
	closeOnce sync.Once
	closed    chan struct{}
}

// NewIndexer creates an Indexer. Any of bus, audit and notifier may be nil to
// skip that sink.
func NewIndexer(
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier EventNotifier,
	buffer int,
	logger *slog.Logger,
) *Indexer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Indexer{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "indexer")),
		queue:    make(chan domain.ConditionEvent, buffer),
		closed:   make(chan struct{}),
	}
}

// Emit queues ev. It blocks while the queue is full so no event is dropped,
// and drops only after Close.
func (ix *Indexer) Emit(_ context.Context, ev domain.ConditionEvent) {
	select {
	case <-ix.closed:
		ix.logger.Warn("indexer closed, event dropped",
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("condition_id", ev.ConditionID),
		)
		return
	default:
	}
	select {
	case ix.queue <- ev:
	case <-ix.closed:
	}
}

// Run handles queued events until ctx is cancelled, then drains what is
// already queued and returns.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.InfoContext(ctx, "indexer started")
	for {
		select {
		case ev := <-ix.queue:
			ix.Handle(ctx, ev)
		case <-ctx.Done():
			ix.Close()
			ix.drain()
			ix.logger.Info("indexer stopped")
			return nil
		}
	}
}

// Close stops accepting events.
func (ix *Indexer) Close() {
	ix.closeOnce.Do(func() { close(ix.closed) })
}

func (ix *Indexer) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-ix.queue:
			ix.Handle(ctx, ev)
		default:
			return
		}
	}
}

// Handle processes one event synchronously.
func (ix *Indexer) Handle(ctx context.Context, ev domain.ConditionEvent) {
	payload, err := json.Marshal(ev.View())
	if err != nil {
		ix.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	ix.publish(ctx, ev, payload)

	if ix.audit != nil {
		if err := ix.audit.Log(ctx, string(ev.Kind), auditDetail(ev)); err != nil {
			ix.warn(ctx, "audit log failed", ev, err)
		}
	}
	if ix.notifier != nil {
		title, message := describe(ev)
		if err := ix.notifier.Notify(ctx, string(ev.Kind), title, message); err != nil {
			ix.warn(ctx, "notify failed", ev, err)
		}
	}
}

func (ix *Indexer) publish(ctx context.Context, ev domain.ConditionEvent, payload []byte) {
	if ix.bus == nil {
		return
	}
	if err := ix.bus.Publish(ctx, ConditionsChannel, payload); err != nil {
		ix.warn(ctx, "publish event failed", ev, err)
	}
	if err := ix.bus.StreamAppend(ctx, ConditionsStream, payload); err != nil {
		ix.warn(ctx, "stream append failed", ev, err)
	}
}

func (ix *Indexer) warn(ctx context.Context, msg string, ev domain.ConditionEvent, err error) {
	ix.logger.WarnContext(ctx, msg,
		slog.String("kind", string(ev.Kind)),
		slog.Uint64("condition_id", ev.ConditionID),
		slog.String("error", err.Error()),
	)
}

func auditDetail(ev domain.ConditionEvent) map[string]any {
	d := map[string]any{
		"actor": ev.Actor.Hex(),
		"at":    ev.At,
	}
	if ev.ConditionID != 0 {
		d["condition_id"] = ev.ConditionID
	}
	if ev.Amount != nil {
		d["amount"] = ev.Amount.String()
		d["token"] = ev.Token.Hex()
	}
	if ev.Approval != nil {
		d["approver"] = ev.Approval.Approver.Hex()
	}
	if ev.Condition != nil {
		d["status"] = string(ev.Condition.Status)
	}
	switch ev.Kind {
	case domain.EventEnginePaused, domain.EventEngineUnpaused, domain.EventOwnershipTransferred:
		d["owner"] = ev.State.Owner.Hex()
		d["paused"] = ev.State.Paused
	}
	return d
}

func describe(ev domain.ConditionEvent) (title, message string) {
	switch ev.Kind {
	case domain.EventConditionCreated:
		c := ev.Condition
		return "Condition created", fmt.Sprintf("#%d %s by %s: %s of %s until %s",
			ev.ConditionID, c.Type, c.Creator.Hex(), c.PayoutAmount, c.PayoutToken.Hex(), c.ExpiresAt.Format("2006-01-02 15:04 MST"))
	case domain.EventConditionExecuted:
		return "Condition executed", fmt.Sprintf("#%d paid %s of %s to %s (executor %s)",
			ev.ConditionID, ev.Amount, ev.Token.Hex(), ev.Condition.Recipient.Hex(), ev.Actor.Hex())
	case domain.EventConditionCancelled:
		return "Condition cancelled", fmt.Sprintf("#%d refunded %s to %s", ev.ConditionID, ev.Amount, ev.Actor.Hex())
	case domain.EventConditionExpired:
		return "Condition expired", fmt.Sprintf("#%d passed its deadline; funds await reclaim", ev.ConditionID)
	case domain.EventConditionReclaimed:
		return "Expired funds reclaimed", fmt.Sprintf("#%d returned %s to %s", ev.ConditionID, ev.Amount, ev.Actor.Hex())
	case domain.EventApprovalAdded:
		return "Approval added", fmt.Sprintf("#%d approved by %s (%d so far)", ev.ConditionID, ev.Actor.Hex(), ev.Condition.Approvals)
	case domain.EventEnginePaused:
		return "Engine paused", "paused by " + ev.Actor.Hex()
	case domain.EventEngineUnpaused:
		return "Engine unpaused", "unpaused by " + ev.Actor.Hex()
	case domain.EventOwnershipTransferred:
		return "Ownership transferred", fmt.Sprintf("%s handed ownership to %s", ev.Actor.Hex(), ev.State.Owner.Hex())
	default:
		return string(ev.Kind), fmt.Sprintf("condition %d", ev.ConditionID)
	}
}
