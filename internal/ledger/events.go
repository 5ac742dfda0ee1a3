package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/usdc"
)

var ErrNoEventStore = errors.New("no event store configured")

// Event types journaled by the ledger.
const (
	EventVerified       = "authorization_verified"
	EventQueued         = "authorization_queued"
	EventBatchCreated   = "batch_created"
	EventBatchCompleted = "batch_completed"
	EventBatchFailed    = "batch_failed"
	EventDisputed       = "authorization_disputed"
	EventRequeued       = "authorization_requeued"
	EventExpired        = "authorization_expired"
)

// Event is one journaled ledger transition. Reference carries the
// batch id for batch events; Detail carries the transaction signature
// or failure message.
type Event struct {
	ID              string    `json:"id"`
	EventType       string    `json:"eventType"`
	AuthorizationID string    `json:"authorizationId,omitempty"`
	AgentAddress    string    `json:"agentAddress,omitempty"`
	MerchantAddress string    `json:"merchantAddress,omitempty"`
	Amount          string    `json:"amount,omitempty"`
	Reference       string    `json:"reference,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// EventStore persists ledger events. The ledger writes through on
// every transition; storage failures are logged and never block the
// transition itself.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	// List returns events newest first, optionally filtered by agent.
	// A limit of 0 returns everything.
	List(ctx context.Context, agentAddress string, limit int) ([]*Event, error)
	Close() error
}

// ReplayUsage rebuilds every agent's usage projection from the
// journal's verified-authorization events. Called on startup when a
// durable store is configured; the in-memory ledger starts empty after
// a restart but the analytics projections survive. Returns the number
// of agents rebuilt.
func (l *Ledger) ReplayUsage(ctx context.Context) (int, error) {
	if l.events == nil {
		return 0, ErrNoEventStore
	}
	events, err := l.events.List(ctx, "", 0)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	rebuilt := make(map[string]*agentUsage)
	// List returns newest first; replay in submission order.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.EventType != EventVerified {
			continue
		}
		u, ok := rebuilt[ev.AgentAddress]
		if !ok {
			u = &agentUsage{total: big.NewInt(0), first: ev.CreatedAt}
			rebuilt[ev.AgentAddress] = u
		}
		u.ids = append(u.ids, ev.AuthorizationID)
		u.count++
		u.last = ev.CreatedAt
		if v, ok := usdc.Parse(ev.Amount); ok {
			u.total.Add(u.total, v)
		}
	}

	l.mu.Lock()
	l.usage = rebuilt
	l.mu.Unlock()

	l.logger.Info("agent usage replayed from journal",
		"agents", len(rebuilt),
		"events", len(events))
	return len(rebuilt), nil
}

// journal writes an event to the configured store, if any. Must be
// called outside the ledger mutex.
func (l *Ledger) journal(event *Event) {
	if l.events == nil {
		return
	}
	event.ID = idgen.WithPrefix("evt_")
	event.CreatedAt = l.now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.events.Append(ctx, event); err != nil {
		l.logger.Warn("event journal append failed",
			"eventType", event.EventType,
			"error", err)
	}
}
