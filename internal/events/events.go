// Package events is the append-only event log and pub/sub fan-out (C3).
// Every state change in the system is recorded as an event inside the same
// transaction as the change it describes; subscribers are notified only
// after that transaction commits, so a subscriber never observes an event
// for a write that was later rolled back.
package events

import (
	"context"
	"fmt"

	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/store"
)

// Class buckets an event's type for filtering (§3).
type Class string

const (
	ClassRun     Class = "run"
	ClassGate    Class = "gate"
	ClassOutbox  Class = "outbox"
	ClassWebhook Class = "webhook"
	ClassOperator Class = "operator"
)

// Log is the durable event store plus its in-process pub/sub fan-out. One
// Log is shared by every component that appends events (C4/C5/C6/C7/C8/C9)
// and by C12's SSE stream, which subscribes to it.
type Log struct {
	store *store.Store
	bus   *Bus
}

// New wraps s with a pub/sub bus of the given per-subscriber buffer size.
func New(s *store.Store, subscriberBuffer int) *Log {
	return &Log{store: s, bus: NewBus(subscriberBuffer)}
}

// Draft is an event not yet assigned an id or sequence number.
type Draft struct {
	ProjectID      string
	RunID          string
	Type           string
	Class          Class
	PayloadJSON    string
	IdempotencyKey string
	Source         string
}

// Append inserts d within the caller's transaction and returns the
// persisted event, including its assigned global sequence number. It does
// not publish — callers combine one or more Append calls with other store
// writes inside store.Store.Transaction via Emit or EmitAll, which publish
// only once the whole transaction has committed.
func Append(ctx context.Context, q store.Querier, d Draft) (*store.Event, error) {
	var runID *string
	if d.RunID != "" {
		runID = &d.RunID
	}
	e := store.Event{
		ID:             idgen.New(idgen.PrefixEvent),
		ProjectID:      d.ProjectID,
		RunID:          runID,
		Type:           d.Type,
		Class:          string(d.Class),
		PayloadJSON:    d.PayloadJSON,
		IdempotencyKey: d.IdempotencyKey,
		Source:         d.Source,
	}
	return store.InsertEvent(ctx, q, e)
}

// Emit runs fn inside a single transaction, then publishes the event fn
// returns (if non-nil) to all subscribers once the transaction has
// committed. fn is expected to call Append (directly or via another
// component's helper) alongside whatever other store writes belong to the
// same atomic change.
func (l *Log) Emit(ctx context.Context, fn func(ctx context.Context, q store.Querier) (*store.Event, error)) (*store.Event, error) {
	var emitted *store.Event
	err := l.store.Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		e, err := fn(ctx, q)
		if err != nil {
			return err
		}
		emitted = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if emitted != nil {
		l.bus.Publish(*emitted)
	}
	return emitted, nil
}

// EmitAll is Emit for transactions that produce more than one event, e.g.
// a gate evaluation that also transitions the run's phase (§4.8).
func (l *Log) EmitAll(ctx context.Context, fn func(ctx context.Context, q store.Querier) ([]store.Event, error)) ([]store.Event, error) {
	var emitted []store.Event
	err := l.store.Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		es, err := fn(ctx, q)
		if err != nil {
			return err
		}
		emitted = es
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range emitted {
		l.bus.Publish(e)
	}
	return emitted, nil
}

// Transact runs fn inside a transaction and publishes the event fn returns
// (if non-nil) after commit, same as Emit, but also returns an arbitrary
// result value — for callers that need more than the event back, such as
// the updated entity a state transition produced. Package-level because Go
// methods cannot carry their own type parameters.
func Transact[T any](l *Log, ctx context.Context, fn func(ctx context.Context, q store.Querier) (T, *store.Event, error)) (T, error) {
	var result T
	var emitted *store.Event
	err := l.store.Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		r, e, err := fn(ctx, q)
		if err != nil {
			return err
		}
		result = r
		emitted = e
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if emitted != nil {
		l.bus.Publish(*emitted)
	}
	return result, nil
}

// Store returns the underlying Store, for callers that need a Querier
// outside of Emit/EmitAll/Transact — e.g. a read-only precondition check
// before deciding whether to open a transaction at all.
func (l *Log) Store() *store.Store { return l.store }

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. See C12 for the SSE usage of this.
func (l *Log) Subscribe(id string, bufferSize int) (<-chan store.Event, func()) {
	ch := l.bus.Subscribe(id, bufferSize)
	return ch, func() { l.bus.Unsubscribe(id) }
}

// Replay returns events with sequence > sinceSequence visible to projectIDs,
// for SSE reconnect catch-up (§4.12).
func (l *Log) Replay(ctx context.Context, sinceSequence int64, projectIDs []string, limit int) ([]store.Event, error) {
	db, err := l.store.DB()
	if err != nil {
		return nil, fmt.Errorf("events: replay: %w", err)
	}
	return store.QueryStreamEventsForReplay(ctx, db, sinceSequence, projectIDs, limit)
}

// Recent returns the most recent enriched events across projectIDs, newest
// first, for initial dashboard population.
func (l *Log) Recent(ctx context.Context, projectIDs []string, limit int) ([]store.EnrichedEvent, error) {
	db, err := l.store.DB()
	if err != nil {
		return nil, fmt.Errorf("events: recent: %w", err)
	}
	return store.QueryRecentStreamEventsEnriched(ctx, db, projectIDs, limit)
}
