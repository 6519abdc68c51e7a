package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, 8)
}

func TestEmitPublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	ch, unsubscribe := l.Subscribe("sub1", 4)
	defer unsubscribe()

	e, err := l.Emit(ctx, func(ctx context.Context, q store.Querier) (*store.Event, error) {
		return Append(ctx, q, Draft{ProjectID: "proj_1", Type: "run.started", Class: ClassRun, IdempotencyKey: "k1"})
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if e.Sequence == 0 {
		t.Fatal("expected a nonzero sequence assigned")
	}

	select {
	case got := <-ch:
		if got.ID != e.ID {
			t.Fatalf("expected published event %s, got %s", e.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEmitRollsBackWithoutPublishing(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	ch, unsubscribe := l.Subscribe("sub1", 4)
	defer unsubscribe()

	_, err := l.Emit(ctx, func(ctx context.Context, q store.Querier) (*store.Event, error) {
		if _, err := Append(ctx, q, Draft{ProjectID: "proj_1", Type: "run.started", Class: ClassRun, IdempotencyKey: "k2"}); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected emit to propagate fn's error")
	}

	select {
	case got := <-ch:
		t.Fatalf("expected no publish after rollback, got %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplayReturnsEventsSinceSequence(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	var last *store.Event
	for i := 0; i < 3; i++ {
		e, err := l.Emit(ctx, func(ctx context.Context, q store.Querier) (*store.Event, error) {
			return Append(ctx, q, Draft{ProjectID: "proj_1", Type: "run.started", Class: ClassRun, IdempotencyKey: idempotencyKeyFor(i)})
		})
		if err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		last = e
	}

	got, err := l.Replay(ctx, last.Sequence-1, []string{"proj_1"}, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 || got[0].ID != last.ID {
		t.Fatalf("expected only the last event, got %+v", got)
	}
}

func TestSubscribeReplacesPriorChannelForSameID(t *testing.T) {
	l := newTestLog(t)
	first := l.bus.Subscribe("dup", 1)
	second := l.bus.Subscribe("dup", 1)

	if _, ok := <-first; ok {
		t.Fatal("expected first channel to be closed when re-subscribed under the same id")
	}
	l.bus.Publish(store.Event{ID: "evt_x"})
	select {
	case got := <-second:
		if got.ID != "evt_x" {
			t.Fatalf("unexpected event on replacement channel: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on replacement subscriber")
	}
}

func idempotencyKeyFor(i int) string {
	return "key_" + string(rune('a'+i))
}
