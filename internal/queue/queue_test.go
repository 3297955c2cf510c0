package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/notesync/internal/entity"
)

type memPersister struct {
	mu      sync.Mutex
	states  map[string]State
	saves   int
	failErr error
}

func newMemPersister() *memPersister {
	return &memPersister{states: make(map[string]State)}
}

func (p *memPersister) LoadQueue(_ context.Context, account string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.states[account], nil
}

func (p *memPersister) SaveQueue(_ context.Context, account string, st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failErr != nil {
		return p.failErr
	}

	p.saves++
	p.states[account] = st

	return nil
}

type recordingSink struct {
	mu         sync.Mutex
	events     []Event
	syncErrors []SyncErrorKind
	telemetry  []Telemetry
}

func (s *recordingSink) Broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) SyncError(_ string, kind SyncErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrors = append(s.syncErrors, kind)
}

func (s *recordingSink) Telemetry(rec Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, rec)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T, p *memPersister) (*Queue, *recordingSink, *fakeClock) {
	t.Helper()

	sink := &recordingSink{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	q, err := Open(t.Context(), Config{
		Account:      "personal",
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		MaxInFlight:  2,
		Persister:    p,
		Sink:         sink,
	})
	require.NoError(t, err)

	q.nowFunc = clock.Now
	n := 0
	q.newCorrID = func() string {
		n++
		return fmt.Sprintf("corr-%d", n)
	}

	return q, sink, clock
}

func TestQueue_PushDispatchRemove(t *testing.T) {
	p := newMemPersister()
	q, _, _ := newTestQueue(t, p)
	ctx := t.Context()

	e, outcome, err := q.Push(ctx, UpdateOp{EntityKind: entity.KindNote, LocalID: "n1", RemoteID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, Appended, outcome)
	assert.Equal(t, "corr-1", e.CorrelationID)

	got, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Seq, got.Seq)
	assert.True(t, p.states["personal"].Entries[0].InFlight)

	require.NoError(t, q.Apply(ctx, got.Seq, []Instruction{RemoveOperation{}}))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, p.states["personal"].Entries)
}

func TestQueue_DelayHoldsDispatch(t *testing.T) {
	q, _, clock := newTestQueue(t, newMemPersister())
	ctx := t.Context()

	_, _, err := q.Push(ctx, FullSyncOp{Scope: "s"})
	require.NoError(t, err)

	e, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Apply(ctx, e.Seq, []Instruction{
		SetDelay{Policy: ExponentialDelay{Factor: 2}},
		DelayQueue{},
	}))

	assert.Equal(t, time.Second, q.WaitDuration())

	_, ok, err = q.DispatchNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.now = clock.now.Add(time.Second)

	again, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, again.Attempts)

	require.NoError(t, q.Apply(ctx, again.Seq, []Instruction{
		SetDelay{Policy: ExponentialDelay{Factor: 2}},
		DelayQueue{},
	}))
	assert.Equal(t, 2*time.Second, q.Snapshot().Delay)
}

func TestQueue_PauseResume(t *testing.T) {
	q, _, _ := newTestQueue(t, newMemPersister())
	ctx := t.Context()

	_, _, err := q.Push(ctx, FullSyncOp{Scope: "s"})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	_, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Resume(ctx))

	_, ok, err = q.DispatchNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_MaxInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t, newMemPersister())
	ctx := t.Context()

	for _, s := range []string{"a", "b", "c"} {
		_, _, err := q.Push(ctx, FullSyncOp{Scope: s})
		require.NoError(t, err)
	}

	for range 2 {
		_, ok, err := q.DispatchNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_ResultAfterResetIsNoop(t *testing.T) {
	q, sink, _ := newTestQueue(t, newMemPersister())
	ctx := t.Context()

	_, _, err := q.Push(ctx, FullSyncOp{Scope: "s"})
	require.NoError(t, err)

	e, _, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Reset(ctx))

	require.NoError(t, q.Apply(ctx, e.Seq, []Instruction{
		RemoveOperation{},
		BroadcastEvent{Event: Event{Kind: EventSynced}},
	}))

	assert.Empty(t, sink.events)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_SideEffectsCarryAccount(t *testing.T) {
	q, sink, _ := newTestQueue(t, newMemPersister())
	ctx := t.Context()

	_, _, err := q.Push(ctx, CreateOp{EntityKind: entity.KindNote, LocalID: "n1"})
	require.NoError(t, err)
	_, _, err = q.Push(ctx, UpdateOp{EntityKind: entity.KindNote, LocalID: "n1"})
	require.NoError(t, err)

	e, _, err := q.DispatchNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Apply(ctx, e.Seq, []Instruction{
		RemoveOperation{},
		MapQueue{Rewrite: RemoteIDRewrite("n1", "r1")},
		LogTelemetry{Record: Telemetry{Op: OpCreate, Outcome: "success"}},
		BroadcastEvent{Event: Event{Kind: EventCreated, LocalID: "n1", RemoteID: "r1"}},
		BroadcastSyncErrorEvent{Kind: SyncErrorSyncFailed},
	}))

	require.Len(t, sink.events, 1)
	assert.Equal(t, "personal", sink.events[0].Account)
	require.Len(t, sink.telemetry, 1)
	assert.Equal(t, "personal", sink.telemetry[0].Account)
	assert.Equal(t, []SyncErrorKind{SyncErrorSyncFailed}, sink.syncErrors)

	entries := q.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].Op.(UpdateOp).RemoteID)
	assert.False(t, entries[0].Provisional)
}

func TestQueue_OpenReclaimsInFlight(t *testing.T) {
	p := newMemPersister()
	q, _, _ := newTestQueue(t, p)
	ctx := t.Context()

	_, _, err := q.Push(ctx, FullSyncOp{Scope: "s"})
	require.NoError(t, err)
	_, _, err = q.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, p.states["personal"].Entries[0].InFlight)

	reopened, _, _ := newTestQueue(t, p)

	entries := reopened.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.False(t, entries[0].InFlight)
	assert.False(t, p.states["personal"].Entries[0].InFlight)
}

func TestQueue_SaveFailureStillAdvances(t *testing.T) {
	p := newMemPersister()
	q, _, _ := newTestQueue(t, p)

	p.failErr = errors.New("disk full")

	_, _, err := q.Push(t.Context(), FullSyncOp{Scope: "s"})
	require.Error(t, err)
	assert.Equal(t, 1, q.Len())

	p.failErr = nil
	_, _, err = q.Push(t.Context(), FullSyncOp{Scope: "t"})
	require.NoError(t, err)
	assert.Len(t, p.states["personal"].Entries, 2)
}

func TestQueue_ChangedFires(t *testing.T) {
	q, _, _ := newTestQueue(t, newMemPersister())

	ch := q.Changed()

	_, _, err := q.Push(t.Context(), FullSyncOp{Scope: "s"})
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected change notification")
	}
}

func TestQueue_PushEdit(t *testing.T) {
	edit := func(create Entry, queued bool) Op {
		switch {
		case queued && !create.InFlight:
			return nil
		case queued:
			return UpdateOp{EntityKind: entity.KindNote, LocalID: "n1"}
		default:
			return CreateOp{EntityKind: entity.KindNote, LocalID: "n1"}
		}
	}

	q, _, _ := newTestQueue(t, newMemPersister())
	ctx := t.Context()

	first, outcome, err := q.PushEdit(ctx, "n1", edit)
	require.NoError(t, err)
	assert.Equal(t, Appended, outcome)
	assert.IsType(t, CreateOp{}, first.Op)

	again, outcome, err := q.PushEdit(ctx, "n1", edit)
	require.NoError(t, err)
	assert.Equal(t, Dropped, outcome)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, 1, q.Len())

	_, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	upd, outcome, err := q.PushEdit(ctx, "n1", edit)
	require.NoError(t, err)
	assert.Equal(t, Appended, outcome)
	assert.IsType(t, UpdateOp{}, upd.Op)
	assert.Equal(t, 2, q.Len())
}

func TestQueue_PushEditNothingToPush(t *testing.T) {
	q, _, _ := newTestQueue(t, newMemPersister())

	_, _, err := q.PushEdit(t.Context(), "n1", func(Entry, bool) Op { return nil })
	assert.Error(t, err)
}

func TestQueue_PushNil(t *testing.T) {
	q, _, _ := newTestQueue(t, newMemPersister())

	_, _, err := q.Push(context.Background(), nil)
	assert.Error(t, err)
}
