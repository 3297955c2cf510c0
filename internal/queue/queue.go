package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default backoff bounds, used when Config leaves them zero.
const (
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxDelay     = 5 * time.Minute
	DefaultMaxInFlight  = 4
)

// State is the persisted form of a queue.
type State struct {
	Entries      []Entry
	NextSeq      uint64
	Delay        time.Duration
	DelayedUntil int64 // Unix nanoseconds, 0 when not delayed
	Paused       bool
}

// Persister stores queue state. SaveQueue replaces the whole stored state
// for the account in one transaction.
type Persister interface {
	LoadQueue(ctx context.Context, account string) (State, error)
	SaveQueue(ctx context.Context, account string, st State) error
}

// Sink receives the side effects of executed instructions. Implementations
// must not block.
type Sink interface {
	Broadcast(ev Event)
	SyncError(account string, kind SyncErrorKind)
	Telemetry(rec Telemetry)
}

// Config holds the options for Open.
type Config struct {
	Account      string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxInFlight  int
	Persister    Persister
	Sink         Sink
	Logger       *slog.Logger
}

// Queue is the durable outbound queue of one account. All methods are safe
// for concurrent use. Every mutation is persisted before Push, DispatchNext
// or Apply return; if persisting fails the in-memory state still advances
// and the error is returned, and the next successful save writes the full
// state again.
type Queue struct {
	account   string
	backoff   Backoff
	maxFlight int
	store     Persister
	sink      Sink
	logger    *slog.Logger

	mu           sync.Mutex
	arena        Arena
	delay        time.Duration
	delayedUntil int64
	paused       bool
	changed      chan struct{}

	nowFunc   func() time.Time
	newCorrID func() string
}

// Open loads the account's queue. Entries that were in flight when the
// process stopped are made dispatchable again: their responses are lost.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Persister == nil {
		return nil, fmt.Errorf("queue: persister is required")
	}

	q := &Queue{
		account:   cfg.Account,
		backoff:   Backoff{Initial: cfg.InitialDelay, Max: cfg.MaxDelay},
		maxFlight: cfg.MaxInFlight,
		store:     cfg.Persister,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		changed:   make(chan struct{}),
		nowFunc:   time.Now,
		newCorrID: uuid.NewString,
	}

	if q.backoff.Initial <= 0 {
		q.backoff.Initial = DefaultInitialDelay
	}

	if q.backoff.Max <= 0 {
		q.backoff.Max = DefaultMaxDelay
	}

	if q.maxFlight <= 0 {
		q.maxFlight = DefaultMaxInFlight
	}

	if q.sink == nil {
		q.sink = discardSink{}
	}

	if q.logger == nil {
		q.logger = slog.Default()
	}

	st, err := q.store.LoadQueue(ctx, q.account)
	if err != nil {
		return nil, fmt.Errorf("queue: loading %s: %w", q.account, err)
	}

	arena, reclaimed := NewArena(st.Entries, st.NextSeq).ReclaimInFlight()
	q.arena = arena
	q.delay = st.Delay
	q.delayedUntil = st.DelayedUntil
	q.paused = st.Paused

	if reclaimed > 0 {
		q.logger.Info("reclaimed in-flight queue entries",
			slog.String("account", q.account),
			slog.Int("count", reclaimed),
		)

		if err := q.store.SaveQueue(ctx, q.account, q.stateLocked()); err != nil {
			return nil, fmt.Errorf("queue: saving %s after recovery: %w", q.account, err)
		}
	}

	return q, nil
}

// Account returns the account this queue belongs to.
func (q *Queue) Account() string { return q.account }

// SetBackoff changes the delay bounds used by later SetDelay instructions.
// Zero fields keep their current value.
func (q *Queue) SetBackoff(b Backoff) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if b.Initial > 0 {
		q.backoff.Initial = b.Initial
	}

	if b.Max > 0 {
		q.backoff.Max = b.Max
	}
}

// Push squashes op into the queue. The returned entry is the one that now
// carries op; it is zero when op was dropped or cancelled.
func (q *Queue) Push(ctx context.Context, op Op) (Entry, SquashOutcome, error) {
	if op == nil {
		return Entry{}, 0, fmt.Errorf("queue: push: nil op")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pushLocked(ctx, op)
}

// PushEdit enqueues the op choose builds for a local edit of localID. choose
// sees the entity's queued create, if any, and runs under the queue lock so
// the create cannot be sent or settled in between. When choose returns nil
// nothing is pushed and the queued create is returned as Dropped.
func (q *Queue) PushEdit(ctx context.Context, localID string, choose func(create Entry, queued bool) Op) (Entry, SquashOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		create Entry
		queued bool
	)

	for _, e := range q.arena.entries {
		if c, ok := e.Op.(CreateOp); ok && c.LocalID == localID {
			create, queued = e, true
			break
		}
	}

	op := choose(create, queued)
	if op == nil {
		if !queued {
			return Entry{}, 0, fmt.Errorf("queue: push edit %s: nothing queued and no op", localID)
		}

		return create, Dropped, nil
	}

	return q.pushLocked(ctx, op)
}

func (q *Queue) pushLocked(ctx context.Context, op Op) (Entry, SquashOutcome, error) {
	in := Entry{
		Op:            op,
		CorrelationID: q.newCorrID(),
		EnqueuedAt:    q.nowFunc().UnixNano(),
	}

	arena, entry, outcome := Squash(q.arena, in)
	q.arena = arena

	q.logger.Debug("queue push",
		slog.String("account", q.account),
		slog.String("op", op.Kind().String()),
		slog.String("resource", op.Resource().String()),
		slog.String("outcome", outcome.String()),
		slog.Uint64("seq", entry.Seq),
	)

	err := q.saveLocked(ctx)
	q.notifyLocked()

	return entry, outcome, err
}

// DispatchNext marks the next eligible entry in flight and returns it.
// It reports false when the queue is paused, delayed, at its in-flight
// limit, or has nothing eligible.
func (q *Queue) DispatchNext(ctx context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.nowFunc().UnixNano() < q.delayedUntil {
		return Entry{}, false, nil
	}

	if q.arena.inFlightCount() >= q.maxFlight {
		return Entry{}, false, nil
	}

	e, ok := q.arena.next()
	if !ok {
		return Entry{}, false, nil
	}

	q.arena = q.arena.SetInFlight(e.Seq, true)
	e.InFlight = true

	return e, true, q.saveLocked(ctx)
}

// Apply executes the instructions produced for the result of entry seq, in
// order. If the entry is gone, because a reset dropped it while it was in
// flight, the result is stale and Apply does nothing.
func (q *Queue) Apply(ctx context.Context, seq uint64, instrs []Instruction) error {
	q.mu.Lock()

	entry, ok := q.arena.Get(seq)
	if !ok {
		q.mu.Unlock()
		q.logger.Debug("dropping result for removed entry",
			slog.String("account", q.account),
			slog.Uint64("seq", seq),
		)

		return nil
	}

	q.arena = q.arena.Settle(seq)

	var fx effects

	for _, in := range instrs {
		q.applyLocked(entry, in, &fx)
	}

	err := q.saveLocked(ctx)
	q.notifyLocked()
	q.mu.Unlock()

	fx.fire(q.sink)

	return err
}

// effects collects sink calls so they run outside the lock.
type effects struct {
	events     []Event
	syncErrors []SyncErrorKind
	telemetry  []Telemetry
	account    string
}

func (fx *effects) fire(s Sink) {
	for _, ev := range fx.events {
		s.Broadcast(ev)
	}

	for _, k := range fx.syncErrors {
		s.SyncError(fx.account, k)
	}

	for _, rec := range fx.telemetry {
		s.Telemetry(rec)
	}
}

func (q *Queue) applyLocked(entry Entry, in Instruction, fx *effects) {
	fx.account = q.account

	switch i := in.(type) {
	case RemoveOperation:
		q.arena = q.arena.Remove(entry.Seq)
	case ReplaceOperation:
		q.arena = q.arena.Replace(entry.Seq, i.Op, q.newCorrID())
	case MapQueue:
		q.arena = q.arena.Map(i.Rewrite)
	case SetDelay:
		q.delay = i.Policy.Next(q.delay, q.backoff)
		if q.delay == 0 {
			q.delayedUntil = 0
		}
	case DelayQueue:
		if q.delay > 0 {
			q.delayedUntil = q.nowFunc().Add(q.delay).UnixNano()
		}
	case PauseQueue:
		q.paused = true
	case ResetQueue:
		q.arena = q.arena.Clear()
	case BroadcastEvent:
		ev := i.Event
		ev.Account = q.account
		fx.events = append(fx.events, ev)
	case BroadcastSyncErrorEvent:
		fx.syncErrors = append(fx.syncErrors, i.Kind)
	case LogTelemetry:
		rec := i.Record
		rec.Account = q.account
		fx.telemetry = append(fx.telemetry, rec)
	default:
		q.logger.Warn("ignoring unknown instruction",
			slog.String("account", q.account),
			slog.String("instruction", fmt.Sprintf("%T", in)),
		)
	}
}

// Pause stops dispatch. In-flight requests still complete.
func (q *Queue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused = true

	return q.saveLocked(ctx)
}

// Resume restarts dispatch and clears any retry delay.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused = false
	q.delay = 0
	q.delayedUntil = 0

	err := q.saveLocked(ctx)
	q.notifyLocked()

	return err
}

// Reset drops every entry, including those in flight.
func (q *Queue) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.arena = q.arena.Clear()

	err := q.saveLocked(ctx)
	q.notifyLocked()

	return err
}

// Snapshot returns a copy of the current state.
func (q *Queue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.stateLocked()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.arena.Len()
}

// Changed returns a channel closed at the next state change that may make
// an entry dispatchable.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.changed
}

// WaitDuration returns how long dispatch is held back by the retry delay.
func (q *Queue) WaitDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := time.Duration(q.delayedUntil - q.nowFunc().UnixNano())
	if d < 0 {
		return 0
	}

	return d
}

func (q *Queue) stateLocked() State {
	return State{
		Entries:      q.arena.Entries(),
		NextSeq:      q.arena.NextSeq(),
		Delay:        q.delay,
		DelayedUntil: q.delayedUntil,
		Paused:       q.paused,
	}
}

func (q *Queue) saveLocked(ctx context.Context) error {
	if err := q.store.SaveQueue(ctx, q.account, q.stateLocked()); err != nil {
		q.logger.Error("persisting queue failed",
			slog.String("account", q.account),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("queue: saving %s: %w", q.account, err)
	}

	return nil
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type discardSink struct{}

func (discardSink) Broadcast(Event)                 {}
func (discardSink) SyncError(string, SyncErrorKind) {}
func (discardSink) Telemetry(Telemetry)             {}
