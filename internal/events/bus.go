// Package events delivers queue side effects to the rest of the program.
// Bus fans broadcast events and sync-error categories out to subscribers
// without ever blocking the queue; TelemetryLog turns outcome records into
// rate-limited structured log lines.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/notesync/internal/queue"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Notification is one delivered side effect. Exactly one of Event and
// SyncError is set.
type Notification struct {
	Account   string
	Event     *queue.Event
	SyncError queue.SyncErrorKind
}

// TelemetryHandler receives telemetry records.
type TelemetryHandler interface {
	Telemetry(rec queue.Telemetry)
}

// Listener is called synchronously for every notification. It must not
// block.
type Listener func(Notification)

// Bus implements queue.Sink. Slow subscribers lose notifications instead
// of stalling the dispatch loop; Dropped counts how many were lost.
type Bus struct {
	logger    *slog.Logger
	telemetry TelemetryHandler

	mu        sync.Mutex
	subs      map[int]chan Notification
	listeners []Listener
	nextID    int

	dropped atomic.Int64
}

// NewBus creates a bus. telemetry may be nil, in which case telemetry
// records are discarded.
func NewBus(telemetry TelemetryHandler, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger:    logger,
		telemetry: telemetry,
		subs:      make(map[int]chan Notification),
	}
}

// Subscribe returns a channel of notifications and a function that
// unsubscribes and closes it. buffer <= 0 selects DefaultBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	ch := make(chan Notification, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// OnNotify registers a synchronous listener. Listeners cannot be removed.
func (b *Bus) OnNotify(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Broadcast delivers a business event.
func (b *Bus) Broadcast(ev queue.Event) {
	b.logger.Debug("broadcast event",
		slog.String("account", ev.Account),
		slog.String("event", ev.Kind.String()),
		slog.String("local_id", ev.LocalID),
		slog.String("remote_id", ev.RemoteID),
	)

	b.publish(Notification{Account: ev.Account, Event: &ev})
}

// SyncError delivers a user-facing sync error category.
func (b *Bus) SyncError(account string, kind queue.SyncErrorKind) {
	b.logger.Info("sync error",
		slog.String("account", account),
		slog.String("category", kind.String()),
	)

	b.publish(Notification{Account: account, SyncError: kind})
}

// Telemetry forwards a record to the telemetry handler.
func (b *Bus) Telemetry(rec queue.Telemetry) {
	if b.telemetry != nil {
		b.telemetry.Telemetry(rec)
	}
}

// Dropped returns how many notifications were discarded because a
// subscriber's channel was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// publish holds the lock while sending so an unsubscribe cannot close a
// channel mid-send. Sends never block.
func (b *Bus) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.listeners {
		l(n)
	}

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
			b.logger.Warn("notification dropped: subscriber full",
				slog.String("account", n.Account),
			)
		}
	}
}
