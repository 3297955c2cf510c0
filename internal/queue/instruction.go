package queue

import (
	"fmt"
	"time"
)

// Instruction is one step the queue executes after a transmission result is
// classified. The concrete types are RemoveOperation, ReplaceOperation,
// MapQueue, SetDelay, DelayQueue, PauseQueue, ResetQueue, BroadcastEvent,
// BroadcastSyncErrorEvent and LogTelemetry.
type Instruction interface {
	fmt.Stringer
	isInstruction()
}

// RemoveOperation drops the entry the result belongs to.
type RemoveOperation struct{}

// ReplaceOperation swaps the entry's operation in place, e.g. to retry an
// update on a newer base revision.
type ReplaceOperation struct {
	Op Op
}

// MapQueue rewrites every remaining entry, e.g. to patch a remote id learned
// from a create into queued operations that referenced it provisionally.
type MapQueue struct {
	Rewrite func(Op) Op
}

// SetDelay changes the queue-wide retry delay.
type SetDelay struct {
	Policy DelayPolicy
}

// DelayQueue holds all dispatch until the current delay has elapsed.
type DelayQueue struct{}

// PauseQueue stops dispatch until explicitly resumed. Requests already in
// flight still complete and are handled normally.
type PauseQueue struct{}

// ResetQueue drops every entry.
type ResetQueue struct{}

// BroadcastEvent tells the business layer what happened.
type BroadcastEvent struct {
	Event Event
}

// BroadcastSyncErrorEvent surfaces a coarse sync-error state to the user.
type BroadcastSyncErrorEvent struct {
	Kind SyncErrorKind
}

// LogTelemetry records the outcome for observability.
type LogTelemetry struct {
	Record Telemetry
}

func (RemoveOperation) isInstruction()         {}
func (ReplaceOperation) isInstruction()        {}
func (MapQueue) isInstruction()                {}
func (SetDelay) isInstruction()                {}
func (DelayQueue) isInstruction()              {}
func (PauseQueue) isInstruction()              {}
func (ResetQueue) isInstruction()              {}
func (BroadcastEvent) isInstruction()          {}
func (BroadcastSyncErrorEvent) isInstruction() {}
func (LogTelemetry) isInstruction()            {}

func (RemoveOperation) String() string { return "RemoveOperation" }
func (i ReplaceOperation) String() string {
	return "ReplaceOperation(" + i.Op.Kind().String() + ")"
}
func (MapQueue) String() string   { return "MapQueue" }
func (i SetDelay) String() string { return "SetDelay(" + i.Policy.String() + ")" }
func (DelayQueue) String() string { return "DelayQueue" }
func (PauseQueue) String() string { return "PauseQueue" }
func (ResetQueue) String() string { return "ResetQueue" }
func (i BroadcastEvent) String() string {
	return "BroadcastEvent(" + i.Event.Kind.String() + ")"
}
func (i BroadcastSyncErrorEvent) String() string {
	return "BroadcastSyncErrorEvent(" + i.Kind.String() + ")"
}
func (LogTelemetry) String() string { return "LogTelemetry" }

// DelayPolicy computes the next queue-wide delay from the current one.
// The concrete types are ResetDelay and ExponentialDelay.
type DelayPolicy interface {
	fmt.Stringer
	Next(current time.Duration, b Backoff) time.Duration
}

// Backoff bounds exponential delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// ResetDelay clears the delay after a success.
type ResetDelay struct{}

// Next always returns zero.
func (ResetDelay) Next(time.Duration, Backoff) time.Duration { return 0 }

func (ResetDelay) String() string { return "reset" }

// ExponentialDelay multiplies the current delay by Factor, starting from
// Backoff.Initial and capped at Backoff.Max. AtLeast honors a server-provided
// Retry-After even when it exceeds the cap.
type ExponentialDelay struct {
	Factor  float64
	AtLeast time.Duration
}

// Next returns the grown delay.
func (p ExponentialDelay) Next(current time.Duration, b Backoff) time.Duration {
	next := b.Initial
	if current > 0 {
		next = time.Duration(float64(current) * p.Factor)
	}

	if b.Max > 0 && next > b.Max {
		next = b.Max
	}

	if next < p.AtLeast {
		next = p.AtLeast
	}

	return next
}

func (p ExponentialDelay) String() string {
	if p.AtLeast > 0 {
		return fmt.Sprintf("exponential(factor=%g, at_least=%s)", p.Factor, p.AtLeast)
	}

	return fmt.Sprintf("exponential(factor=%g)", p.Factor)
}

// SyncErrorKind is the coarse category the UI sees. Internal failure kinds
// never leave the engine.
type SyncErrorKind int

// Sync error categories.
const (
	SyncErrorNetworkUnavailable SyncErrorKind = iota + 1
	SyncErrorAuthRequired
	SyncErrorSyncPaused
	SyncErrorSyncFailed
)

func (k SyncErrorKind) String() string {
	switch k {
	case SyncErrorNetworkUnavailable:
		return "network_unavailable"
	case SyncErrorAuthRequired:
		return "auth_required"
	case SyncErrorSyncPaused:
		return "sync_paused"
	case SyncErrorSyncFailed:
		return "sync_failed"
	default:
		return fmt.Sprintf("sync_error(%d)", int(k))
	}
}

// EventKind names a business-layer event.
type EventKind int

// Event kinds.
const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventDeleted
	EventAttachmentUploaded
	EventAttachmentUpdated
	EventAttachmentDeleted
	EventSynced
	EventGone
	EventAccessDenied
	EventScopeGone
	EventSyncTokenReset
	EventCacheReset
	EventUpgradeRequired
)

var eventKindNames = map[EventKind]string{
	EventCreated:            "created",
	EventUpdated:            "updated",
	EventDeleted:            "deleted",
	EventAttachmentUploaded: "attachment_uploaded",
	EventAttachmentUpdated:  "attachment_updated",
	EventAttachmentDeleted:  "attachment_deleted",
	EventSynced:             "synced",
	EventGone:               "gone",
	EventAccessDenied:       "access_denied",
	EventScopeGone:          "scope_gone",
	EventSyncTokenReset:     "sync_token_reset",
	EventCacheReset:         "cache_reset",
	EventUpgradeRequired:    "upgrade_required",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("event(%d)", int(k))
}

// Event is broadcast to the business layer. Account is filled in by the
// queue that executes the instruction.
type Event struct {
	Kind     EventKind
	Account  string
	Op       OpKind
	LocalID  string
	RemoteID string
	Scope    string
	Changes  int
}

// Telemetry is one structured outcome record.
type Telemetry struct {
	Account       string
	Seq           uint64
	CorrelationID string
	Op            OpKind
	Outcome       string // "success" or "failure"
	Failure       FailureKind
	Action        string // what the queue does next: remove, retry, replace, pause, reset
	Attempt       int
}
