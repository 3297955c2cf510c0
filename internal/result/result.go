// Package result maps the outcome of a transmitted queue entry to the
// instructions the queue executes next. The mapping depends on both the
// failure kind and the operation kind, and never fails: every input yields
// an instruction list.
package result

import (
	"time"

	"github.com/tonimelisma/notesync/internal/queue"
)

// DefaultFactor is the backoff multiplier for retried failures.
const DefaultFactor = 2

// Telemetry outcome and action labels.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"

	actionRemove  = "remove"
	actionRetry   = "retry"
	actionReplace = "replace"
	actionPause   = "pause"
	actionReset   = "reset"
)

// Handler holds the backoff factor; it has no other state.
type Handler struct {
	Factor float64
}

// New returns a Handler using factor, or DefaultFactor when factor <= 1.
func New(factor float64) Handler {
	if factor <= 1 {
		factor = DefaultFactor
	}

	return Handler{Factor: factor}
}

// Handle maps res using DefaultFactor.
func Handle(entry queue.Entry, res queue.Result) []queue.Instruction {
	return New(DefaultFactor).Handle(entry, res)
}

// Handle maps the result of entry to queue instructions.
func (h Handler) Handle(entry queue.Entry, res queue.Result) []queue.Instruction {
	if res.OK() {
		return h.success(entry, res.Event)
	}

	f := res.Failure
	m := mapper{h: h, entry: entry, f: f}

	switch f.Kind {
	case queue.FailureNetworkUnavailable:
		return m.retry(0, queue.SyncErrorNetworkUnavailable)
	case queue.FailureThrottled:
		return m.retry(f.RetryAfter, 0)
	case queue.FailureServiceUnavailable:
		return m.retry(f.RetryAfter, 0)
	case queue.FailureUnauthenticated:
		return m.pause(queue.SyncErrorAuthRequired)
	case queue.FailureForbidden:
		return m.forbidden()
	case queue.FailureNotFound:
		return m.notFound()
	case queue.FailureConflict:
		return m.conflict()
	case queue.FailureTokenInvalidated:
		return m.tokenInvalidated()
	case queue.FailureCacheInvalidated:
		return m.cacheInvalidated()
	case queue.FailureUpgradeRequired:
		return []queue.Instruction{
			queue.PauseQueue{},
			m.log(actionPause),
			queue.BroadcastEvent{Event: m.event(queue.EventUpgradeRequired)},
			queue.BroadcastSyncErrorEvent{Kind: queue.SyncErrorSyncPaused},
		}
	default:
		// Fatal, BadRequest and anything unclassified: retrying cannot help.
		return m.drop()
	}
}

func (h Handler) success(entry queue.Entry, ev queue.SuccessEvent) []queue.Instruction {
	out := []queue.Instruction{queue.RemoveOperation{}}

	localID, establishes := establishedID(entry.Op)
	if establishes && ev.RemoteID != "" {
		out = append(out, queue.MapQueue{Rewrite: queue.RemoteIDRewrite(localID, ev.RemoteID)})
	}

	evt := eventFor(entry.Op, successKind(entry.Op))
	if ev.RemoteID != "" {
		evt.RemoteID = ev.RemoteID
	}

	evt.Changes = ev.Changes

	return append(out,
		queue.LogTelemetry{Record: telemetry(entry, outcomeSuccess, 0, actionRemove)},
		queue.BroadcastEvent{Event: evt},
		queue.SetDelay{Policy: queue.ResetDelay{}},
	)
}

// establishedID reports the local id whose remote id a successful op
// reveals.
func establishedID(op queue.Op) (string, bool) {
	switch o := op.(type) {
	case queue.CreateOp:
		return o.LocalID, true
	case queue.UploadAttachmentOp:
		return o.AttachmentLocalID, true
	default:
		return "", false
	}
}

func successKind(op queue.Op) queue.EventKind {
	switch op.Kind() {
	case queue.OpCreate:
		return queue.EventCreated
	case queue.OpUpdate:
		return queue.EventUpdated
	case queue.OpDelete:
		return queue.EventDeleted
	case queue.OpUploadAttachment:
		return queue.EventAttachmentUploaded
	case queue.OpUpdateAttachmentMetadata:
		return queue.EventAttachmentUpdated
	case queue.OpDeleteAttachment:
		return queue.EventAttachmentDeleted
	default:
		return queue.EventSynced
	}
}

// mapper builds the instruction lists for one failed entry.
type mapper struct {
	h     Handler
	entry queue.Entry
	f     *queue.Failure
}

func (m mapper) log(action string) queue.Instruction {
	return queue.LogTelemetry{Record: telemetry(m.entry, outcomeFailure, m.f.Kind, action)}
}

func (m mapper) event(kind queue.EventKind) queue.Event {
	return eventFor(m.entry.Op, kind)
}

// retry keeps the entry and delays the whole queue. A zero category
// broadcasts nothing.
func (m mapper) retry(atLeast time.Duration, cat queue.SyncErrorKind) []queue.Instruction {
	out := []queue.Instruction{
		m.log(actionRetry),
		queue.SetDelay{Policy: queue.ExponentialDelay{Factor: m.h.Factor, AtLeast: atLeast}},
		queue.DelayQueue{},
	}

	if cat != 0 {
		out = append(out, queue.BroadcastSyncErrorEvent{Kind: cat})
	}

	return out
}

func (m mapper) drop() []queue.Instruction {
	return []queue.Instruction{
		queue.RemoveOperation{},
		m.log(actionRemove),
		queue.BroadcastSyncErrorEvent{Kind: queue.SyncErrorSyncFailed},
	}
}

func (m mapper) dropWith(kind queue.EventKind) []queue.Instruction {
	return []queue.Instruction{
		queue.RemoveOperation{},
		m.log(actionRemove),
		queue.BroadcastEvent{Event: m.event(kind)},
	}
}

func (m mapper) pause(cat queue.SyncErrorKind) []queue.Instruction {
	return []queue.Instruction{
		m.log(actionPause),
		queue.PauseQueue{},
		queue.BroadcastSyncErrorEvent{Kind: cat},
	}
}

func (m mapper) forbidden() []queue.Instruction {
	switch m.f.ForbiddenReason {
	case queue.ForbiddenAccountBlocked, queue.ForbiddenQuotaExceeded:
		return m.pause(queue.SyncErrorSyncPaused)
	case queue.ForbiddenReadOnly:
		return m.dropWith(queue.EventAccessDenied)
	default:
		return m.retry(0, queue.SyncErrorSyncFailed)
	}
}

func (m mapper) notFound() []queue.Instruction {
	gone := m.f.NotFoundReason == queue.NotFoundResourceGone

	switch op := m.entry.Op.(type) {
	case queue.CreateOp:
		return m.drop()
	case queue.UpdateOp:
		if op.IgnoreNotFound || gone {
			return m.dropWith(queue.EventGone)
		}
	case queue.UploadAttachmentOp, queue.UpdateAttachmentMetadataOp:
		if gone {
			return m.dropWith(queue.EventGone)
		}
	case queue.DeleteOp, queue.DeleteAttachmentOp:
		return m.dropWith(queue.EventDeleted)
	case queue.FullSyncOp, queue.DeltaSyncOp:
		return m.dropWith(queue.EventScopeGone)
	}

	// Remote listings are eventually consistent: an unexplained 404 on an
	// entity we just created may clear up.
	return m.retry(0, queue.SyncErrorSyncFailed)
}

func (m mapper) conflict() []queue.Instruction {
	if op, ok := m.entry.Op.(queue.UpdateOp); ok && m.f.LatestRevision > 0 {
		op.BaseRevision = m.f.LatestRevision

		return []queue.Instruction{
			queue.ReplaceOperation{Op: op},
			m.log(actionReplace),
		}
	}

	return m.retry(0, queue.SyncErrorSyncFailed)
}

func (m mapper) tokenInvalidated() []queue.Instruction {
	switch op := m.entry.Op.(type) {
	case queue.DeltaSyncOp:
		return []queue.Instruction{
			queue.ReplaceOperation{Op: queue.FullSyncOp{Scope: op.Scope}},
			m.log(actionReplace),
			queue.BroadcastEvent{Event: m.event(queue.EventSyncTokenReset)},
		}
	case queue.FullSyncOp:
		return m.retry(0, queue.SyncErrorSyncFailed)
	default:
		return m.drop()
	}
}

func (m mapper) cacheInvalidated() []queue.Instruction {
	return []queue.Instruction{
		queue.PauseQueue{},
		queue.ResetQueue{},
		queue.BroadcastEvent{Event: m.event(queue.EventCacheReset)},
		queue.SetDelay{Policy: queue.ExponentialDelay{Factor: m.h.Factor}},
		queue.DelayQueue{},
		queue.BroadcastSyncErrorEvent{Kind: queue.SyncErrorSyncPaused},
		m.log(actionReset),
	}
}

func telemetry(entry queue.Entry, outcome string, kind queue.FailureKind, action string) queue.Telemetry {
	return queue.Telemetry{
		Seq:           entry.Seq,
		CorrelationID: entry.CorrelationID,
		Op:            entry.Op.Kind(),
		Outcome:       outcome,
		Failure:       kind,
		Action:        action,
		Attempt:       entry.Attempts + 1,
	}
}

func eventFor(op queue.Op, kind queue.EventKind) queue.Event {
	ev := queue.Event{Kind: kind, Op: op.Kind()}

	switch o := op.(type) {
	case queue.CreateOp:
		ev.LocalID = o.LocalID
		ev.Scope = o.Scope
	case queue.UpdateOp:
		ev.LocalID, ev.RemoteID = o.LocalID, o.RemoteID
	case queue.DeleteOp:
		ev.LocalID, ev.RemoteID = o.LocalID, o.RemoteID
	case queue.UploadAttachmentOp:
		ev.LocalID = o.AttachmentLocalID
	case queue.UpdateAttachmentMetadataOp:
		ev.LocalID, ev.RemoteID = o.AttachmentLocalID, o.AttachmentRemoteID
	case queue.DeleteAttachmentOp:
		ev.LocalID, ev.RemoteID = o.AttachmentLocalID, o.AttachmentRemoteID
	case queue.FullSyncOp:
		ev.Scope = o.Scope
	case queue.DeltaSyncOp:
		ev.Scope = o.Scope
	}

	return ev
}
