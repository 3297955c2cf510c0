package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
	"github.com/tonimelisma/notesync/internal/remote"
)

// Run dispatches queue entries until ctx is canceled. Entries are sent
// concurrently up to the queue's in-flight limit. Responses that arrive
// after cancellation are discarded; their entries stay in flight in the
// persisted state and are reclaimed on the next start.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	e.logger.Info("dispatch loop started")

	for {
		changed := e.queue.Changed()
		e.dispatchReady(ctx, &wg)

		var timer *time.Timer

		var fire <-chan time.Time
		if wait := e.queue.WaitDuration(); wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			e.logger.Info("dispatch loop stopped")

			return ctx.Err()
		case <-changed:
		case <-fire:
		}

		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// DrainReport summarizes one Drain call.
type DrainReport struct {
	Processed int
	Remaining int
	Paused    bool
	Delay     time.Duration // time until dispatch resumes, 0 when not delayed
}

// Drain dispatches until nothing is eligible: the queue is empty, paused,
// or waiting out a retry delay. It is the one-shot counterpart of Run.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	var rep DrainReport

	for {
		var wg sync.WaitGroup

		n := e.dispatchReady(ctx, &wg)
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return rep, err
		}

		rep.Processed += n

		if n == 0 {
			break
		}
	}

	st := e.queue.Snapshot()
	rep.Remaining = len(st.Entries)
	rep.Paused = st.Paused
	rep.Delay = e.queue.WaitDuration()

	e.logger.Info("queue drained",
		slog.Int("processed", rep.Processed),
		slog.Int("remaining", rep.Remaining),
		slog.Bool("paused", rep.Paused),
		slog.Duration("delay", rep.Delay),
	)

	return rep, nil
}

// dispatchReady starts a goroutine for every entry the queue will hand out
// right now and returns how many it started.
func (e *Engine) dispatchReady(ctx context.Context, wg *sync.WaitGroup) int {
	var n int

	for {
		entry, ok, err := e.queue.DispatchNext(ctx)
		if err != nil {
			e.logger.Warn("dispatch state not persisted", slog.String("error", err.Error()))
		}

		if !ok {
			return n
		}

		n++

		wg.Add(1)

		go func() {
			defer wg.Done()
			e.process(ctx, entry)
		}()
	}
}

// process sends one entry and applies the handler's instructions for the
// outcome.
func (e *Engine) process(ctx context.Context, entry queue.Entry) {
	logger := e.logger.With(
		slog.Uint64("seq", entry.Seq),
		slog.String("op", entry.Op.Kind().String()),
		slog.String("correlation_id", entry.CorrelationID),
	)

	res := e.safeTransmit(ctx, entry)

	if ctx.Err() != nil {
		logger.Debug("result discarded: shutting down")
		return
	}

	if res.OK() {
		if err := e.acknowledge(ctx, entry, res.Event); err != nil {
			logger.Warn("acknowledging success locally failed", slog.String("error", err.Error()))
		}
	} else {
		logger.Warn("operation failed",
			slog.String("failure", res.Failure.Kind.String()),
			slog.String("message", res.Failure.Message),
		)
	}

	instrs := e.resultHandler().Handle(entry, res)
	logger.Debug("applying instructions", slog.Any("instructions", instrs))

	if err := e.queue.Apply(ctx, entry.Seq, instrs); err != nil {
		logger.Error("applying result failed", slog.String("error", err.Error()))
	}

	if resetsCache(instrs) {
		e.forgetSyncTokens(ctx)
	}
}

// safeTransmit turns a panic while sending into a fatal failure so the
// entry is dropped instead of staying in flight forever.
func (e *Engine) safeTransmit(ctx context.Context, entry queue.Entry) (res queue.Result) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("panic while sending",
				slog.Uint64("seq", entry.Seq),
				slog.String("panic", fmt.Sprint(p)),
			)

			res = queue.Failed(queue.Failure{Kind: queue.FailureFatal, Message: fmt.Sprintf("panic: %v", p)})
		}
	}()

	return e.transmit(ctx, entry)
}

// transmit performs the remote side of one entry.
func (e *Engine) transmit(ctx context.Context, entry queue.Entry) queue.Result {
	switch op := entry.Op.(type) {
	case queue.FullSyncOp:
		return e.fullSync(ctx, op.Scope, entry.CorrelationID)
	case queue.DeltaSyncOp:
		return e.deltaSync(ctx, op.Scope, entry.CorrelationID)
	case queue.CreateOp:
		return e.sendWithLocal(ctx, entry, op.LocalID)
	case queue.UpdateOp:
		return e.sendWithLocal(ctx, entry, op.LocalID)
	default:
		return e.transport.Send(ctx, entry, entity.Entity{})
	}
}

func (e *Engine) sendWithLocal(ctx context.Context, entry queue.Entry, localID string) queue.Result {
	local, ok, err := e.store.GetEntity(ctx, e.account, localID)
	if err != nil {
		return storageFailure(err)
	}

	if !ok {
		// The row vanished before its mutation was sent: nothing left to push.
		return queue.Failed(queue.Failure{
			Kind:    queue.FailureFatal,
			Message: fmt.Sprintf("local entity %s no longer exists", localID),
		})
	}

	return e.transport.Send(ctx, entry, local)
}

func (e *Engine) fullSync(ctx context.Context, scope, corr string) queue.Result {
	kind, err := ScopeKind(scope)
	if err != nil {
		return queue.Failed(queue.Failure{Kind: queue.FailureFatal, Message: err.Error()})
	}

	items, token, err := e.transport.Full(ctx, scope, corr)
	if err != nil {
		return queue.Failed(remote.Classify(err))
	}

	for i := range items {
		items[i].Kind = kind
	}

	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	local, err := e.store.LoadLocal(ctx, e.account, kind)
	if err != nil {
		return storageFailure(err)
	}

	cs := e.rec.Reconcile(local, items)

	if err := e.store.CommitSync(ctx, e.account, scope, cs, token); err != nil {
		return storageFailure(err)
	}

	e.logger.Info("full sync applied",
		slog.String("scope", scope),
		slog.Int("remote", len(items)),
		slog.Int("changes", cs.Len()),
	)

	return queue.Succeeded(queue.SuccessEvent{SyncToken: token, Changes: cs.Len()})
}

func (e *Engine) deltaSync(ctx context.Context, scope, corr string) queue.Result {
	kind, err := ScopeKind(scope)
	if err != nil {
		return queue.Failed(queue.Failure{Kind: queue.FailureFatal, Message: err.Error()})
	}

	token, err := e.store.GetSyncToken(ctx, e.account, scope)
	if err != nil {
		return storageFailure(err)
	}

	if token == "" {
		// No continuation point: the handler turns this into a full sync.
		return queue.Failed(queue.Failure{Kind: queue.FailureTokenInvalidated, Message: "no sync token for " + scope})
	}

	payloads, next, err := e.transport.Delta(ctx, scope, token, corr)
	if err != nil {
		return queue.Failed(remote.Classify(err))
	}

	for i := range payloads {
		if !payloads[i].Deleted {
			payloads[i].Remote.Kind = kind
		}
	}

	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	local, err := e.store.LoadLocal(ctx, e.account, kind)
	if err != nil {
		return storageFailure(err)
	}

	cs := e.rec.ReconcileDelta(local, payloads)

	if err := e.store.CommitSync(ctx, e.account, scope, cs, next); err != nil {
		return storageFailure(err)
	}

	e.logger.Info("delta sync applied",
		slog.String("scope", scope),
		slog.Int("payloads", len(payloads)),
		slog.Int("changes", cs.Len()),
	)

	return queue.Succeeded(queue.SuccessEvent{SyncToken: next, Changes: cs.Len()})
}

// storageFailure reports a local storage error as retriable: the remote
// side did nothing wrong and the same request can be repeated later.
func storageFailure(err error) queue.Result {
	return queue.Failed(queue.Failure{Kind: queue.FailureServiceUnavailable, Message: err.Error()})
}

// acknowledge records what a successful mutation taught us about the remote
// side on the local row.
func (e *Engine) acknowledge(ctx context.Context, entry queue.Entry, ev queue.SuccessEvent) error {
	switch op := entry.Op.(type) {
	case queue.CreateOp:
		return e.updateLocal(ctx, op.LocalID, func(ent *entity.Entity) {
			if ev.RemoteID != "" {
				ent.SourceID = entity.FullSourceID{ID: ev.RemoteID}
			}

			ent.Revision = ev.Revision
			if ev.LastModifiedAt != 0 {
				ent.LastModifiedAt = ev.LastModifiedAt
			}
		})
	case queue.UpdateOp:
		return e.updateLocal(ctx, op.LocalID, func(ent *entity.Entity) {
			if ev.Revision != 0 {
				ent.Revision = ev.Revision
			}

			if ev.LastModifiedAt != 0 {
				ent.LastModifiedAt = ev.LastModifiedAt
			}
		})
	case queue.DeleteOp:
		return e.purgeTombstone(ctx, op.LocalID)
	default:
		return nil
	}
}

func (e *Engine) updateLocal(ctx context.Context, localID string, fn func(*entity.Entity)) error {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	ent, ok, err := e.store.GetEntity(ctx, e.account, localID)
	if err != nil || !ok {
		return err
	}

	fn(&ent)

	return e.store.PutEntity(ctx, e.account, ent)
}

func (e *Engine) purgeTombstone(ctx context.Context, localID string) error {
	e.signalMu.Lock()
	defer e.signalMu.Unlock()

	ent, ok, err := e.store.GetEntity(ctx, e.account, localID)
	if err != nil || !ok || !ent.IsDeleted {
		return err
	}

	var cs entity.ChangeSet
	cs.Delete(ent)

	return e.store.ApplyChangeSet(ctx, e.account, cs)
}

func resetsCache(instrs []queue.Instruction) bool {
	for _, in := range instrs {
		if be, ok := in.(queue.BroadcastEvent); ok && be.Event.Kind == queue.EventCacheReset {
			return true
		}
	}

	return false
}

// forgetSyncTokens drops every stored delta token after the service reset
// its change log, so each scope's next sync is a full listing.
func (e *Engine) forgetSyncTokens(ctx context.Context) {
	if err := e.store.ClearSyncTokens(ctx, e.account); err != nil {
		e.logger.Error("clearing sync tokens failed", slog.String("error", err.Error()))
		return
	}

	e.logger.Warn("remote cache reset: sync tokens cleared, queue paused")
}
