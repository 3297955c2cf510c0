package result

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
)

func entryFor(op queue.Op) queue.Entry {
	return queue.Entry{Seq: 4, Op: op, CorrelationID: "corr", Attempts: 1}
}

func names(instrs []queue.Instruction) []string {
	out := make([]string, len(instrs))
	for i, in := range instrs {
		out[i] = in.String()
	}

	return out
}

func fail(f queue.Failure) queue.Result { return queue.Failed(f) }

var (
	createNote = queue.CreateOp{EntityKind: entity.KindNote, LocalID: "n1", Scope: "s"}
	updateNote = queue.UpdateOp{EntityKind: entity.KindNote, LocalID: "n1", RemoteID: "r1", BaseRevision: 1}
	deleteNote = queue.DeleteOp{EntityKind: entity.KindNote, LocalID: "n1", RemoteID: "r1"}
	fullSync   = queue.FullSyncOp{Scope: "s"}
	deltaSync  = queue.DeltaSyncOp{Scope: "s"}
)

func TestHandle_NotFoundOnUpdateIgnored(t *testing.T) {
	t.Parallel()

	op := updateNote
	op.IgnoreNotFound = true

	got := Handle(entryFor(op), fail(queue.Failure{Kind: queue.FailureNotFound}))

	assert.Equal(t, []string{"RemoveOperation", "LogTelemetry", "BroadcastEvent(gone)"}, names(got))
}

func TestHandle_NetworkErrorOnCreate(t *testing.T) {
	t.Parallel()

	got := Handle(entryFor(createNote), fail(queue.Failure{Kind: queue.FailureNetworkUnavailable}))

	require.Len(t, got, 4)
	assert.IsType(t, queue.LogTelemetry{}, got[0])
	assert.Equal(t, queue.SetDelay{Policy: queue.ExponentialDelay{Factor: 2}}, got[1])
	assert.Equal(t, queue.DelayQueue{}, got[2])
	assert.Equal(t, queue.BroadcastSyncErrorEvent{Kind: queue.SyncErrorNetworkUnavailable}, got[3])
}

func TestHandle_CacheInvalidatedOnAnyOp(t *testing.T) {
	t.Parallel()

	for _, op := range []queue.Op{createNote, updateNote, deleteNote, fullSync, deltaSync} {
		got := Handle(entryFor(op), fail(queue.Failure{Kind: queue.FailureCacheInvalidated}))

		assert.Equal(t, []string{
			"PauseQueue",
			"ResetQueue",
			"BroadcastEvent(cache_reset)",
			"SetDelay(exponential(factor=2))",
			"DelayQueue",
			"BroadcastSyncErrorEvent(sync_paused)",
			"LogTelemetry",
		}, names(got), op.Kind().String())
	}
}

func TestHandle_SuccessOnCreateRewritesQueue(t *testing.T) {
	t.Parallel()

	got := Handle(entryFor(createNote), queue.Succeeded(queue.SuccessEvent{RemoteID: "r1"}))

	require.Equal(t, []string{
		"RemoveOperation", "MapQueue", "LogTelemetry", "BroadcastEvent(created)", "SetDelay(reset)",
	}, names(got))

	rewrite := got[1].(queue.MapQueue).Rewrite
	patched := rewrite(queue.UpdateOp{LocalID: "n1"})
	assert.Equal(t, "r1", patched.(queue.UpdateOp).RemoteID)

	ev := got[3].(queue.BroadcastEvent).Event
	assert.Equal(t, "n1", ev.LocalID)
	assert.Equal(t, "r1", ev.RemoteID)

	rec := got[2].(queue.LogTelemetry).Record
	assert.Equal(t, "success", rec.Outcome)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "corr", rec.CorrelationID)
}

func TestHandle_SuccessOnUpdateHasNoMap(t *testing.T) {
	t.Parallel()

	got := Handle(entryFor(updateNote), queue.Succeeded(queue.SuccessEvent{Revision: 2}))

	assert.Equal(t, []string{
		"RemoveOperation", "LogTelemetry", "BroadcastEvent(updated)", "SetDelay(reset)",
	}, names(got))
}

func TestHandle_Failures(t *testing.T) {
	t.Parallel()

	upload := queue.UploadAttachmentOp{NoteLocalID: "n1", NoteRemoteID: "r1", AttachmentLocalID: "a1"}
	delAttachment := queue.DeleteAttachmentOp{NoteLocalID: "n1", NoteRemoteID: "r1", AttachmentLocalID: "a1", AttachmentRemoteID: "ra1"}

	tests := []struct {
		name string
		op   queue.Op
		f    queue.Failure
		want []string
	}{
		{
			name: "fatal drops",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureFatal},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "bad request drops",
			op:   createNote,
			f:    queue.Failure{Kind: queue.FailureBadRequest},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "throttled honors retry-after",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureThrottled, RetryAfter: 30 * time.Second},
			want: []string{"LogTelemetry", "SetDelay(exponential(factor=2, at_least=30s))", "DelayQueue"},
		},
		{
			name: "service unavailable",
			op:   fullSync,
			f:    queue.Failure{Kind: queue.FailureServiceUnavailable},
			want: []string{"LogTelemetry", "SetDelay(exponential(factor=2))", "DelayQueue"},
		},
		{
			name: "unauthenticated pauses",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureUnauthenticated},
			want: []string{"LogTelemetry", "PauseQueue", "BroadcastSyncErrorEvent(auth_required)"},
		},
		{
			name: "forbidden unknown retries",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureForbidden},
			want: []string{"LogTelemetry", "SetDelay(exponential(factor=2))", "DelayQueue", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "forbidden quota pauses",
			op:   upload,
			f:    queue.Failure{Kind: queue.FailureForbidden, ForbiddenReason: queue.ForbiddenQuotaExceeded},
			want: []string{"LogTelemetry", "PauseQueue", "BroadcastSyncErrorEvent(sync_paused)"},
		},
		{
			name: "forbidden read-only drops",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureForbidden, ForbiddenReason: queue.ForbiddenReadOnly},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastEvent(access_denied)"},
		},
		{
			name: "not found on create abandons",
			op:   createNote,
			f:    queue.Failure{Kind: queue.FailureNotFound},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "not found on plain update retries",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureNotFound},
			want: []string{"LogTelemetry", "SetDelay(exponential(factor=2))", "DelayQueue", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "resource gone on upload",
			op:   upload,
			f:    queue.Failure{Kind: queue.FailureNotFound, NotFoundReason: queue.NotFoundResourceGone},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastEvent(gone)"},
		},
		{
			name: "not found on delete is done",
			op:   deleteNote,
			f:    queue.Failure{Kind: queue.FailureNotFound},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastEvent(deleted)"},
		},
		{
			name: "not found on attachment delete is done",
			op:   delAttachment,
			f:    queue.Failure{Kind: queue.FailureNotFound},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastEvent(deleted)"},
		},
		{
			name: "not found on sync drops scope",
			op:   deltaSync,
			f:    queue.Failure{Kind: queue.FailureNotFound},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastEvent(scope_gone)"},
		},
		{
			name: "conflict without revision retries",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureConflict},
			want: []string{"LogTelemetry", "SetDelay(exponential(factor=2))", "DelayQueue", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "token invalid on delta becomes full sync",
			op:   deltaSync,
			f:    queue.Failure{Kind: queue.FailureTokenInvalidated},
			want: []string{"ReplaceOperation(full_sync)", "LogTelemetry", "BroadcastEvent(sync_token_reset)"},
		},
		{
			name: "token invalid on full sync retries",
			op:   fullSync,
			f:    queue.Failure{Kind: queue.FailureTokenInvalidated},
			want: []string{"LogTelemetry", "SetDelay(exponential(factor=2))", "DelayQueue", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "token invalid on update drops",
			op:   updateNote,
			f:    queue.Failure{Kind: queue.FailureTokenInvalidated},
			want: []string{"RemoveOperation", "LogTelemetry", "BroadcastSyncErrorEvent(sync_failed)"},
		},
		{
			name: "upgrade required pauses",
			op:   fullSync,
			f:    queue.Failure{Kind: queue.FailureUpgradeRequired},
			want: []string{"PauseQueue", "LogTelemetry", "BroadcastEvent(upgrade_required)", "BroadcastSyncErrorEvent(sync_paused)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, names(Handle(entryFor(tt.op), fail(tt.f))))
		})
	}
}

func TestHandle_ConflictRebasesUpdate(t *testing.T) {
	t.Parallel()

	got := Handle(entryFor(updateNote), fail(queue.Failure{Kind: queue.FailureConflict, LatestRevision: 7}))

	require.Len(t, got, 2)
	replaced := got[0].(queue.ReplaceOperation).Op.(queue.UpdateOp)
	assert.Equal(t, int64(7), replaced.BaseRevision)
	assert.Equal(t, "r1", replaced.RemoteID)
}

func TestHandle_TelemetryCarriesFailure(t *testing.T) {
	t.Parallel()

	got := Handle(entryFor(updateNote), fail(queue.Failure{Kind: queue.FailureFatal}))

	rec := got[1].(queue.LogTelemetry).Record
	assert.Equal(t, queue.FailureFatal, rec.Failure)
	assert.Equal(t, "failure", rec.Outcome)
	assert.Equal(t, "remove", rec.Action)
	assert.Equal(t, uint64(4), rec.Seq)
}

func TestNew_CustomFactor(t *testing.T) {
	t.Parallel()

	got := New(3).Handle(entryFor(fullSync), fail(queue.Failure{Kind: queue.FailureServiceUnavailable}))
	assert.Equal(t, queue.SetDelay{Policy: queue.ExponentialDelay{Factor: 3}}, got[1])

	assert.Equal(t, float64(DefaultFactor), New(0).Factor)
}
