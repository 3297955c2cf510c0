package store

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestStore opens a Store in a temp directory, registering cleanup with
// t.Cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(t.Context(), dbPath, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})

	return s
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(t.Context(), dbPath, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SaveSyncToken(t.Context(), "a", "s", "tok"))
	require.NoError(t, s.Close())

	s, err = Open(t.Context(), dbPath, testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	tok, err := s.GetSyncToken(t.Context(), "a", "s")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
}

func TestApplyChangeSet_AllLists(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	keep := entity.Entity{
		Kind: entity.KindNote, LocalID: "n1", SourceID: entity.FullSourceID{ID: "r1"},
		LastModifiedAt: 10, Title: "one", ChildLocalIDs: []string{"c1", "c2"}, Pinned: true,
	}
	gone := entity.Entity{Kind: entity.KindNote, LocalID: "n2", Title: "two"}
	page := entity.Entity{
		Kind: entity.KindPageReference, LocalID: "p1", IsLocalOnlyPage: true,
		SourceID: entity.PartialSourceID{PartialID: "abc", ContainerURL: "https://n/sec"},
	}

	var cs entity.ChangeSet
	cs.Create(keep)
	cs.Create(gone)
	cs.Create(page)
	require.NoError(t, s.ApplyChangeSet(ctx, "acct", cs))

	loaded, err := s.LoadLocal(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, keep, loaded[0])
	assert.Equal(t, page, loaded[2])

	var next entity.ChangeSet
	updated := keep
	updated.Title = "one v2"
	next.Replace(updated)
	next.Delete(gone)
	next.MarkAsDeleted(page)
	require.NoError(t, s.ApplyChangeSet(ctx, "acct", next))

	notes, err := s.LoadLocal(ctx, "acct", entity.KindNote)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "one v2", notes[0].Title)

	got, ok, err := s.GetEntity(ctx, "acct", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsDeleted)

	_, ok, err = s.GetEntity(ctx, "acct", "n2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyChangeSet_FullIDIsUnique(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	first := entity.Entity{Kind: entity.KindNote, LocalID: "n1", SourceID: entity.FullSourceID{ID: "r1"}}
	require.NoError(t, s.PutEntity(ctx, "acct", first))

	dup := entity.Entity{Kind: entity.KindNote, LocalID: "n2", SourceID: entity.FullSourceID{ID: "r1"}}

	var cs entity.ChangeSet
	cs.Create(entity.Entity{Kind: entity.KindNote, LocalID: "n3"})
	cs.Create(dup)
	require.Error(t, s.ApplyChangeSet(ctx, "acct", cs))

	loaded, err := s.LoadLocal(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "failed change set must roll back")

	// The id may repeat across accounts, beside a tombstone, or after its holder is deleted.
	require.NoError(t, s.PutEntity(ctx, "other", dup))

	var takeover entity.ChangeSet
	takeover.Delete(first)
	takeover.Create(dup)
	require.NoError(t, s.ApplyChangeSet(ctx, "acct", takeover))

	var tomb entity.ChangeSet
	tomb.MarkAsDeleted(dup)
	require.NoError(t, s.ApplyChangeSet(ctx, "acct", tomb))
	require.NoError(t, s.PutEntity(ctx, "acct", first))
}

func TestApplyChangeSet_AccountsAreSeparate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.PutEntity(ctx, "a", entity.Entity{Kind: entity.KindNote, LocalID: "n1"}))

	loaded, err := s.LoadLocal(ctx, "b", 0)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestCommitSync_SavesTokenAtomically(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	var cs entity.ChangeSet
	cs.Create(entity.Entity{Kind: entity.KindNote, LocalID: "n1"})
	require.NoError(t, s.CommitSync(ctx, "a", "scope", cs, "t1"))

	tok, err := s.GetSyncToken(ctx, "a", "scope")
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)

	require.NoError(t, s.ClearSyncTokens(ctx, "a"))

	tok, err = s.GetSyncToken(ctx, "a", "scope")
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestQueue_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	empty, err := s.LoadQueue(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
	assert.False(t, empty.Paused)

	st := queue.State{
		Entries: []queue.Entry{
			{Seq: 3, Op: queue.CreateOp{EntityKind: entity.KindNote, LocalID: "n1"}, CorrelationID: "c3", Provisional: true, InFlight: true, EnqueuedAt: 100},
			{Seq: 5, Op: queue.DeltaSyncOp{Scope: "s"}, CorrelationID: "c5", Attempts: 2, EnqueuedAt: 200},
		},
		NextSeq:      6,
		Delay:        4 * time.Second,
		DelayedUntil: 12345,
		Paused:       true,
	}
	require.NoError(t, s.SaveQueue(ctx, "a", st))

	got, err := s.LoadQueue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, st, got)

	st.Entries = st.Entries[1:]
	st.Paused = false
	require.NoError(t, s.SaveQueue(ctx, "a", st))

	got, err = s.LoadQueue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestQueue_OpensThroughStore(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	q, err := queue.Open(ctx, queue.Config{Account: "a", Persister: s, Logger: testLogger(t)})
	require.NoError(t, err)

	_, _, err = q.Push(ctx, queue.FullSyncOp{Scope: "s"})
	require.NoError(t, err)
	_, ok, err := q.DispatchNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	reopened, err := queue.Open(ctx, queue.Config{Account: "a", Persister: s, Logger: testLogger(t)})
	require.NoError(t, err)

	entries := reopened.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.False(t, entries[0].InFlight)
}
