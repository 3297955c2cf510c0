package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token() (string, error) { return "", errors.New("refresh failed") }

// testLogWriter routes slog output through t.Log.
type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), staticToken("tok"), testLogger(t))
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c
}

func TestSend_CreatePostsEntity(t *testing.T) {
	t.Parallel()

	var got entityBody

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/notes", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "corr-1", r.Header.Get(headerCorrelationID))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"r-1","revision":1,"lastModifiedAt":"2026-01-02T03:04:05Z"}`)
	}))

	entry := queue.Entry{
		Seq:           1,
		CorrelationID: "corr-1",
		Op:            queue.CreateOp{EntityKind: entity.KindNote, LocalID: "l-1", Scope: "inbox"},
	}
	local := entity.Entity{Kind: entity.KindNote, LocalID: "l-1", Title: "hello", Body: "world"}

	res := c.Send(t.Context(), entry, local)

	require.True(t, res.OK(), "failure: %v", res.Failure)
	assert.Equal(t, "r-1", res.Event.RemoteID)
	assert.Equal(t, int64(1), res.Event.Revision)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano(), res.Event.LastModifiedAt)
	assert.Equal(t, "hello", got.Title)
	assert.Equal(t, "world", got.Body)
	assert.Equal(t, "inbox", got.Scope)
}

func TestSend_UpdateSendsIfMatch(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/notes/r-1", r.URL.Path)
		assert.Equal(t, "4", r.Header.Get("If-Match"))

		_, _ = io.WriteString(w, `{"id":"r-1","revision":5}`)
	}))

	entry := queue.Entry{Op: queue.UpdateOp{EntityKind: entity.KindNote, LocalID: "l-1", RemoteID: "r-1", BaseRevision: 4}}

	res := c.Send(t.Context(), entry, entity.Entity{LocalID: "l-1"})

	require.True(t, res.OK())
	assert.Equal(t, int64(5), res.Event.Revision)
}

func TestSend_ConflictCarriesLatestRevision(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = io.WriteString(w, `{"error":{"code":"revisionMismatch","message":"stale","latestRevision":9}}`)
	}))

	entry := queue.Entry{Op: queue.UpdateOp{EntityKind: entity.KindNote, LocalID: "l-1", RemoteID: "r-1", BaseRevision: 4}}

	res := c.Send(t.Context(), entry, entity.Entity{})

	require.False(t, res.OK())
	assert.Equal(t, queue.FailureConflict, res.Failure.Kind)
	assert.Equal(t, int64(9), res.Failure.LatestRevision)
}

func TestSend_DeleteWithEmptyBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/meeting_notes/r%2F2", r.URL.EscapedPath())
		w.WriteHeader(http.StatusNoContent)
	}))

	entry := queue.Entry{Op: queue.DeleteOp{EntityKind: entity.KindMeetingNote, LocalID: "l-2", RemoteID: "r/2"}}

	res := c.Send(t.Context(), entry, entity.Entity{})

	assert.True(t, res.OK())
}

func TestSend_UploadStreamsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("PNGDATA"), 0o600))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/notes/r-1/attachments/a-1", r.URL.Path)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))

		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, "PNGDATA", string(b))

		_, _ = io.WriteString(w, `{"id":"att-remote"}`)
	}))

	entry := queue.Entry{Op: queue.UploadAttachmentOp{
		NoteLocalID: "l-1", NoteRemoteID: "r-1", AttachmentLocalID: "a-1", LocalPath: path, MimeType: "image/png",
	}}

	res := c.Send(t.Context(), entry, entity.Entity{})

	require.True(t, res.OK())
	assert.Equal(t, "att-remote", res.Event.RemoteID)
}

func TestSend_MissingRemoteIDIsFatal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))

	res := c.Send(t.Context(), queue.Entry{Op: queue.DeleteOp{EntityKind: entity.KindNote, LocalID: "l-1"}}, entity.Entity{})

	require.False(t, res.OK())
	assert.Equal(t, queue.FailureFatal, res.Failure.Kind)
	assert.Zero(t, calls.Load())
}

func TestSend_SyncOpIsNotAMutation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler())

	res := c.Send(t.Context(), queue.Entry{Op: queue.FullSyncOp{Scope: "s"}}, entity.Entity{})

	require.False(t, res.OK())
	assert.Equal(t, queue.FailureFatal, res.Failure.Kind)
}

func TestSend_TokenFailureIsUnauthenticated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), failingToken{}, testLogger(t))

	entry := queue.Entry{Op: queue.CreateOp{EntityKind: entity.KindNote, LocalID: "l-1"}}
	res := c.Send(t.Context(), entry, entity.Entity{})

	require.False(t, res.OK())
	assert.Equal(t, queue.FailureUnauthenticated, res.Failure.Kind)
}

func TestSend_ThrottledHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	res := c.Send(t.Context(), queue.Entry{Op: queue.CreateOp{EntityKind: entity.KindNote, LocalID: "l"}}, entity.Entity{})

	require.False(t, res.OK())
	assert.Equal(t, queue.FailureThrottled, res.Failure.Kind)
	assert.Equal(t, 30*time.Second, res.Failure.RetryAfter)
}

func TestFull_FollowsNextLink(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			assert.Equal(t, "/v1/scopes/inbox/items", r.URL.Path)
			_, _ = io.WriteString(w, `{"items":[{"id":"a","kind":"note","title":"A"}],"nextLink":"http://`+r.Host+`/v1/scopes/inbox/items?page=2"}`)
		case "2":
			_, _ = io.WriteString(w, `{"items":[{"id":"b","title":"B"}],"syncToken":"tok-1"}`)
		}
	}))

	items, token, err := c.Full(t.Context(), "inbox", "corr")
	require.NoError(t, err)

	assert.Equal(t, "tok-1", token)
	require.Len(t, items, 2)
	assert.Equal(t, entity.KindNote, items[0].Kind)
	assert.Equal(t, "A", items[0].Title)
	assert.Equal(t, entity.KindPageReference, items[1].Kind)
}

func TestFull_RejectsForeignNextLink(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"items":[],"nextLink":"https://elsewhere.example.com/page2"}`)
	}))

	_, _, err := c.Full(t.Context(), "inbox", "")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDelta_MapsDeletions(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("token"))
		_, _ = io.WriteString(w, `{"changes":[
			{"id":"a","item":{"kind":"note","title":"A2"}},
			{"id":"b","deleted":true},
			{"id":"c"}
		],"syncToken":"tok-2"}`)
	}))

	payloads, next, err := c.Delta(t.Context(), "inbox", "tok-1", "")
	require.NoError(t, err)

	assert.Equal(t, "tok-2", next)
	require.Len(t, payloads, 3)

	assert.False(t, payloads[0].Deleted)
	assert.Equal(t, "a", payloads[0].ID)
	assert.Equal(t, "A2", payloads[0].Remote.Title)

	assert.Equal(t, entity.DeletedPayload("b"), payloads[1])
	assert.Equal(t, entity.DeletedPayload("c"), payloads[2])
}

func TestGetJSON_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = io.WriteString(w, `{"items":[],"syncToken":"t"}`)
	}))

	_, token, err := c.Full(t.Context(), "inbox", "")
	require.NoError(t, err)
	assert.Equal(t, "t", token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetJSON_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, _, err := c.Full(t.Context(), "inbox", "")
	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxReadRetries+1), calls.Load())
}

func TestGetJSON_DoesNotRetryTokenInvalidation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
		_, _ = io.WriteString(w, `{"error":{"code":"syncTokenInvalid"}}`)
	}))

	_, _, err := c.Delta(t.Context(), "inbox", "old", "")
	require.Error(t, err)
	assert.Equal(t, queue.FailureTokenInvalidated, Classify(err).Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_MalformedBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{not json`)
	}))

	_, _, err := c.Full(t.Context(), "inbox", "")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestCalcBackoff_WithinJitter(t *testing.T) {
	t.Parallel()

	for attempt := range 8 {
		d := calcBackoff(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
	}
}

func TestSetUserAgent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "notesync-test/1", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusNoContent)
	}))
	c.SetUserAgent("notesync-test/1")
	c.SetUserAgent("")

	res := c.Send(t.Context(), queue.Entry{Op: queue.DeleteOp{EntityKind: entity.KindNote, LocalID: "l", RemoteID: "r"}}, entity.Entity{})
	assert.True(t, res.OK())
}
