package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/queue"
)

// errMissingRemoteID means an operation reached the wire before the remote
// id it depends on was learned, which happens when the create it waited on
// was abandoned.
var errMissingRemoteID = errors.New("remote: operation has no remote id")

// Send transmits one mutating queue entry and classifies the outcome.
// local is the entity a Create or Update carries; other operations ignore
// it. Sync operations are not mutations and fail as Fatal.
func (c *Client) Send(ctx context.Context, entry queue.Entry, local entity.Entity) queue.Result {
	ev, err := c.send(ctx, entry, &local)
	if err != nil {
		return queue.Failed(Classify(err))
	}

	return queue.Succeeded(ev)
}

func (c *Client) send(ctx context.Context, entry queue.Entry, local *entity.Entity) (queue.SuccessEvent, error) {
	corr := entry.CorrelationID

	switch op := entry.Op.(type) {
	case queue.CreateOp:
		return c.sendJSON(ctx, http.MethodPost, kindPath(op.EntityKind), corr, newEntityBody(local, op.Scope), nil)
	case queue.UpdateOp:
		if op.RemoteID == "" {
			return queue.SuccessEvent{}, errMissingRemoteID
		}

		h := http.Header{}
		h.Set("If-Match", strconv.FormatInt(op.BaseRevision, 10))

		return c.sendJSON(ctx, http.MethodPatch, entityPath(op.EntityKind, op.RemoteID), corr, newEntityBody(local, ""), h)
	case queue.DeleteOp:
		if op.RemoteID == "" {
			return queue.SuccessEvent{}, errMissingRemoteID
		}

		return c.sendEmpty(ctx, http.MethodDelete, entityPath(op.EntityKind, op.RemoteID), corr)
	case queue.UploadAttachmentOp:
		if op.NoteRemoteID == "" {
			return queue.SuccessEvent{}, errMissingRemoteID
		}

		return c.upload(ctx, op, corr)
	case queue.UpdateAttachmentMetadataOp:
		if op.NoteRemoteID == "" || op.AttachmentRemoteID == "" {
			return queue.SuccessEvent{}, errMissingRemoteID
		}

		path := attachmentPath(op.NoteRemoteID, op.AttachmentRemoteID)

		return c.sendJSON(ctx, http.MethodPatch, path, corr, attachmentMetadata{AltText: op.AltText}, nil)
	case queue.DeleteAttachmentOp:
		if op.NoteRemoteID == "" || op.AttachmentRemoteID == "" {
			return queue.SuccessEvent{}, errMissingRemoteID
		}

		return c.sendEmpty(ctx, http.MethodDelete, attachmentPath(op.NoteRemoteID, op.AttachmentRemoteID), corr)
	default:
		return queue.SuccessEvent{}, fmt.Errorf("remote: %s is not a mutation", entry.Op.Kind())
	}
}

func (c *Client) sendJSON(
	ctx context.Context, method, path, corr string, body any, header http.Header,
) (queue.SuccessEvent, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return queue.SuccessEvent{}, fmt.Errorf("remote: encoding %s %s: %w", method, path, err)
	}

	resp, err := c.do(ctx, request{
		method:        method,
		path:          path,
		body:          bytes.NewReader(b),
		correlationID: corr,
		header:        header,
	})
	if err != nil {
		return queue.SuccessEvent{}, err
	}
	defer resp.Body.Close()

	return decodeMutation(resp.Body, path)
}

func (c *Client) sendEmpty(ctx context.Context, method, path, corr string) (queue.SuccessEvent, error) {
	resp, err := c.do(ctx, request{method: method, path: path, correlationID: corr})
	if err != nil {
		return queue.SuccessEvent{}, err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return queue.SuccessEvent{}, nil
}

func (c *Client) upload(ctx context.Context, op queue.UploadAttachmentOp, corr string) (queue.SuccessEvent, error) {
	f, err := os.Open(op.LocalPath)
	if err != nil {
		return queue.SuccessEvent{}, fmt.Errorf("remote: opening attachment %s: %w", op.AttachmentLocalID, err)
	}
	defer f.Close()

	ct := op.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}

	path := attachmentPath(op.NoteRemoteID, op.AttachmentLocalID)

	resp, err := c.do(ctx, request{
		method:        http.MethodPut,
		path:          path,
		body:          f,
		contentType:   ct,
		correlationID: corr,
	})
	if err != nil {
		return queue.SuccessEvent{}, err
	}
	defer resp.Body.Close()

	return decodeMutation(resp.Body, path)
}

// decodeMutation reads a mutation response. An empty body is a success
// without new identity or revision.
func decodeMutation(r io.Reader, path string) (queue.SuccessEvent, error) {
	var mr mutationResponse

	if err := json.NewDecoder(r).Decode(&mr); err != nil {
		if errors.Is(err, io.EOF) {
			return queue.SuccessEvent{}, nil
		}

		return queue.SuccessEvent{}, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, path, err)
	}

	ev := queue.SuccessEvent{RemoteID: mr.ID, Revision: mr.Revision}
	if !mr.LastModifiedAt.IsZero() {
		ev.LastModifiedAt = mr.LastModifiedAt.UnixNano()
	}

	return ev, nil
}

func entityPath(k entity.Kind, remoteID string) string {
	return kindPath(k) + "/" + url.PathEscape(remoteID)
}

func attachmentPath(noteID, attachmentID string) string {
	return "/v1/notes/" + url.PathEscape(noteID) + "/attachments/" + url.PathEscape(attachmentID)
}
