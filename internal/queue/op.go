// Package queue implements the durable per-account outbound queue: pending
// mutations waiting to reach the remote service, the squasher that cancels
// or merges them before transmission, and the instruction set the result
// handler uses to drive queue state.
//
// Operations, instructions and delay policies are closed sums: an interface
// with an unexported marker method and one struct per variant.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/notesync/internal/entity"
)

// OpKind names an operation variant.
type OpKind int

// Operation kinds as stored in the op_kind column.
const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
	OpUploadAttachment
	OpUpdateAttachmentMetadata
	OpDeleteAttachment
	OpFullSync
	OpDeltaSync
)

var opKindNames = map[OpKind]string{
	OpCreate:                   "create",
	OpUpdate:                   "update",
	OpDelete:                   "delete",
	OpUploadAttachment:         "upload_attachment",
	OpUpdateAttachmentMetadata: "update_attachment_metadata",
	OpDeleteAttachment:         "delete_attachment",
	OpFullSync:                 "full_sync",
	OpDeltaSync:                "delta_sync",
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("op(%d)", int(k))
}

// ParseOpKind converts a stored kind name back to an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	for k, name := range opKindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("queue: unknown op kind %q", s)
}

// ResourceClass groups resources that can hold a pending mutation.
type ResourceClass int

// Resource classes.
const (
	ResourceEntity ResourceClass = iota + 1
	ResourceAttachment
	ResourceScope
)

// Resource identifies what an operation mutates. Local ids are stable for
// the lifetime of a row, so they key resources even after the remote id is
// learned.
type Resource struct {
	Class ResourceClass
	ID    string
}

func (r Resource) String() string {
	switch r.Class {
	case ResourceEntity:
		return "entity:" + r.ID
	case ResourceAttachment:
		return "attachment:" + r.ID
	case ResourceScope:
		return "scope:" + r.ID
	default:
		return "unknown:" + r.ID
	}
}

// Op is one pending remote mutation or sync request.
type Op interface {
	Kind() OpKind
	Resource() Resource
	isOp()
}

// CreateOp creates the remote counterpart of a local entity.
type CreateOp struct {
	EntityKind entity.Kind `json:"entity_kind"`
	LocalID    string      `json:"local_id"`
	Scope      string      `json:"scope,omitempty"`
}

// UpdateOp pushes local content for an entity. With IgnoreNotFound set, a
// missing remote entity means it is already gone and the update is dropped.
type UpdateOp struct {
	EntityKind     entity.Kind `json:"entity_kind"`
	LocalID        string      `json:"local_id"`
	RemoteID       string      `json:"remote_id,omitempty"`
	BaseRevision   int64       `json:"base_revision"`
	IgnoreNotFound bool        `json:"ignore_not_found,omitempty"`
}

// DeleteOp deletes the remote counterpart of an entity.
type DeleteOp struct {
	EntityKind entity.Kind `json:"entity_kind"`
	LocalID    string      `json:"local_id"`
	RemoteID   string      `json:"remote_id,omitempty"`
}

// UploadAttachmentOp uploads attachment bytes from LocalPath.
type UploadAttachmentOp struct {
	NoteLocalID       string `json:"note_local_id"`
	NoteRemoteID      string `json:"note_remote_id,omitempty"`
	AttachmentLocalID string `json:"attachment_local_id"`
	LocalPath         string `json:"local_path"`
	MimeType          string `json:"mime_type,omitempty"`
}

// UpdateAttachmentMetadataOp changes attachment metadata only.
type UpdateAttachmentMetadataOp struct {
	NoteLocalID        string `json:"note_local_id"`
	NoteRemoteID       string `json:"note_remote_id,omitempty"`
	AttachmentLocalID  string `json:"attachment_local_id"`
	AttachmentRemoteID string `json:"attachment_remote_id,omitempty"`
	AltText            string `json:"alt_text,omitempty"`
}

// DeleteAttachmentOp removes an attachment.
type DeleteAttachmentOp struct {
	NoteLocalID        string `json:"note_local_id"`
	NoteRemoteID       string `json:"note_remote_id,omitempty"`
	AttachmentLocalID  string `json:"attachment_local_id"`
	AttachmentRemoteID string `json:"attachment_remote_id,omitempty"`
}

// FullSyncOp requests a complete listing of a scope.
type FullSyncOp struct {
	Scope string `json:"scope"`
}

// DeltaSyncOp requests the changes of a scope since its stored sync token.
type DeltaSyncOp struct {
	Scope string `json:"scope"`
}

func (CreateOp) isOp()                   {}
func (UpdateOp) isOp()                   {}
func (DeleteOp) isOp()                   {}
func (UploadAttachmentOp) isOp()         {}
func (UpdateAttachmentMetadataOp) isOp() {}
func (DeleteAttachmentOp) isOp()         {}
func (FullSyncOp) isOp()                 {}
func (DeltaSyncOp) isOp()                {}

func (CreateOp) Kind() OpKind                   { return OpCreate }
func (UpdateOp) Kind() OpKind                   { return OpUpdate }
func (DeleteOp) Kind() OpKind                   { return OpDelete }
func (UploadAttachmentOp) Kind() OpKind         { return OpUploadAttachment }
func (UpdateAttachmentMetadataOp) Kind() OpKind { return OpUpdateAttachmentMetadata }
func (DeleteAttachmentOp) Kind() OpKind         { return OpDeleteAttachment }
func (FullSyncOp) Kind() OpKind                 { return OpFullSync }
func (DeltaSyncOp) Kind() OpKind                { return OpDeltaSync }

func (o CreateOp) Resource() Resource { return Resource{Class: ResourceEntity, ID: o.LocalID} }
func (o UpdateOp) Resource() Resource { return Resource{Class: ResourceEntity, ID: o.LocalID} }
func (o DeleteOp) Resource() Resource { return Resource{Class: ResourceEntity, ID: o.LocalID} }

func (o UploadAttachmentOp) Resource() Resource {
	return Resource{Class: ResourceAttachment, ID: o.AttachmentLocalID}
}

func (o UpdateAttachmentMetadataOp) Resource() Resource {
	return Resource{Class: ResourceAttachment, ID: o.AttachmentLocalID}
}

func (o DeleteAttachmentOp) Resource() Resource {
	return Resource{Class: ResourceAttachment, ID: o.AttachmentLocalID}
}

func (o FullSyncOp) Resource() Resource  { return Resource{Class: ResourceScope, ID: o.Scope} }
func (o DeltaSyncOp) Resource() Resource { return Resource{Class: ResourceScope, ID: o.Scope} }

// owner returns the entity an operation depends on. Attachment operations
// belong to their note; everything else owns itself.
func owner(op Op) Resource {
	switch o := op.(type) {
	case UploadAttachmentOp:
		return Resource{Class: ResourceEntity, ID: o.NoteLocalID}
	case UpdateAttachmentMetadataOp:
		return Resource{Class: ResourceEntity, ID: o.NoteLocalID}
	case DeleteAttachmentOp:
		return Resource{Class: ResourceEntity, ID: o.NoteLocalID}
	default:
		return op.Resource()
	}
}

// IsProvisional reports whether an operation was issued before the remote
// id it needs existed.
func IsProvisional(op Op) bool {
	switch o := op.(type) {
	case CreateOp:
		return true
	case UpdateOp:
		return o.RemoteID == ""
	case DeleteOp:
		return o.RemoteID == ""
	case UploadAttachmentOp:
		return o.NoteRemoteID == ""
	case UpdateAttachmentMetadataOp:
		return o.NoteRemoteID == "" || o.AttachmentRemoteID == ""
	case DeleteAttachmentOp:
		return o.NoteRemoteID == "" || o.AttachmentRemoteID == ""
	default:
		return false
	}
}

// RemoteIDRewrite returns a rewrite that patches every reference to localID
// that still lacks a remote id. It serves both entity and attachment ids
// since local ids never collide across kinds.
func RemoteIDRewrite(localID, remoteID string) func(Op) Op {
	return func(op Op) Op {
		switch o := op.(type) {
		case UpdateOp:
			if o.LocalID == localID && o.RemoteID == "" {
				o.RemoteID = remoteID
			}

			return o
		case DeleteOp:
			if o.LocalID == localID && o.RemoteID == "" {
				o.RemoteID = remoteID
			}

			return o
		case UploadAttachmentOp:
			if o.NoteLocalID == localID && o.NoteRemoteID == "" {
				o.NoteRemoteID = remoteID
			}

			return o
		case UpdateAttachmentMetadataOp:
			if o.NoteLocalID == localID && o.NoteRemoteID == "" {
				o.NoteRemoteID = remoteID
			}

			if o.AttachmentLocalID == localID && o.AttachmentRemoteID == "" {
				o.AttachmentRemoteID = remoteID
			}

			return o
		case DeleteAttachmentOp:
			if o.NoteLocalID == localID && o.NoteRemoteID == "" {
				o.NoteRemoteID = remoteID
			}

			if o.AttachmentLocalID == localID && o.AttachmentRemoteID == "" {
				o.AttachmentRemoteID = remoteID
			}

			return o
		default:
			return op
		}
	}
}

// opEnvelope is the persisted form of an Op.
type opEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalOp encodes an operation with its kind tag.
func MarshalOp(op Op) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("queue: encoding %s: %w", op.Kind(), err)
	}

	return json.Marshal(opEnvelope{Kind: op.Kind().String(), Data: data})
}

// UnmarshalOp decodes an operation written by MarshalOp.
func UnmarshalOp(b []byte) (Op, error) {
	var env opEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("queue: decoding op envelope: %w", err)
	}

	kind, err := ParseOpKind(env.Kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case OpCreate:
		return decodeOp[CreateOp](env.Data)
	case OpUpdate:
		return decodeOp[UpdateOp](env.Data)
	case OpDelete:
		return decodeOp[DeleteOp](env.Data)
	case OpUploadAttachment:
		return decodeOp[UploadAttachmentOp](env.Data)
	case OpUpdateAttachmentMetadata:
		return decodeOp[UpdateAttachmentMetadataOp](env.Data)
	case OpDeleteAttachment:
		return decodeOp[DeleteAttachmentOp](env.Data)
	case OpFullSync:
		return decodeOp[FullSyncOp](env.Data)
	case OpDeltaSync:
		return decodeOp[DeltaSyncOp](env.Data)
	default:
		return nil, fmt.Errorf("queue: unknown op kind %q", env.Kind)
	}
}

func decodeOp[T Op](data json.RawMessage) (Op, error) {
	var op T
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("queue: decoding %T: %w", op, err)
	}

	return op, nil
}
