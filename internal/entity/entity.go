// Package entity defines the note-like records kept consistent between the
// device and the remote service: local entities, their remote identities,
// remote listings and delta payloads, and the ChangeSet handed to storage.
package entity

import (
	"fmt"
	"slices"
)

// Kind identifies which collection an entity belongs to.
type Kind int

// Entity kinds as stored in the kind column.
const (
	KindNote Kind = iota + 1
	KindPageReference
	KindMeetingNote
)

func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindPageReference:
		return "page_reference"
	case KindMeetingNote:
		return "meeting_note"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a stored kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "note":
		return KindNote, nil
	case "page_reference":
		return KindPageReference, nil
	case "meeting_note":
		return KindMeetingNote, nil
	default:
		return 0, fmt.Errorf("entity: unknown kind %q", s)
	}
}

// Entity is one local record. LocalID is generated once and never reused.
// SourceID is nil until the entity has been associated with a remote
// counterpart.
type Entity struct {
	Kind     Kind
	LocalID  string
	SourceID SourceID

	LastModifiedAt  int64 // Unix nanoseconds; remote-authoritative once synced
	IsDeleted       bool  // tombstone retained until the deletion propagates
	IsLocalOnlyPage bool  // page references only: not yet corroborated remotely

	// Remote-authored content.
	Title           string
	Preview         string
	Body            string
	WebURL          string
	ContainerName   string
	SectionLocalID  string
	SectionSourceID string
	Revision        int64

	// Device-local state. Remote data never overwrites these.
	MediaPath     string
	Pinned        bool
	ChildLocalIDs []string
}

// HasRemoteID reports whether the entity has ever been associated with a
// remote counterpart, fully or provisionally.
func (e *Entity) HasRemoteID() bool {
	return e.SourceID != nil
}

// FullID returns the full remote id, or "" when none is recorded.
func (e *Entity) FullID() string {
	if full, ok := e.SourceID.(FullSourceID); ok {
		return full.ID
	}

	return ""
}

// Clone returns a deep copy so callers can hand entities to storage without
// sharing slices with the input collection.
func (e Entity) Clone() Entity {
	e.ChildLocalIDs = slices.Clone(e.ChildLocalIDs)
	return e
}

// Remote is one entity as reported by the remote service. ID is always a
// full source id.
type Remote struct {
	Kind            Kind
	ID              string
	LastModifiedAt  int64
	Title           string
	Preview         string
	Body            string
	WebURL          string
	ContainerName   string
	SectionSourceID string
	Revision        int64
}

// MergeRemote overlays remote content onto a local row. The local id and
// device-local fields survive; the remote identity is upgraded to a full id
// and the row is no longer a placeholder.
func MergeRemote(local Entity, r Remote) Entity {
	merged := local.Clone()

	merged.SourceID = FullSourceID{ID: r.ID}
	merged.LastModifiedAt = r.LastModifiedAt
	merged.IsDeleted = false
	merged.IsLocalOnlyPage = false
	merged.Title = r.Title
	merged.Preview = r.Preview
	merged.Body = r.Body
	merged.WebURL = r.WebURL
	merged.ContainerName = r.ContainerName
	merged.Revision = r.Revision

	if r.SectionSourceID != "" {
		merged.SectionSourceID = r.SectionSourceID
	}

	return merged
}

// FromRemote builds a brand-new local row for a remote entity.
func FromRemote(localID string, r Remote, localOnly bool) Entity {
	return Entity{
		Kind:            r.Kind,
		LocalID:         localID,
		SourceID:        FullSourceID{ID: r.ID},
		LastModifiedAt:  r.LastModifiedAt,
		IsLocalOnlyPage: localOnly && r.Kind == KindPageReference,
		Title:           r.Title,
		Preview:         r.Preview,
		Body:            r.Body,
		WebURL:          r.WebURL,
		ContainerName:   r.ContainerName,
		SectionSourceID: r.SectionSourceID,
		Revision:        r.Revision,
	}
}

// DeltaPayload is one incremental change: either Deleted(ID) or
// NonDeleted(ID, Remote).
type DeltaPayload struct {
	ID      string
	Deleted bool
	Remote  Remote // zero when Deleted
}

// DeletedPayload reports that the remote entity id no longer exists.
func DeletedPayload(id string) DeltaPayload {
	return DeltaPayload{ID: id, Deleted: true}
}

// NonDeletedPayload reports new or changed remote content.
func NonDeletedPayload(r Remote) DeltaPayload {
	return DeltaPayload{ID: r.ID, Remote: r}
}
