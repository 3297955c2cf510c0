// Package reconcile diffs a local entity collection against a remote listing
// or a remote delta and produces the ChangeSet that brings local storage in
// line with the remote side. Everything here is pure: no I/O, no shared
// state, safe to call from any goroutine.
package reconcile

import (
	"github.com/google/uuid"

	"github.com/tonimelisma/notesync/internal/entity"
)

// Config customizes identity handling. The zero value uses random UUIDs for
// new local rows and entity.DefaultSameID for provisional identities.
type Config struct {
	NewLocalID func() string
	SameID     entity.SameIDFunc
}

// Reconciler holds the identity rules shared by full and delta
// reconciliation.
type Reconciler struct {
	newLocalID func() string
	sameID     entity.SameIDFunc
}

// New creates a Reconciler, filling unset Config fields with defaults.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		newLocalID: cfg.NewLocalID,
		sameID:     cfg.SameID,
	}

	if r.newLocalID == nil {
		r.newLocalID = uuid.NewString
	}

	if r.sameID == nil {
		r.sameID = entity.DefaultSameID
	}

	return r
}

// NewLocalID returns a fresh local id from the configured generator.
func (r *Reconciler) NewLocalID() string {
	return r.newLocalID()
}

// Reconcile diffs a local collection against a complete remote listing.
//
// Matched rows are replaced with remote content when the remote timestamp is
// at least as new as the local one. Equal timestamps favor the remote value:
// container name and preview can change without a timestamp bump.
// Unmatched local rows are deleted unless they are placeholders still waiting
// for their first confirmation. Unmatched remote entities become new rows.
func (r *Reconciler) Reconcile(local []entity.Entity, remote []entity.Remote) entity.ChangeSet {
	var cs entity.ChangeSet

	idx := newRemoteIndex(remote)
	slots := r.matchAll(idx, local)

	for i := range local {
		l := &local[i]

		slot := slots[i]
		if slot == nil {
			if isProtected(l) {
				continue
			}

			cs.Delete(l.Clone())

			continue
		}

		// A local tombstone is waiting for its Delete to reach the remote
		// side; resurrecting it here would undo the user's deletion.
		if l.IsDeleted {
			continue
		}

		switch {
		case slot.remote.LastModifiedAt >= l.LastModifiedAt:
			cs.Replace(entity.MergeRemote(*l, slot.remote))
		case l.IsLocalOnlyPage:
			confirmed := l.Clone()
			confirmed.IsLocalOnlyPage = false
			confirmed.SourceID = entity.FullSourceID{ID: slot.remote.ID}
			cs.Replace(confirmed)
		}
	}

	for _, slot := range idx.order {
		if slot.matched {
			continue
		}

		cs.Create(entity.FromRemote(r.newLocalID(), slot.remote, false))
	}

	return cs
}

// isProtected reports whether an unmatched local row must survive a full
// reconciliation: placeholders that may simply not have synced yet, and rows
// never associated with any remote counterpart (their Create is still queued).
func isProtected(l *entity.Entity) bool {
	if l.IsLocalOnlyPage {
		return true
	}

	return !l.HasRemoteID() && !l.IsDeleted
}

// matchAll pairs local rows with remote slots. Every recorded full id
// claims its slot before any provisional partial id is tried, so a
// placeholder never takes the slot of a row that already holds the full id,
// and a reference is never attributed to another container after a rename.
func (r *Reconciler) matchAll(idx *remoteIndex, local []entity.Entity) []*remoteSlot {
	slots := make([]*remoteSlot, len(local))

	for i := range local {
		id, ok := local[i].SourceID.(entity.FullSourceID)
		if !ok {
			continue
		}

		if slot, found := idx.byID[id.ID]; found && !slot.matched {
			slot.matched = true
			slots[i] = slot
		}
	}

	for i := range local {
		id, ok := local[i].SourceID.(entity.PartialSourceID)
		if !ok {
			continue
		}

		for _, slot := range idx.order {
			if !slot.matched && r.sameID(id, slot.remote.ID, slot.remote.WebURL) {
				slot.matched = true
				slots[i] = slot

				break
			}
		}
	}

	return slots
}

type remoteSlot struct {
	remote  entity.Remote
	matched bool
}

// remoteIndex keys the remote side by full id while keeping listing order so
// creates come out deterministically.
type remoteIndex struct {
	order []*remoteSlot
	byID  map[string]*remoteSlot
}

// newRemoteIndex indexes remote entities by id. Duplicate ids collapse into
// one slot holding the newest copy, which keeps one local row per remote id.
func newRemoteIndex(remote []entity.Remote) *remoteIndex {
	idx := &remoteIndex{
		order: make([]*remoteSlot, 0, len(remote)),
		byID:  make(map[string]*remoteSlot, len(remote)),
	}

	for _, rm := range remote {
		if existing, ok := idx.byID[rm.ID]; ok {
			if rm.LastModifiedAt >= existing.remote.LastModifiedAt {
				existing.remote = rm
			}

			continue
		}

		slot := &remoteSlot{remote: rm}
		idx.order = append(idx.order, slot)
		idx.byID[rm.ID] = slot
	}

	return idx
}
