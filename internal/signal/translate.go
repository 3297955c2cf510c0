package signal

import (
	"fmt"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/reconcile"
)

// Translator turns signals into ChangeSets using the reconciler's identity
// rules. It is stateless and safe for concurrent use.
type Translator struct {
	rec *reconcile.Reconciler
}

// NewTranslator creates a Translator sharing identity rules with rec.
func NewTranslator(rec *reconcile.Reconciler) *Translator {
	return &Translator{rec: rec}
}

// Translate produces the ChangeSet for one signal against the full local
// collection. The result only contains entities the signal names.
func (t *Translator) Translate(sig Signal, local []entity.Entity) (entity.ChangeSet, error) {
	switch s := sig.(type) {
	case PageChanged:
		return t.upsertPage(local, s.PageLocalID, s.PageSourceID, s.Metadata, false), nil
	case AppendPageIfNeeded:
		return t.upsertPage(local, s.PageLocalID, s.PageSourceID, s.Metadata, true), nil
	case PageDeleted:
		return t.deletePage(local, s), nil
	case SectionChanged:
		return sectionChanged(local, s), nil
	case SectionDeleted:
		return sectionDeleted(local, s), nil
	default:
		return entity.ChangeSet{}, fmt.Errorf("signal: unsupported signal %T", sig)
	}
}

// findPage matches by local id first, then by source id.
func (t *Translator) findPage(local []entity.Entity, localID string, sourceID entity.SourceID, webURL string) int {
	if i := reconcile.FindByLocalID(local, localID); i >= 0 {
		return i
	}

	if sourceID == nil {
		return -1
	}

	return t.rec.FindBySourceID(local, sourceID, webURL)
}

// upsertPage replaces a matched page when the signal is at least as new, or
// creates a placeholder row. With idempotent set, a match carrying the same
// timestamp is left alone.
func (t *Translator) upsertPage(
	local []entity.Entity, localID string, sourceID entity.SourceID, meta PageMetadata, idempotent bool,
) entity.ChangeSet {
	var cs entity.ChangeSet

	i := t.findPage(local, localID, sourceID, meta.WebURL)
	if i < 0 {
		created := entity.Entity{
			Kind:            entity.KindPageReference,
			LocalID:         t.rec.NewLocalID(),
			SourceID:        sourceID,
			IsLocalOnlyPage: true,
		}
		cs.Create(applyPage(created, sourceID, meta))

		return cs
	}

	existing := local[i]

	switch {
	case existing.IsDeleted:
		// A pending local delete outranks a remote edit notification.
	case idempotent && meta.LastModifiedAt == existing.LastModifiedAt:
	case meta.LastModifiedAt >= existing.LastModifiedAt:
		cs.Replace(applyPage(existing.Clone(), sourceID, meta))
	}

	return cs
}

// applyPage copies signal metadata onto a row. A full id from the signal
// upgrades a provisional one; a provisional id never downgrades a full one.
func applyPage(e entity.Entity, sourceID entity.SourceID, meta PageMetadata) entity.Entity {
	switch sourceID.(type) {
	case entity.FullSourceID:
		e.SourceID = sourceID
	case entity.PartialSourceID:
		if e.SourceID == nil {
			e.SourceID = sourceID
		}
	}

	e.Title = meta.Title
	e.Preview = meta.Preview
	e.LastModifiedAt = meta.LastModifiedAt

	if meta.WebURL != "" {
		e.WebURL = meta.WebURL
	}

	if meta.SectionLocalID != "" {
		e.SectionLocalID = meta.SectionLocalID
	}

	if meta.SectionSourceID != "" {
		e.SectionSourceID = meta.SectionSourceID
	}

	if meta.SectionName != "" {
		e.ContainerName = meta.SectionName
	}

	return e
}

// deletePage hard-deletes rows that never had a remote id and tombstones the
// rest so the deletion history is kept.
func (t *Translator) deletePage(local []entity.Entity, s PageDeleted) entity.ChangeSet {
	var cs entity.ChangeSet

	i := t.findPage(local, s.PageLocalID, s.PageSourceID, "")
	if i < 0 || local[i].IsDeleted {
		return cs
	}

	removeEntity(&cs, local[i])

	return cs
}

func removeEntity(cs *entity.ChangeSet, e entity.Entity) {
	if e.HasRemoteID() {
		cs.MarkAsDeleted(e.Clone())
		return
	}

	cs.Delete(e.Clone())
}

func inSection(e *entity.Entity, localID, sourceID string) bool {
	if localID != "" && e.SectionLocalID == localID {
		return true
	}

	return sourceID != "" && e.SectionSourceID == sourceID
}

// sectionChanged renames the container of every page in the section and
// backfills whichever section id the row was missing.
func sectionChanged(local []entity.Entity, s SectionChanged) entity.ChangeSet {
	var cs entity.ChangeSet

	for i := range local {
		e := &local[i]
		if e.IsDeleted || !inSection(e, s.SectionLocalID, s.SectionSourceID) {
			continue
		}

		updated := e.Clone()

		if s.NewName != "" {
			updated.ContainerName = s.NewName
		}

		if updated.SectionLocalID == "" {
			updated.SectionLocalID = s.SectionLocalID
		}

		if updated.SectionSourceID == "" {
			updated.SectionSourceID = s.SectionSourceID
		}

		if updated.ContainerName == e.ContainerName &&
			updated.SectionLocalID == e.SectionLocalID &&
			updated.SectionSourceID == e.SectionSourceID {
			continue
		}

		cs.Replace(updated)
	}

	return cs
}

func sectionDeleted(local []entity.Entity, s SectionDeleted) entity.ChangeSet {
	var cs entity.ChangeSet

	for i := range local {
		e := &local[i]
		if e.IsDeleted || !inSection(e, s.SectionLocalID, s.SectionSourceID) {
			continue
		}

		removeEntity(&cs, *e)
	}

	return cs
}
