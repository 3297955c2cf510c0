package reconcile

import "github.com/tonimelisma/notesync/internal/entity"

// FindBySourceID returns the index of the local row carrying the given
// remote identity, or -1. Full ids are matched exactly before any
// provisional equivalence is tried. webURL is the remote entity's URL when
// known and feeds the partial-id container check.
func (r *Reconciler) FindBySourceID(local []entity.Entity, id entity.SourceID, webURL string) int {
	switch sid := id.(type) {
	case entity.FullSourceID:
		for i := range local {
			if local[i].FullID() == sid.ID {
				return i
			}
		}

		for i := range local {
			partial, ok := local[i].SourceID.(entity.PartialSourceID)
			if ok && r.sameID(partial, sid.ID, webURL) {
				return i
			}
		}
	case entity.PartialSourceID:
		for i := range local {
			if existing, ok := local[i].SourceID.(entity.PartialSourceID); ok && existing == sid {
				return i
			}
		}

		for i := range local {
			full := local[i].FullID()
			if full != "" && r.sameID(sid, full, local[i].WebURL) {
				return i
			}
		}
	}

	return -1
}

// FindByLocalID returns the index of the local row with the given local id,
// or -1.
func FindByLocalID(local []entity.Entity, localID string) int {
	if localID == "" {
		return -1
	}

	for i := range local {
		if local[i].LocalID == localID {
			return i
		}
	}

	return -1
}
