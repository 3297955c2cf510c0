package reconcile

import "github.com/tonimelisma/notesync/internal/entity"

type deltaAction int

const (
	deltaNone deltaAction = iota
	deltaCreate
	deltaReplace
	deltaMarkDeleted
)

// deltaResult is the pending outcome for one remote id. Later payloads for
// the same id overwrite earlier ones, so a delta carrying several versions of
// an entity yields a single row.
type deltaResult struct {
	action deltaAction
	entity entity.Entity
	local  *entity.Entity
}

// ReconcileDelta applies incremental payloads. Each payload is matched by
// remote id on its own: a deleted payload without a local match is a no-op,
// a non-deleted payload replaces its match or creates a new row. Rows created
// from a delta are placeholders until a full listing corroborates them.
func (r *Reconciler) ReconcileDelta(local []entity.Entity, payloads []entity.DeltaPayload) entity.ChangeSet {
	idx := newLocalIndex(local)

	var order []string
	results := make(map[string]*deltaResult, len(payloads))

	for _, p := range payloads {
		res, seen := results[p.ID]
		if !seen {
			res = &deltaResult{local: r.lookup(idx, p)}
			results[p.ID] = res
			order = append(order, p.ID)
		}

		if p.Deleted {
			switch {
			case res.local == nil, res.local.IsDeleted:
				// Never reached storage or already a tombstone.
				res.action = deltaNone
			default:
				res.action = deltaMarkDeleted
				res.entity = res.local.Clone()
			}

			continue
		}

		if res.local != nil {
			res.action = deltaReplace
			res.entity = entity.MergeRemote(*res.local, p.Remote)

			continue
		}

		localID := res.entity.LocalID
		if res.action != deltaCreate {
			localID = r.newLocalID()
		}

		res.action = deltaCreate
		res.entity = entity.FromRemote(localID, p.Remote, true)
	}

	var cs entity.ChangeSet

	for _, id := range order {
		res := results[id]

		switch res.action {
		case deltaCreate:
			cs.Create(res.entity)
		case deltaReplace:
			cs.Replace(res.entity)
		case deltaMarkDeleted:
			cs.MarkAsDeleted(res.entity)
		case deltaNone:
		}
	}

	return cs
}

// localIndex keys local rows by full id, keeping the first row per id, plus
// the rows that only know a provisional id.
type localIndex struct {
	local   []entity.Entity
	byFull  map[string]int
	partial []int
}

func newLocalIndex(local []entity.Entity) *localIndex {
	idx := &localIndex{
		local:  local,
		byFull: make(map[string]int, len(local)),
	}

	for i := range local {
		switch id := local[i].SourceID.(type) {
		case entity.FullSourceID:
			if _, dup := idx.byFull[id.ID]; !dup {
				idx.byFull[id.ID] = i
			}
		case entity.PartialSourceID:
			idx.partial = append(idx.partial, i)
		}
	}

	return idx
}

// lookup finds the local row for a payload: full id first, then the
// provisional equivalence for rows without a full id.
func (r *Reconciler) lookup(idx *localIndex, p entity.DeltaPayload) *entity.Entity {
	if i, ok := idx.byFull[p.ID]; ok {
		return &idx.local[i]
	}

	for _, i := range idx.partial {
		partial, _ := idx.local[i].SourceID.(entity.PartialSourceID)
		if r.sameID(partial, p.ID, p.Remote.WebURL) {
			return &idx.local[i]
		}
	}

	return nil
}
