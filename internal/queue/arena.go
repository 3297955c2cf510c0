package queue

import "slices"

// Entry is one queued operation plus queue-assigned metadata. Seq is the
// stable address of the entry; position in the arena is FIFO order.
type Entry struct {
	Seq           uint64
	Op            Op
	CorrelationID string
	Provisional   bool
	InFlight      bool
	Attempts      int
	EnqueuedAt    int64 // Unix nanoseconds
}

// Arena is an ordered set of entries addressed by sequence id. Every method
// returns a new Arena and leaves the receiver untouched, so a caller holding
// the queue lock can compute a candidate state, persist it, and only then
// publish it.
type Arena struct {
	entries []Entry
	nextSeq uint64
}

// NewArena rebuilds an arena from persisted entries in queue order.
// nextSeq is raised past every existing sequence id so ids are never reused.
func NewArena(entries []Entry, nextSeq uint64) Arena {
	for i := range entries {
		if entries[i].Seq >= nextSeq {
			nextSeq = entries[i].Seq + 1
		}
	}

	if nextSeq == 0 {
		nextSeq = 1
	}

	return Arena{entries: slices.Clone(entries), nextSeq: nextSeq}
}

// Len returns the number of queued entries, in flight or not.
func (a Arena) Len() int { return len(a.entries) }

// NextSeq returns the sequence id the next appended entry will get.
func (a Arena) NextSeq() uint64 {
	if a.nextSeq == 0 {
		return 1
	}

	return a.nextSeq
}

// Entries returns a copy of the entries in queue order.
func (a Arena) Entries() []Entry { return slices.Clone(a.entries) }

// Get returns the entry with the given sequence id.
func (a Arena) Get(seq uint64) (Entry, bool) {
	if i := a.index(seq); i >= 0 {
		return a.entries[i], true
	}

	return Entry{}, false
}

func (a Arena) index(seq uint64) int {
	return slices.IndexFunc(a.entries, func(e Entry) bool { return e.Seq == seq })
}

// Append adds an entry at the tail, assigning its sequence id.
func (a Arena) Append(e Entry) (Arena, Entry) {
	e.Seq = a.NextSeq()
	e.Provisional = IsProvisional(e.Op)

	out := Arena{
		entries: append(slices.Clone(a.entries), e),
		nextSeq: e.Seq + 1,
	}

	return out, e
}

// Remove drops the entry with the given sequence id. Unknown ids are a no-op:
// a reset may already have dropped an entry whose response arrives later.
func (a Arena) Remove(seq uint64) Arena {
	return a.RemoveFunc(func(e Entry) bool { return e.Seq == seq })
}

// RemoveFunc drops every entry matching fn.
func (a Arena) RemoveFunc(fn func(Entry) bool) Arena {
	out := Arena{entries: make([]Entry, 0, len(a.entries)), nextSeq: a.nextSeq}

	for _, e := range a.entries {
		if !fn(e) {
			out.entries = append(out.entries, e)
		}
	}

	return out
}

// Replace swaps the operation of an entry in place, keeping its position
// and sequence id. The replacement is a new request: it gets the given
// correlation id, is no longer in flight, and its attempt count restarts.
func (a Arena) Replace(seq uint64, op Op, correlationID string) Arena {
	return a.update(seq, func(e *Entry) {
		e.Op = op
		e.CorrelationID = correlationID
		e.Provisional = IsProvisional(op)
		e.InFlight = false
		e.Attempts = 0
	})
}

// Map rewrites the operation of every entry.
func (a Arena) Map(fn func(Op) Op) Arena {
	out := Arena{entries: slices.Clone(a.entries), nextSeq: a.nextSeq}

	for i := range out.entries {
		out.entries[i].Op = fn(out.entries[i].Op)
		out.entries[i].Provisional = IsProvisional(out.entries[i].Op)
	}

	return out
}

// SetInFlight marks or clears the in-flight flag of an entry.
func (a Arena) SetInFlight(seq uint64, inFlight bool) Arena {
	return a.update(seq, func(e *Entry) { e.InFlight = inFlight })
}

// Settle records a finished attempt: the entry is no longer in flight and
// its attempt count goes up.
func (a Arena) Settle(seq uint64) Arena {
	return a.update(seq, func(e *Entry) {
		e.InFlight = false
		e.Attempts++
	})
}

// Clear drops every entry. Sequence ids keep counting up.
func (a Arena) Clear() Arena {
	return Arena{nextSeq: a.nextSeq}
}

// ReclaimInFlight clears every in-flight flag. Used after a restart, when no
// response for those requests can arrive any more.
func (a Arena) ReclaimInFlight() (Arena, int) {
	out := Arena{entries: slices.Clone(a.entries), nextSeq: a.nextSeq}
	n := 0

	for i := range out.entries {
		if out.entries[i].InFlight {
			out.entries[i].InFlight = false
			n++
		}
	}

	return out, n
}

func (a Arena) update(seq uint64, fn func(*Entry)) Arena {
	i := a.index(seq)
	if i < 0 {
		return a
	}

	out := Arena{entries: slices.Clone(a.entries), nextSeq: a.nextSeq}
	fn(&out.entries[i])

	return out
}

// next returns the first entry eligible for dispatch: not in flight, its
// resource not already in flight, and, when provisional, no earlier entry
// still working on the entity it depends on.
func (a Arena) next() (Entry, bool) {
	busy := make(map[Resource]bool)
	pendingOwners := make(map[Resource]bool)

	for _, e := range a.entries {
		if e.InFlight {
			busy[e.Op.Resource()] = true
		}
	}

	for _, e := range a.entries {
		res := e.Op.Resource()
		own := owner(e.Op)

		eligible := !e.InFlight && !busy[res] && !(e.Provisional && pendingOwners[own])

		pendingOwners[own] = true
		pendingOwners[res] = true

		if eligible {
			return e, true
		}
	}

	return Entry{}, false
}

// inFlightCount returns the number of entries currently dispatched.
func (a Arena) inFlightCount() int {
	n := 0

	for _, e := range a.entries {
		if e.InFlight {
			n++
		}
	}

	return n
}
