package queue

// SquashOutcome reports what pushing an entry did to the queue.
type SquashOutcome int

// Squash outcomes.
const (
	// Appended: the entry was added at the tail.
	Appended SquashOutcome = iota + 1
	// Replaced: an existing entry took the incoming operation in place.
	Replaced
	// Dropped: an equivalent or coarser request is already queued.
	Dropped
	// Cancelled: the incoming operation and what it cancelled are both gone.
	Cancelled
)

func (o SquashOutcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Dropped:
		return "dropped"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Squash pushes an entry into the arena after collapsing it against queued
// entries for the same resource. Only entries not yet in flight take part:
// a request already on the wire cannot be recalled. Operations on different
// resources, or of kinds with no rule below, are always queued side by side.
//
//	queued                 incoming            result
//	Create (unsent)        Delete              both gone, with every other
//	                                           unsent op on that entity
//	Upload/UpdateMetadata  DeleteAttachment    collapsed to the delete
//	UpdateMetadata         UpdateMetadata      latest survives
//	Delete                 Delete              one survives
//	DeltaSync              FullSync            FullSync replaces DeltaSync
//	FullSync               DeltaSync           DeltaSync dropped
//	FullSync               FullSync            latest survives
//	DeltaSync              DeltaSync           one survives
func Squash(a Arena, in Entry) (Arena, Entry, SquashOutcome) {
	switch op := in.Op.(type) {
	case DeleteOp:
		if a.hasPending(func(e Entry) bool {
			c, ok := e.Op.(CreateOp)
			return ok && c.LocalID == op.LocalID
		}) {
			out := a.RemoveFunc(func(e Entry) bool {
				return !e.InFlight && owner(e.Op) == op.Resource()
			})

			return out, Entry{}, Cancelled
		}

		if a.hasPending(pendingOn(in.Op, OpDelete)) {
			return a, Entry{}, Dropped
		}
	case DeleteAttachmentOp:
		if a.hasPending(pendingOn(in.Op, OpDeleteAttachment)) {
			out := a.RemoveFunc(pendingOn(in.Op, OpUploadAttachment, OpUpdateAttachmentMetadata))
			return out, Entry{}, Dropped
		}

		if out, e, ok := a.collapse(in, pendingOn(in.Op, OpUploadAttachment, OpUpdateAttachmentMetadata)); ok {
			return out, e, Replaced
		}
	case UpdateAttachmentMetadataOp:
		if out, e, ok := a.collapse(in, pendingOn(in.Op, OpUpdateAttachmentMetadata)); ok {
			return out, e, Replaced
		}
	case FullSyncOp:
		if out, e, ok := a.collapse(in, pendingOn(in.Op, OpFullSync, OpDeltaSync)); ok {
			return out, e, Replaced
		}
	case DeltaSyncOp:
		if a.hasPending(pendingOn(in.Op, OpFullSync, OpDeltaSync)) {
			return a, Entry{}, Dropped
		}
	}

	out, appended := a.Append(in)

	return out, appended, Appended
}

// pendingOn matches entries not in flight that target the same resource as
// in with one of the given kinds.
func pendingOn(in Op, kinds ...OpKind) func(Entry) bool {
	res := in.Resource()

	return func(e Entry) bool {
		if e.InFlight || e.Op.Resource() != res {
			return false
		}

		for _, k := range kinds {
			if e.Op.Kind() == k {
				return true
			}
		}

		return false
	}
}

func (a Arena) hasPending(fn func(Entry) bool) bool {
	for _, e := range a.entries {
		if !e.InFlight && fn(e) {
			return true
		}
	}

	return false
}

// collapse replaces the first entry matching fn with the incoming operation
// and drops any further matches. Reports false when nothing matched.
func (a Arena) collapse(in Entry, fn func(Entry) bool) (Arena, Entry, bool) {
	first := -1

	for i, e := range a.entries {
		if fn(e) {
			first = i
			break
		}
	}

	if first < 0 {
		return a, Entry{}, false
	}

	target := a.entries[first].Seq
	out := a.Replace(target, in.Op, in.CorrelationID)
	out = out.RemoveFunc(func(e Entry) bool { return e.Seq != target && fn(e) })

	replaced, _ := out.Get(target)

	return out, replaced, true
}
