package entity

// ChangeSet is the transient result of reconciliation: four disjoint lists
// consumed once by storage. ToCreate rows carry freshly generated local ids;
// ToReplace rows keep theirs.
type ChangeSet struct {
	ToCreate        []Entity
	ToReplace       []Entity
	ToDelete        []Entity
	ToMarkAsDeleted []Entity
}

// Create appends a new local row.
func (cs *ChangeSet) Create(e Entity) { cs.ToCreate = append(cs.ToCreate, e) }

// Replace appends a content replacement for an existing row.
func (cs *ChangeSet) Replace(e Entity) { cs.ToReplace = append(cs.ToReplace, e) }

// Delete appends a hard delete.
func (cs *ChangeSet) Delete(e Entity) { cs.ToDelete = append(cs.ToDelete, e) }

// MarkAsDeleted appends a soft delete. The row is kept as a tombstone.
func (cs *ChangeSet) MarkAsDeleted(e Entity) {
	e.IsDeleted = true
	cs.ToMarkAsDeleted = append(cs.ToMarkAsDeleted, e)
}

// Len returns the total number of entries across all lists.
func (cs *ChangeSet) Len() int {
	return len(cs.ToCreate) + len(cs.ToReplace) + len(cs.ToDelete) + len(cs.ToMarkAsDeleted)
}

// IsEmpty reports whether applying the change set would be a no-op.
func (cs *ChangeSet) IsEmpty() bool {
	return cs.Len() == 0
}
