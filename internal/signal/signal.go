// Package signal translates single push notifications from the remote
// service into ChangeSets against the current local collection. A signal
// only ever touches the entities it names; it cannot say anything about the
// rest of the collection.
package signal

import "github.com/tonimelisma/notesync/internal/entity"

// Signal is one push notification. The concrete types are PageChanged,
// PageDeleted, SectionChanged, SectionDeleted and AppendPageIfNeeded.
type Signal interface {
	Name() string
	isSignal()
}

// PageMetadata is the remote state carried by a page signal.
type PageMetadata struct {
	Title           string
	Preview         string
	WebURL          string
	LastModifiedAt  int64
	SectionLocalID  string
	SectionSourceID string
	SectionName     string
}

// PageChanged reports new or edited page content.
type PageChanged struct {
	PageLocalID  string
	PageSourceID entity.SourceID
	Metadata     PageMetadata
}

// PageDeleted reports that a page is gone.
type PageDeleted struct {
	PageLocalID  string
	PageSourceID entity.SourceID
}

// SectionChanged reports a section rename or move. It fans out to every
// page reference in the section.
type SectionChanged struct {
	SectionLocalID  string
	SectionSourceID string
	NewName         string
}

// SectionDeleted reports that a section and all of its pages are gone.
type SectionDeleted struct {
	SectionLocalID  string
	SectionSourceID string
}

// AppendPageIfNeeded is an idempotent upsert: replaying it for a page that
// is already current changes nothing.
type AppendPageIfNeeded struct {
	PageLocalID  string
	PageSourceID entity.SourceID
	Metadata     PageMetadata
}

func (PageChanged) isSignal()        {}
func (PageDeleted) isSignal()        {}
func (SectionChanged) isSignal()     {}
func (SectionDeleted) isSignal()     {}
func (AppendPageIfNeeded) isSignal() {}

func (PageChanged) Name() string        { return "page_changed" }
func (PageDeleted) Name() string        { return "page_deleted" }
func (SectionChanged) Name() string     { return "section_changed" }
func (SectionDeleted) Name() string     { return "section_deleted" }
func (AppendPageIfNeeded) Name() string { return "append_page_if_needed" }
