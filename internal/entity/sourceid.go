package entity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SourceID is a remote identity: FullSourceID or PartialSourceID. A nil
// SourceID means the entity was never associated with a remote counterpart.
type SourceID interface {
	String() string
	sourceID()
}

// FullSourceID unambiguously names a remote entity.
type FullSourceID struct {
	ID string
}

func (FullSourceID) sourceID() {}

func (f FullSourceID) String() string { return f.ID }

// PartialSourceID is the provisional identity known before the full id:
// an id fragment plus the URL of the container holding the entity.
type PartialSourceID struct {
	PartialID    string
	ContainerURL string
}

func (PartialSourceID) sourceID() {}

func (p PartialSourceID) String() string {
	return p.PartialID + "@" + p.ContainerURL
}

// SameIDFunc decides whether a provisional identity refers to the remote
// entity with the given full id and web URL.
type SameIDFunc func(partial PartialSourceID, fullID, webURL string) bool

// DefaultSameID treats the partial id as matching when it equals the full id
// or is its trailing segment, and the container URL is a prefix of the
// entity's web URL after normalization.
func DefaultSameID(partial PartialSourceID, fullID, webURL string) bool {
	if partial.PartialID == "" || fullID == "" {
		return false
	}

	if fullID != partial.PartialID &&
		!strings.HasSuffix(fullID, "-"+partial.PartialID) &&
		!strings.HasSuffix(fullID, "!"+partial.PartialID) {
		return false
	}

	container := NormalizeURL(partial.ContainerURL)
	if container == "" {
		return true
	}

	return strings.HasPrefix(NormalizeURL(webURL), container)
}

// NormalizeURL returns a comparison key for a container or web URL: NFC,
// case-folded, trimmed, without a trailing slash. Remote URLs round-trip
// through clients that decompose accented section names. A Caser is
// stateful, so each call builds its own.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}

	u = cases.Fold().String(norm.NFC.String(u))

	return strings.TrimRight(u, "/")
}
