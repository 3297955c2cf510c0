package remote

import (
	"time"

	"github.com/tonimelisma/notesync/internal/entity"
)

// wireItem is an entity as the service serializes it.
type wireItem struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	Title          string    `json:"title,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	Body           string    `json:"body,omitempty"`
	WebURL         string    `json:"webUrl,omitempty"`
	ContainerName  string    `json:"containerName,omitempty"`
	SectionID      string    `json:"sectionId,omitempty"`
	Revision       int64     `json:"revision,omitempty"`
}

// toRemote converts a wire item, defaulting the kind when the service
// omits it.
func (w *wireItem) toRemote(fallback entity.Kind) entity.Remote {
	kind := fallback
	if parsed, err := entity.ParseKind(w.Kind); err == nil {
		kind = parsed
	}

	return entity.Remote{
		Kind:            kind,
		ID:              w.ID,
		LastModifiedAt:  w.LastModifiedAt.UnixNano(),
		Title:           w.Title,
		Preview:         w.Preview,
		Body:            w.Body,
		WebURL:          w.WebURL,
		ContainerName:   w.ContainerName,
		SectionSourceID: w.SectionID,
		Revision:        w.Revision,
	}
}

// entityBody is the request body for creates and updates.
type entityBody struct {
	Title          string    `json:"title"`
	Preview        string    `json:"preview,omitempty"`
	Body           string    `json:"body,omitempty"`
	ContainerName  string    `json:"containerName,omitempty"`
	SectionID      string    `json:"sectionId,omitempty"`
	Scope          string    `json:"scope,omitempty"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

func newEntityBody(e *entity.Entity, scope string) entityBody {
	return entityBody{
		Title:          e.Title,
		Preview:        e.Preview,
		Body:           e.Body,
		ContainerName:  e.ContainerName,
		SectionID:      e.SectionSourceID,
		Scope:          scope,
		LastModifiedAt: time.Unix(0, e.LastModifiedAt).UTC(),
	}
}

// mutationResponse is returned by create, update and upload calls.
type mutationResponse struct {
	ID             string    `json:"id"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	Revision       int64     `json:"revision"`
}

// listingPage is one page of a full scope listing.
type listingPage struct {
	Items     []wireItem `json:"items"`
	SyncToken string     `json:"syncToken"`
	NextLink  string     `json:"nextLink"`
}

// deltaPage is one page of a delta listing.
type deltaPage struct {
	Changes []struct {
		ID      string    `json:"id"`
		Deleted bool      `json:"deleted"`
		Item    *wireItem `json:"item"`
	} `json:"changes"`
	SyncToken string `json:"syncToken"`
	NextLink  string `json:"nextLink"`
}

// attachmentMetadata is the body of an attachment metadata update.
type attachmentMetadata struct {
	AltText string `json:"altText"`
}

// kindPath returns the collection path segment of an entity kind.
func kindPath(k entity.Kind) string {
	return "/v1/" + k.String() + "s"
}
