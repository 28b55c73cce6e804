package api

import (
	"github.com/starford/mediacat/internal/library"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/ordering"
)

// Entry is a catalog entry as returned by the API.
type Entry = models.Entry

// Status is the library summary returned by GET /api/status.
type Status = library.Status

// EntryListResponse wraps paginated entry listings.
type EntryListResponse struct {
	Entries []Entry `json:"entries" validate:"required"`
	Total   int     `json:"total" example:"42" validate:"required"`
}

// LookupResponse is the answer of a navigation query. Entry is nil when
// nothing was found.
type LookupResponse struct {
	Found bool   `json:"found" validate:"required"`
	Entry *Entry `json:"entry,omitempty"`
}

func lookupResponse(l ordering.Lookup) LookupResponse {
	if !l.Found {
		return LookupResponse{}
	}
	e := l.Entry
	return LookupResponse{Found: true, Entry: &e}
}

// LikeRequest sets the like flag. A missing like toggles it.
type LikeRequest struct {
	Like *bool `json:"like,omitempty" example:"true"`
}

// DeleteRequest is the body of a bulk delete.
type DeleteRequest struct {
	IDs []string `json:"ids" example:"album/a.mp3,b.flac" validate:"required"`
}

// SortRequest is the body of POST /api/sort.
type SortRequest struct {
	Mode   models.SortMode `json:"mode" example:"random" validate:"required"`
	Sticky *string         `json:"sticky,omitempty" example:"album/a.mp3"`
}

// ImportRequest is the body of POST /api/import.
type ImportRequest struct {
	Paths       []string `json:"paths" example:"/home/me/Music/a.mp3" validate:"required"`
	Destination string   `json:"destination,omitempty" example:"album"`
}

// ImportAcceptedResponse is returned when an import has been queued.
type ImportAcceptedResponse struct {
	RequestID string `json:"request_id" validate:"required"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	ID   string `json:"id" example:"album/a.mp3" validate:"required"`
	Size int64  `json:"size" example:"12345" validate:"required"`
}
