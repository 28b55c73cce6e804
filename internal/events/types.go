// Package events provides the typed publish/subscribe channel that carries
// catalog lifecycle notifications between the core and its collaborators.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/starford/mediacat/internal/models"
)

// Event kinds as they appear on the wire (SSE event names, NATS subjects).
const (
	KindSyncingStarted     = "syncing-started"
	KindSynced             = "synced"
	KindSortingStarted     = "sorting-started"
	KindSortDone           = "sort-done"
	KindCopyFilesRequested = "copy-files-requested"
	KindAudioUpdated       = "audio-updated"
	KindAudioDeleted       = "audio-deleted"
)

// Event is implemented by every payload published on the Bus.
type Event interface {
	Kind() string
}

// Envelope wraps a published event with its identity and publish time.
type Envelope struct {
	ID    string    `json:"id"`
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	Event Event     `json:"data"`
}

func newEnvelope(ev Event) Envelope {
	return Envelope{
		ID:    uuid.NewString(),
		Time:  time.Now().UTC(),
		Kind:  ev.Kind(),
		Event: ev,
	}
}

// SyncingStarted is published before a reconciliation pass.
type SyncingStarted struct {
	BatchSize  int  `json:"batch_size"`
	IsFullLoad bool `json:"full_load"`
}

func (SyncingStarted) Kind() string { return KindSyncingStarted }

// Synced is published after a reconciliation pass. Error is empty on success.
type Synced struct {
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
	Error    string `json:"error,omitempty"`
}

func (Synced) Kind() string { return KindSynced }

// SortingStarted is published before an ordering pass.
type SortingStarted struct {
	Mode models.SortMode `json:"mode"`
}

func (SortingStarted) Kind() string { return KindSortingStarted }

// SortDone is published after an ordering pass commits or fails.
type SortDone struct {
	Mode  models.SortMode `json:"mode"`
	Error string          `json:"error,omitempty"`
}

func (SortDone) Kind() string { return KindSortDone }

// CopyFilesRequested asks the library to copy external files into the backend root.
type CopyFilesRequested struct {
	RequestID   string   `json:"request_id"`
	Paths       []string `json:"paths"`
	Destination string   `json:"destination,omitempty"`
}

func (CopyFilesRequested) Kind() string { return KindCopyFilesRequested }

// AudioUpdated reports a single-entry mutation such as a like toggle.
type AudioUpdated struct {
	Entry models.Entry `json:"entry"`
}

func (AudioUpdated) Kind() string { return KindAudioUpdated }

// AudioDeleted reports that an entry left the catalog.
type AudioDeleted struct {
	Entry models.Entry `json:"entry"`
}

func (AudioDeleted) Kind() string { return KindAudioDeleted }
