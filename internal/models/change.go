package models

import (
	"path"
	"strings"
)

// FileRef identifies a file by its slash-separated path relative to a
// backend root. The empty ref is the root itself.
type FileRef string

// Name returns the last path element.
func (r FileRef) Name() string {
	return path.Base(string(r))
}

// Ext returns the lower-cased extension including the dot.
func (r FileRef) Ext() string {
	return strings.ToLower(path.Ext(string(r)))
}

// Title returns the file name without its extension.
func (r FileRef) Title() string {
	name := r.Name()
	return strings.TrimSuffix(name, path.Ext(name))
}

// ChangeRecord is one file's snapshot as seen by a watch cycle. Records are
// never persisted.
type ChangeRecord struct {
	ID               FileRef
	Size             int64
	ContentType      string
	IsDirectory      bool
	IsDownloading    bool
	IsDownloaded     bool
	IsPlaceholder    bool
	DownloadProgress float64 // 0..100
	IsDeleted        bool
	IsUpdated        bool
}

// ChangeBatch is an ordered set of records. A full-load batch is
// authoritative for the whole tree; an incremental batch only carries deltas.
type ChangeBatch struct {
	Records    []ChangeRecord
	IsFullLoad bool
}

// Len returns the number of records in the batch.
func (b ChangeBatch) Len() int {
	return len(b.Records)
}
