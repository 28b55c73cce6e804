// Package models defines the domain types shared by the catalog, the storage
// backends and the watch pipeline.
package models

import "time"

// Order values below FirstSequentialOrder are reserved for pinned entries.
const (
	// SentinelExcluded marks an entry that is logically deleted or a placeholder.
	// Navigation skips it.
	SentinelExcluded int64 = -1
	// StickyOrder is the order value of the pinned (loop) entry.
	StickyOrder int64 = 0
	// FirstSequentialOrder is the first order handed out by a sequential sort.
	FirstSequentialOrder int64 = 100
)

// Entry is one row of the persistent media catalog.
type Entry struct {
	ID          string    `json:"id"`
	Order       int64     `json:"order"`
	Title       string    `json:"title"`
	Size        *int64    `json:"size,omitempty"`
	ContentHash *string   `json:"content_hash,omitempty"`
	Like        bool      `json:"like"`
	IsFolder    bool      `json:"is_folder"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Excluded reports whether the entry is hidden from navigation.
func (e Entry) Excluded() bool {
	return e.Order == SentinelExcluded
}

// SortMode selects how the ordering engine reassigns orders.
type SortMode string

// Sort modes.
const (
	SortSequential SortMode = "sequential"
	SortRandom     SortMode = "random"
	SortSticky     SortMode = "sticky"
)

// Valid reports whether m names a known mode.
func (m SortMode) Valid() bool {
	switch m {
	case SortSequential, SortRandom, SortSticky:
		return true
	}
	return false
}
