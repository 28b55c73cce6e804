// Package apperr holds the error taxonomy shared by storage, catalog and API layers.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDownloading     = errors.New("file is downloading")
	ErrNotDownloaded   = errors.New("file is not downloaded")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Direction tells whether a permission check was about reading or writing.
type Direction string

const (
	DirectionRead  Direction = "read"
	DirectionWrite Direction = "write"
)

// PermissionError reports a denied read or write on a concrete path.
type PermissionError struct {
	Path      string
	Direction Direction
	Err       error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permission denied (%s) on %s: %v", e.Direction, e.Path, e.Err)
	}
	return fmt.Sprintf("permission denied (%s) on %s", e.Direction, e.Path)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, fs.ErrPermission) hold for every PermissionError.
func (e *PermissionError) Is(target error) bool {
	return target == fs.ErrPermission
}

// FormatNotSupportedError is returned for files the catalog cannot interpret.
type FormatNotSupportedError struct {
	Ext string
}

func (e *FormatNotSupportedError) Error() string {
	return fmt.Sprintf("format not supported: %q", e.Ext)
}

// PartialFailureError collects per-item failures of a multi-file operation.
// Items not listed succeeded.
type PartialFailureError struct {
	Failures map[string]error
}

// Add records a failure for id, allocating the map on first use.
func (e *PartialFailureError) Add(id string, err error) {
	if e.Failures == nil {
		e.Failures = make(map[string]error)
	}
	e.Failures[id] = err
}

// OrNil returns e when it holds at least one failure, nil otherwise.
func (e *PartialFailureError) OrNil() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	return e
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("%d item(s) failed: %s", len(ids), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}
