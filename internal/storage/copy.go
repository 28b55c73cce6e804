package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/starford/mediacat/internal/apperr"
)

// uniqueName returns name if taken reports false for it, otherwise the first
// of "base-1.ext", "base-2.ext", ... that is free.
func uniqueName(name string, taken func(string) (bool, error)) (string, error) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

// openSource opens an external file for reading, translating failures into
// the apperr taxonomy.
func openSource(source string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, nil, classify(source, apperr.DirectionRead, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, classify(source, apperr.DirectionRead, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("storage: copy source %s is a directory: %w", source, apperr.ErrInvalidArgument)
	}
	return f, info, nil
}

// classify maps os errors onto apperr values while keeping the cause.
func classify(p string, dir apperr.Direction, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return &apperr.PermissionError{Path: p, Direction: dir, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("storage: %s: %w", p, apperr.ErrNotFound)
	}
	return fmt.Errorf("storage: %s: %w", p, err)
}

// checkWritable verifies that files can be created in dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".mediacat-check-*")
	if err != nil {
		return classify(dir, apperr.DirectionWrite, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
