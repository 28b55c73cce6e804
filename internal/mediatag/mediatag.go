// Package mediatag reads embedded metadata (ID3, MP4, FLAC, OGG, DSF) from
// media files.
package mediatag

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dhowden/tag"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/models"
)

// supported lists the extensions the tag reader understands.
var supported = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".m4b":  true,
	".m4p":  true,
	".mp4":  true,
	".alac": true,
	".flac": true,
	".ogg":  true,
	".oga":  true,
	".dsf":  true,
}

// Supported reports whether ext (with dot, any case) can carry tags.
func Supported(ext string) bool {
	return supported[strings.ToLower(ext)]
}

// Info holds the fields the catalog uses.
type Info struct {
	Title  string
	Artist string
	Album  string
	Format string
}

// Read parses tags from r. Files with an unknown extension return
// *apperr.FormatNotSupportedError. A readable file without tags is not an
// error: Info then carries the title derived from ref.
func Read(r io.ReadSeeker, ref models.FileRef) (Info, error) {
	if !Supported(ref.Ext()) {
		return Info{}, &apperr.FormatNotSupportedError{Ext: ref.Ext()}
	}

	info := Info{Title: ref.Title()}
	m, err := tag.ReadFrom(r)
	if errors.Is(err, tag.ErrNoTagsFound) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("mediatag: read %s: %w", ref, err)
	}

	if title := strings.TrimSpace(m.Title()); title != "" {
		info.Title = title
	}
	info.Artist = m.Artist()
	if albumArtist := m.AlbumArtist(); albumArtist != "" {
		info.Artist = albumArtist
	}
	info.Album = m.Album()
	info.Format = string(m.Format())
	return info, nil
}
