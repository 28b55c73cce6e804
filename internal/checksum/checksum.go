// Package checksum computes content hashes for catalog entries.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dhowden/tag"
)

// Hash prefixes identify how a digest was produced.
const (
	AudioPrefix = "audio-sha1:"
	FilePrefix  = "sha256:"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Reader hashes r. Audio data is hashed with tag.Sum so that re-tagging a
// file keeps its hash; anything tag.Sum cannot handle falls back to SHA-256
// over the whole stream.
func Reader(r io.ReadSeeker) (string, error) {
	if sum, err := tag.Sum(r); err == nil && sum != "" {
		return AudioPrefix + sum, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("checksum: rewind: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum: read: %w", err)
	}
	return FilePrefix + hex.EncodeToString(h.Sum(nil)), nil
}
