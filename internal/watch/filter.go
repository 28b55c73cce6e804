package watch

import (
	"strings"

	"github.com/starford/mediacat/internal/models"
)

var excludedSuffixes = []string{".DS_Store", ".zip", ".plist"}

// Excluded reports whether ref must never reach the catalog: any path element
// starting with a dot, or a name ending in .DS_Store, .zip or .plist.
func Excluded(ref models.FileRef) bool {
	if ref == "" {
		return true
	}
	for _, part := range strings.Split(string(ref), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	name := ref.Name()
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func filterRecords(in []models.ChangeRecord) []models.ChangeRecord {
	out := in[:0:0]
	for _, r := range in {
		if !Excluded(r.ID) {
			out = append(out, r)
		}
	}
	return out
}
