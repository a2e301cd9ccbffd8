// Package evidence fingerprints the set of artifacts an execution produced.
package evidence

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/Mindburn-Labs/gatekeeper/pkg/canonicalize"
)

// ArtifactRef describes one produced file or object. It is never mutated
// after it has been fingerprinted.
type ArtifactRef struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Mime   string `json:"mime"`
	Bytes  int64  `json:"bytes"`
}

func (a ArtifactRef) sortKey() string {
	return a.Path + "|" + a.SHA256 + "|" + a.Mime + "|" + strconv.FormatInt(a.Bytes, 10)
}

// Rollup returns the hex SHA-256 of the canonical JSON of refs sorted by
// path|sha256|mime|bytes. The result does not depend on input order, and it
// changes if any field of any artifact changes.
func Rollup(refs []ArtifactRef) (string, error) {
	sorted := make([]ArtifactRef, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := sorted[i].sortKey(), sorted[j].sortKey()
		if ki != kj {
			return ki < kj
		}
		return sorted[i].Kind < sorted[j].Kind
	})

	h, err := canonicalize.CanonicalHash(sorted)
	if err != nil {
		return "", fmt.Errorf("evidence rollup: %w", err)
	}
	return h, nil
}
