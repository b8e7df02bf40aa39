package utils

import (
	"hash/fnv"
	"strings"
)

// NoteFingerprint hashes free-text notes so that case and whitespace
// differences collapse to the same value.
func NoteFingerprint(note string) uint64 {
	h := fnv.New64a()
	for i, word := range strings.Fields(strings.ToLower(note)) {
		if i > 0 {
			_, _ = h.Write([]byte{' '})
		}
		_, _ = h.Write([]byte(word))
	}
	return h.Sum64()
}
