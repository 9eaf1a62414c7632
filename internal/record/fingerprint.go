package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Fingerprint computes the canonical fingerprint of the record store at dir:
// a sha256 over the file name and raw bytes of every canonical file, in
// sorted order. Missing files contribute only their name, so an empty store
// still has a stable, well-defined fingerprint.
//
// The fingerprint answers exactly one question: "is this derived data
// compatible with the records as they stand right now?" Memory pack import
// uses it to decide whether an embedded summary may be applied; any record
// edit produces a new fingerprint and invalidates older summaries.
func Fingerprint(dir string) (string, error) {
	h := sha256.New()
	for _, name := range CanonicalFiles() {
		h.Write([]byte(name))
		h.Write([]byte{0})

		data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("failed to read %s for fingerprint: %w", name, err)
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
