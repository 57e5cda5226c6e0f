// Package atomicfile provides the write-to-temp-then-rename primitive
// used by the installer, merge writer, and lockfile codec, modeled on
// golang-dep's txn_writer.go/fs.go renameWithFallback pattern: never
// leave a half-written file at the destination path.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Write creates dest (and its parent directories) atomically: the bytes
// land in a sibling temp file first, which is then renamed over dest.
// A failure at any point before the rename leaves dest untouched and
// removes the temp file.
func Write(dest string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating parent directory for %s", dest)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dest)+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrapf(err, "writing temp file for %s", dest)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming temp file into place at %s", dest)
	}
	return nil
}

// SameBytes reports whether dest already exists and holds exactly data,
// letting a caller skip a redundant atomic write (spec.md §4.8's
// idempotence rule).
func SameBytes(dest string, data []byte) bool {
	existing, err := os.ReadFile(dest)
	if err != nil {
		return false
	}
	return string(existing) == string(data)
}
