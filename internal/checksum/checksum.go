// Package checksum computes bounded content checksums for change detection.
// Large files hash only their first 300KiB, prefixed with the full size, so
// scanning a big collection stays cheap.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// maxBytes is the largest prefix hashed for big files.
const maxBytes = 300 * 1024

// File returns the checksum of the file at path.
func File(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if info.Size() < maxBytes {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	if _, err := io.Copy(h, io.LimitReader(f, maxBytes)); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%d:%s", info.Size(), hex.EncodeToString(h.Sum(nil))), nil
}

// Bytes returns the checksum of in-memory content.
func Bytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
