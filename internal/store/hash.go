package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash computes the content address of a recording.
func ContentHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// ShortHash returns a shortened hash for display.
func ShortHash(fullHash string) string {
	h := strings.TrimPrefix(fullHash, "sha256:")
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func hashToFilename(hash string) string {
	return strings.TrimPrefix(hash, "sha256:")
}
