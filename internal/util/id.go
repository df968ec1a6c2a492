package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

const slugAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewSlug returns a URL-safe random slug for public board links.
func NewSlug(length int) string {
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	out := make([]byte, length)
	for i, b := range bytes {
		out[i] = slugAlphabet[int(b)%len(slugAlphabet)]
	}
	return string(out)
}
