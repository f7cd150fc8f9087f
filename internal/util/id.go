package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a prefixed random identifier like "doc_3f9a…".
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
