package utils

import (
	"strings"

	"github.com/google/uuid"
)

// SessionIDLength is the number of hex characters kept from a UUID.
const SessionIDLength = 8

// NewSessionID returns a short random identifier taken from a v4 UUID.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:SessionIDLength]
}

// IsSessionID reports whether s looks like an identifier from NewSessionID.
func IsSessionID(s string) bool {
	if len(s) != SessionIDLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
