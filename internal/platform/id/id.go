// Package id generates URL-safe 128-bit identifiers.
//
// Identifiers are UUIDv4 bytes encoded as base32 (RFC 4648) with no padding.
// The resulting strings are 26 characters long, lowercase, and safe for use
// in URLs and file paths. Session identifiers use this encoding as their
// canonical string form.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

const encodedLen = 26

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a URL-safe identifier using UUIDv4 bytes encoded as base32.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	// RFC 4122 variant and version bits for a v4 UUID.
	raw[6] = (raw[6] & 0x0f) | 0x40
	raw[8] = (raw[8] & 0x3f) | 0x80

	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}

// Valid reports whether value is a well-formed identifier produced by NewID.
func Valid(value string) bool {
	if len(value) != encodedLen {
		return false
	}
	if value != strings.ToLower(value) {
		return false
	}
	_, err := encoding.DecodeString(strings.ToUpper(value))
	return err == nil
}
