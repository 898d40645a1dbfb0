// Package id issues identifiers for processed images.
package id

import "github.com/google/uuid"

// New returns a random (version 4) UUID string. It panics only if the
// system random source fails.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s looks like an id issued by New. Handlers use it to
// reject path segments before touching storage.
func Valid(s string) bool {
	parsed, err := uuid.Parse(s)
	return err == nil && parsed.Version() == 4 && len(s) == 36
}
