package id

import "github.com/google/uuid"

// New returns a random job identifier.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s could have been produced by New.
func Valid(s string) bool {
	parsed, err := uuid.Parse(s)
	return err == nil && parsed.Version() == 4 && parsed.String() == s
}
