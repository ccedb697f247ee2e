// Package idgen provides random ID generation.
package idgen

import "github.com/google/uuid"

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}
