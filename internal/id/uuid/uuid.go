// Package uuid generates run identifiers.
package uuid

import (
	"github.com/google/uuid"
)

// NewRunID returns a UUIDv7, whose string form sorts by creation time. A
// random v4 id is returned if the v7 generator fails.
func NewRunID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
