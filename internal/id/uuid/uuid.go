// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID strings. Request IDs use v7 so they sort by time;
// object keys use v4.
type Generator struct {
	random bool
}

// New returns a Generator producing UUIDv7 strings.
func New() *Generator {
	return &Generator{}
}

// NewRandom returns a Generator producing UUIDv4 strings.
func NewRandom() *Generator {
	return &Generator{random: true}
}

// NewID returns a new UUID string.
func (g Generator) NewID() (string, error) {
	if g.random {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate uuid4: %w", err)
		}
		return id.String(), nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
