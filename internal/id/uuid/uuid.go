// Package uuid generates unit identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers, so listings sorted by ID
// follow submission order.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRawID returns a UUIDv7.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewID returns a UUIDv7 string.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRawID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustRawID returns a UUIDv7, falling back to a random UUIDv4 when the
// time-ordered source fails.
func (g Generator) MustRawID() uuid.UUID {
	if id, err := g.NewRawID(); err == nil {
		return id
	}
	return uuid.New()
}
