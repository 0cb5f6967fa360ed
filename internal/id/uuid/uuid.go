// Package uuid provides UUID-based ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements pages.IDGenerator using random UUIDs.
type Generator struct{}

// New returns a UUID generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a new random UUID string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
