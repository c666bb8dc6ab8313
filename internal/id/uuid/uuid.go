// Package uuid issues crawl session ids.
//
// Session ids are UUIDv7 so they sort by creation time in the session store
// and in the progress stream.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements crawler.IDGenerator.
type Generator struct{}

// New returns a session id generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh session id.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s looks like a session id issued by NewID.
func Valid(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 7
}
