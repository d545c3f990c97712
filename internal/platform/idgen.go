package platform

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator abstracts identifier creation so tests can substitute a
// deterministic sequence.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates RFC 4122 v4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

// SequentialIDGenerator issues ids of the form "<prefix>-<n>" in order,
// for tests that need predictable, sortable identifiers.
type SequentialIDGenerator struct {
	Prefix string
	next   int
}

func (g *SequentialIDGenerator) NewID() string {
	g.next++
	return fmt.Sprintf("%s-%d", g.Prefix, g.next)
}
