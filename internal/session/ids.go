package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// CorrelationID ties a send request to its outcome event.
type CorrelationID string

// IDGenerator produces correlation ids. Implementations must be safe for
// concurrent use and never repeat an id within a process.
type IDGenerator interface {
	Generate() CorrelationID
}

// UUIDv7Generator generates time-sortable UUIDv7 correlation ids.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so
// ids sort by creation time in logs and the sqlitenet inbox.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 as a hyphenated string.
//
// Panics if the random source fails, which does not happen in practice.
func (UUIDv7Generator) Generate() CorrelationID {
	return CorrelationID(uuid.Must(uuid.NewV7()).String())
}

// SequenceGenerator returns prefix-1, prefix-2, ... for deterministic
// traces in tests and scenarios.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewSequenceGenerator creates a generator. An empty prefix means "corr".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "corr"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() CorrelationID {
	return CorrelationID(fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1)))
}
