package protpred

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out names for per-invocation scratch files and
// directories. Every call must return a value unique within the process.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator names scratch paths with random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.New().String()
}

// SequenceGenerator yields prefix-0, prefix-1, ... and is safe for concurrent use.
type SequenceGenerator struct {
	Prefix string
	next   atomic.Int64
}

// NewSequenceGenerator returns a deterministic generator for tests and
// reproducible scratch layouts.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{Prefix: prefix}
}

func (g *SequenceGenerator) NewID() string {
	n := g.next.Add(1) - 1
	return fmt.Sprintf("%s-%d", g.Prefix, n)
}
