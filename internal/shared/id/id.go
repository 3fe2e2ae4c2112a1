// Package id generates the kernel's external identifiers: a ULID per boot and
// per trace event. Environment identities are not ULIDs — they are the
// generation-tagged table indices the kernel hands out — so this package only
// covers identifiers that leave the machine (logs, reports, trace streams).
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// BootID identifies one kernel instance's lifetime.
type BootID string

// TraceID identifies one trace event.
type TraceID string

// Generator produces monotonic ULIDs from a shared entropy source.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates a generator with cryptographically secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *Generator) next() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// NewBootID generates a boot identifier.
func (g *Generator) NewBootID() BootID { return BootID("boot_" + g.next().String()) }

// NewTraceID generates a trace event identifier.
func (g *Generator) NewTraceID() TraceID { return TraceID("trc_" + g.next().String()) }

var defaultGen = NewGenerator()

// NewBootID generates a boot identifier from the default generator.
func NewBootID() BootID { return defaultGen.NewBootID() }

// NewTraceID generates a trace event identifier from the default generator.
func NewTraceID() TraceID { return defaultGen.NewTraceID() }
