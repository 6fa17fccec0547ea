// Package id provides centralized ID generation for the bridge.
//
// Correlation IDs must be unique per in-flight request and cheap to
// generate from the issuing context; ULIDs give both plus lexicographic
// sortability, which keeps pending-table dumps readable in order of
// issuance. Prefixes make log lines self-describing (req_*, sess_*,
// view_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CorrelationID links a request to its eventual response.
type CorrelationID string

// SessionID identifies an authority session.
type SessionID string

// ViewID identifies an attached web-view instance.
type ViewID string

const (
	CorrelationPrefix = "req"
	SessionPrefix     = "sess"
	ViewPrefix        = "view"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // entropy readers are not goroutine-safe
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy
// source, useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewCorrelationID generates a correlation ID for an outbound request.
func NewCorrelationID() CorrelationID {
	return CorrelationID(Default().GenerateWithPrefix(CorrelationPrefix))
}

// NewSessionID generates a session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewViewID generates a web-view instance ID.
func NewViewID() ViewID {
	return ViewID(Default().GenerateWithPrefix(ViewPrefix))
}

func (id CorrelationID) String() string { return string(id) }
func (id SessionID) String() string     { return string(id) }
func (id ViewID) String() string        { return string(id) }

// IsValid checks whether the part after the prefix parses as a ULID.
func IsValid(id string) bool {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			_, err := ulid.Parse(id[i+1:])
			return err == nil
		}
	}
	_, err := ulid.Parse(id)
	return err == nil
}
