package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewCorrelationID().String(), "req_"))
	assert.True(t, strings.HasPrefix(NewSessionID().String(), "sess_"))
	assert.True(t, strings.HasPrefix(NewViewID().String(), "view_"))
}

func TestUniqueness(t *testing.T) {
	seen := make(map[CorrelationID]bool)
	for i := 0; i < 1000; i++ {
		id := NewCorrelationID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(NewCorrelationID().String()))
	assert.True(t, IsValid(NewGenerator().Generate().String()))
	assert.False(t, IsValid("req_not-a-ulid"))
	assert.False(t, IsValid("completely wrong"))
}

func TestGeneratorIsConcurrencySafe(t *testing.T) {
	g := NewGenerator()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				g.Generate()
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
