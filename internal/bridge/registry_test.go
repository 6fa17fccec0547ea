package bridge

import (
	"testing"

	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observedRegistry() (*Registry, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	log := &logging.Logger{Logger: zap.New(core)}
	return NewRegistry(log), logs
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := observedRegistry()
	r.Register("a", func([]byte) ([]byte, error) { return []byte("1"), nil })

	h, ok := r.Lookup("a")
	require.True(t, ok)
	data, err := h(nil)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegisterOverrideWarnsAndWins(t *testing.T) {
	r, logs := observedRegistry()
	r.Register("a", func([]byte) ([]byte, error) { return []byte("old"), nil })
	r.Register("a", func([]byte) ([]byte, error) { return []byte("new"), nil })

	h, ok := r.Lookup("a")
	require.True(t, ok)
	data, _ := h(nil)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, 1, r.Len())

	warns := logs.FilterMessage("handler overridden").All()
	require.Len(t, warns, 1)
	assert.Equal(t, zap.WarnLevel, warns[0].Level)
}

func TestRegisterIgnoresInvalid(t *testing.T) {
	r, _ := observedRegistry()
	r.Register("", func([]byte) ([]byte, error) { return nil, nil })
	r.Register("nilhandler", nil)
	assert.Equal(t, 0, r.Len())
}

func TestUnregister(t *testing.T) {
	r, _ := observedRegistry()
	r.Register("a", func([]byte) ([]byte, error) { return nil, nil })
	r.Unregister("a")
	_, ok := r.Lookup("a")
	assert.False(t, ok)

	// Unregistering a missing action is a no-op.
	r.Unregister("never")
}

func TestNames(t *testing.T) {
	r, _ := observedRegistry()
	r.Register("a", func([]byte) ([]byte, error) { return nil, nil })
	r.Register("b", func([]byte) ([]byte, error) { return nil, nil })
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
