package transport

import (
	"testing"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDispatcher answers every request with its own payload.
type echoDispatcher struct {
	lastAction string
	lastOrigin string
}

func (d *echoDispatcher) Dispatch(env bridge.Envelope, origin string) bridge.Result {
	d.lastAction = env.Name
	d.lastOrigin = origin
	return bridge.OK(env.Payload)
}

func (d *echoDispatcher) DispatchAsync(env bridge.Envelope, origin string, complete func(bridge.Result)) {
	complete(d.Dispatch(env, origin))
}

func encodeRequest(t *testing.T, correlationID, action string, payload []byte) []byte {
	t.Helper()
	body, err := bridge.NewRequest(correlationID, action, payload).Encode()
	require.NoError(t, err)
	return body
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"bridge://api/settings.get", "settings.get"},
		{"bridge:///api/settings.get", "settings.get"},
		{"bridge://api/server:time?cache=0", "server:time"},
		{"bridge://settings.get", "settings.get"},
		{"bridge://api/", ""},
		{"https://example.com/api/x", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAction(tt.url))
		})
	}
}

func TestInterceptDispatchesSynchronously(t *testing.T) {
	d := &echoDispatcher{}
	i := NewInterceptor("view_1", d, logging.NewNop())

	body := encodeRequest(t, "req_1", "echo", []byte(`{"n":1}`))
	data := i.Intercept("bridge://api/echo", body)
	res, err := bridge.DecodeResult(data)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"n":1}`, string(res.Data))
	assert.Equal(t, "echo", d.lastAction)
}

func TestInterceptCarriesViewOrigin(t *testing.T) {
	d := &echoDispatcher{}
	i := NewInterceptor("view_7", d, logging.NewNop())

	body := encodeRequest(t, "req_1", "echo", nil)
	data := i.Intercept("bridge://api/echo", body)
	res, err := bridge.DecodeResult(data)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "view_7", d.lastOrigin)
}

func TestInterceptRejectsForeignURL(t *testing.T) {
	i := NewInterceptor("view_1", &echoDispatcher{}, logging.NewNop())

	data := i.Intercept("https://example.com/", nil)
	res, err := bridge.DecodeResult(data)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.CodeMalformedPayload, res.Code)
}

func TestInterceptRejectsUndecodableBody(t *testing.T) {
	d := &echoDispatcher{}
	i := NewInterceptor("view_1", d, logging.NewNop())

	data := i.Intercept("bridge://api/echo", []byte(`{not json`))
	res, err := bridge.DecodeResult(data)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.CodeMalformedPayload, res.Code)
	assert.Empty(t, d.lastAction)
}

func TestInterceptRejectsActionMismatch(t *testing.T) {
	d := &echoDispatcher{}
	i := NewInterceptor("view_1", d, logging.NewNop())

	body := encodeRequest(t, "req_1", "other", nil)
	data := i.Intercept("bridge://api/echo", body)
	res, err := bridge.DecodeResult(data)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.CodeMalformedPayload, res.Code)
	assert.Empty(t, d.lastAction)
}

func TestInterceptorDeliver(t *testing.T) {
	i := NewInterceptor("view_1", &echoDispatcher{}, logging.NewNop())

	// Unbound runtime refuses delivery.
	err := i.Deliver(bridge.NewEvent("tick", nil))
	require.Error(t, err)

	var got []bridge.Envelope
	i.BindRuntime(func(env bridge.Envelope) error {
		got = append(got, env)
		return nil
	})
	require.NoError(t, i.Deliver(bridge.NewEvent("tick", nil)))
	require.Len(t, got, 1)
	assert.Equal(t, "tick", got[0].Name)

	require.NoError(t, i.Close())
	assert.Error(t, i.Deliver(bridge.NewEvent("tick", nil)))
}
