package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"nested object", `{"user":{"name":"ada","tags":["a","b"],"meta":{"depth":3}}}`},
		{"array", `[1,2,3,[4,[5]]]`},
		{"unicode", `{"text":"héllo wörld 日本語 🚀"}`},
		{"scalar", `42`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewRequest("req_1", "test.action", []byte(tt.payload))
			data, err := env.Encode()
			require.NoError(t, err)

			decoded, err := DecodeEnvelope(data, 1<<20)
			require.NoError(t, err)
			assert.Equal(t, env.CorrelationID, decoded.CorrelationID)
			assert.Equal(t, KindRequest, decoded.Kind)
			assert.Equal(t, env.Name, decoded.Name)
			assert.JSONEq(t, tt.payload, string(decoded.Payload))
			assert.Equal(t, env.CreatedAt, decoded.CreatedAt)
		})
	}
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	env := NewEvent("tick", nil)
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data, 0)
	require.NoError(t, err)
	assert.Empty(t, decoded.Payload)
	assert.Equal(t, KindEvent, decoded.Kind)
}

func TestDecodeEnvelopeRejectsOversizedBeforeParse(t *testing.T) {
	// Not even valid JSON; the size check must fire first.
	junk := make([]byte, 129)
	_, err := DecodeEnvelope(junk, 128)
	require.Error(t, err)
	assert.Equal(t, CodePayloadTooLarge, err.(*Failure).Code)
}

func TestDecodeEnvelopeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"kind":"SIDEWAYS","name":"x"}`), 0)
	require.Error(t, err)
	assert.Equal(t, CodeMalformedPayload, err.(*Failure).Code)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{{{`), 0)
	require.Error(t, err)
	assert.Equal(t, CodeMalformedPayload, err.(*Failure).Code)
}

func TestCreatedAtIsMonotonic(t *testing.T) {
	a := NewRequest("req_1", "x", nil)
	b := NewRequest("req_2", "x", nil)
	assert.LessOrEqual(t, a.CreatedAt, b.CreatedAt)
}

func TestResultFailureReconstruction(t *testing.T) {
	res := Fail(TimeoutFailure("server:slow"))
	f := res.Failure("server:slow")
	require.NotNil(t, f)
	assert.Equal(t, CodeTimeout, f.Code)

	ok := OK([]byte(`1`))
	assert.Nil(t, ok.Failure("x"))
}
