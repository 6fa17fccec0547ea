package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Kind discriminates the three envelope flavors on the wire.
type Kind string

const (
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
	KindEvent    Kind = "EVENT"
)

// processStart anchors the monotonic clock used for CreatedAt.
var processStart = time.Now()

// monotonicNow returns nanoseconds since process start from the
// monotonic clock; wall-clock jumps do not reorder envelopes.
func monotonicNow() int64 {
	return time.Since(processStart).Nanoseconds()
}

// Envelope is the unit of transport between the embedded runtime and
// host logic. Exactly one REQUEST with a given CorrelationID exists at
// a time per initiator; EVENT envelopes carry no correlation semantics.
type Envelope struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	Kind          Kind            `json:"kind"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
}

// NewRequest builds a REQUEST envelope.
func NewRequest(correlationID, action string, payload []byte) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		Kind:          KindRequest,
		Name:          action,
		Payload:       payload,
		CreatedAt:     monotonicNow(),
	}
}

// NewResponse builds the RESPONSE envelope resolving correlationID.
func NewResponse(correlationID, action string, result Result) Envelope {
	payload, _ := sonic.Marshal(result)
	return Envelope{
		CorrelationID: correlationID,
		Kind:          KindResponse,
		Name:          action,
		Payload:       payload,
		CreatedAt:     monotonicNow(),
	}
}

// NewEvent builds a fire-and-forget EVENT envelope.
func NewEvent(event string, payload []byte) Envelope {
	return Envelope{
		Kind:      KindEvent,
		Name:      event,
		Payload:   payload,
		CreatedAt: monotonicNow(),
	}
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeEnvelope parses an envelope, enforcing the size ceiling before
// touching the parser so oversized input costs nothing.
func DecodeEnvelope(data []byte, limit int) (Envelope, error) {
	if limit > 0 && len(data) > limit {
		return Envelope{}, PayloadTooLarge("", len(data), limit)
	}
	var e Envelope
	if err := sonic.Unmarshal(data, &e); err != nil {
		return Envelope{}, MalformedPayload("", err)
	}
	if e.Kind != KindRequest && e.Kind != KindResponse && e.Kind != KindEvent {
		return Envelope{}, MalformedPayload(e.Name, fmt.Errorf("unknown kind %q", e.Kind))
	}
	return e, nil
}

// Result is the logical answer to an action call: success with data or
// a typed failure.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    Code            `json:"code,omitempty"`
}

// OK wraps a successful payload.
func OK(data []byte) Result {
	return Result{Success: true, Data: data}
}

// Fail wraps a typed failure.
func Fail(f *Failure) Result {
	return Result{Success: false, Error: f.Message, Code: f.Code}
}

// Failure reconstructs the typed failure carried by a failed result.
func (r Result) Failure(action string) *Failure {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeInternalHandlerFault
	}
	return &Failure{Code: code, Message: r.Error, Action: action}
}

// Encode serializes the result.
func (r Result) Encode() []byte {
	data, _ := sonic.Marshal(r)
	return data
}

// DecodeResult parses a serialized Result.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := sonic.Unmarshal(data, &r); err != nil {
		return Result{}, MalformedPayload("", err)
	}
	return r, nil
}
