// Package relay carries bridge requests that cannot be satisfied
// locally to the authoritative process and routes the answers back to
// the correlation engine.
package relay

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

const (
	// MaxBodyBytes caps request/response packets on both ends.
	MaxBodyBytes = 1 << 20
	// MaxEventBytes caps event payloads on both ends.
	MaxEventBytes = 64 << 10
	// compressThreshold is the payload size above which gzip is applied.
	compressThreshold = 4 << 10
)

// kindEvent discriminates authority pushes from correlated responses on
// the inbound stream. Responses carry no kind field.
const kindEvent = "EVENT"

// ActionPacket is the outbound host → authority message. SessionID lets
// the authority enforce per-session authorization and address the reply
// when several sessions share one host instance. Payload holds raw JSON
// unless Compressed is set, in which case it is gzip-compressed JSON.
type ActionPacket struct {
	CorrelationID string `json:"correlationId"`
	Action        string `json:"action"`
	Payload       []byte `json:"payload,omitempty"`
	SessionID     string `json:"sessionId"`
	Compressed    bool   `json:"compressed,omitempty"`
}

// ResponsePacket is the inbound authority → host message answering one
// ActionPacket.
type ResponsePacket struct {
	CorrelationID string      `json:"correlationId"`
	Success       bool        `json:"success"`
	Data          []byte      `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	Code          bridge.Code `json:"code,omitempty"`
	Compressed    bool        `json:"compressed,omitempty"`
}

// EventPacket is the uncorrelated authority → host push. The host fans
// it out to attached web views through the engine's broadcast path.
type EventPacket struct {
	Kind       string `json:"kind"`
	Event      string `json:"event"`
	Payload    []byte `json:"payload,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
}

// EncodeAction serializes an action packet, compressing large payloads.
// The body ceiling applies to the payload before compression; gzip must
// not smuggle an oversized payload past the far end.
func EncodeAction(correlationID, action string, payload []byte, sessionID string) ([]byte, error) {
	if len(payload) > MaxBodyBytes {
		return nil, bridge.PayloadTooLarge(action, len(payload), MaxBodyBytes)
	}
	pkt := ActionPacket{
		CorrelationID: correlationID,
		Action:        action,
		Payload:       payload,
		SessionID:     sessionID,
	}
	if len(payload) > compressThreshold {
		compressed, err := deflate(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		pkt.Payload = compressed
		pkt.Compressed = true
	}

	data, err := sonic.Marshal(pkt)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBodyBytes {
		return nil, bridge.PayloadTooLarge(action, len(data), MaxBodyBytes)
	}
	return data, nil
}

// DecodeAction parses an action packet, enforcing the size ceiling
// before the parser runs and normalizing Payload back to raw JSON.
func DecodeAction(data []byte) (ActionPacket, error) {
	if len(data) > MaxBodyBytes {
		return ActionPacket{}, bridge.PayloadTooLarge("", len(data), MaxBodyBytes)
	}
	var pkt ActionPacket
	if err := sonic.Unmarshal(data, &pkt); err != nil {
		return ActionPacket{}, bridge.MalformedPayload("", err)
	}
	if pkt.Compressed {
		payload, err := inflate(pkt.Payload, MaxBodyBytes)
		if err != nil {
			return ActionPacket{}, inflateFailure(pkt.Action, err)
		}
		pkt.Payload = payload
		pkt.Compressed = false
	}
	return pkt, nil
}

// EncodeResponse serializes a response packet from a bridge result.
func EncodeResponse(correlationID string, res bridge.Result) ([]byte, error) {
	if len(res.Data) > MaxBodyBytes {
		return nil, bridge.PayloadTooLarge("", len(res.Data), MaxBodyBytes)
	}
	pkt := ResponsePacket{
		CorrelationID: correlationID,
		Success:       res.Success,
		Data:          res.Data,
		Error:         res.Error,
		Code:          res.Code,
	}
	if len(pkt.Data) > compressThreshold {
		compressed, err := deflate(pkt.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to compress response: %w", err)
		}
		pkt.Data = compressed
		pkt.Compressed = true
	}

	data, err := sonic.Marshal(pkt)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBodyBytes {
		return nil, bridge.PayloadTooLarge("", len(data), MaxBodyBytes)
	}
	return data, nil
}

// DecodeResponse parses a response packet with the same guards as
// DecodeAction.
func DecodeResponse(data []byte) (ResponsePacket, error) {
	if len(data) > MaxBodyBytes {
		return ResponsePacket{}, bridge.PayloadTooLarge("", len(data), MaxBodyBytes)
	}
	var pkt ResponsePacket
	if err := sonic.Unmarshal(data, &pkt); err != nil {
		return ResponsePacket{}, bridge.MalformedPayload("", err)
	}
	if pkt.Compressed {
		payload, err := inflate(pkt.Data, MaxBodyBytes)
		if err != nil {
			return ResponsePacket{}, inflateFailure("", err)
		}
		pkt.Data = payload
		pkt.Compressed = false
	}
	return pkt, nil
}

// EncodeEvent serializes an authority push, with the event ceiling
// applied to the payload before compression.
func EncodeEvent(event string, payload []byte) ([]byte, error) {
	if len(payload) > MaxEventBytes {
		return nil, bridge.PayloadTooLarge(event, len(payload), MaxEventBytes)
	}
	pkt := EventPacket{
		Kind:    kindEvent,
		Event:   event,
		Payload: payload,
	}
	if len(payload) > compressThreshold {
		compressed, err := deflate(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress event: %w", err)
		}
		pkt.Payload = compressed
		pkt.Compressed = true
	}
	return sonic.Marshal(pkt)
}

// DecodeEvent parses an authority push, enforcing the event ceiling on
// the decompressed payload.
func DecodeEvent(data []byte) (EventPacket, error) {
	if len(data) > MaxBodyBytes {
		return EventPacket{}, bridge.PayloadTooLarge("", len(data), MaxBodyBytes)
	}
	var pkt EventPacket
	if err := sonic.Unmarshal(data, &pkt); err != nil {
		return EventPacket{}, bridge.MalformedPayload("", err)
	}
	if pkt.Compressed {
		payload, err := inflate(pkt.Payload, MaxEventBytes)
		if err != nil {
			return EventPacket{}, inflateFailure(pkt.Event, err)
		}
		pkt.Payload = payload
		pkt.Compressed = false
	}
	if len(pkt.Payload) > MaxEventBytes {
		return EventPacket{}, bridge.PayloadTooLarge(pkt.Event, len(pkt.Payload), MaxEventBytes)
	}
	return pkt, nil
}

// isEvent sniffs the inbound discriminator without a full parse.
func isEvent(data []byte) bool {
	var head struct {
		Kind string `json:"kind"`
	}
	return sonic.Unmarshal(data, &head) == nil && head.Kind == kindEvent
}

// Result converts the inbound packet into the engine's completion
// value.
func (p ResponsePacket) Result() bridge.Result {
	return bridge.Result{
		Success: p.Success,
		Data:    p.Data,
		Error:   p.Error,
		Code:    p.Code,
	}
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses at most limit bytes and rejects streams that
// would expand past it. Truncating instead would hand corrupted
// payloads to handlers.
func inflate(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, bridge.PayloadTooLarge("", len(out), limit)
	}
	return out, nil
}

// inflateFailure tags an inflate error with the originating name,
// keeping typed failures typed.
func inflateFailure(name string, err error) *bridge.Failure {
	if f, ok := err.(*bridge.Failure); ok {
		f.Action = name
		return f
	}
	return bridge.MalformedPayload(name, err)
}
