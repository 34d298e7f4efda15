package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	maxPayloadSize     = 10 * 1024 * 1024 // 10MB max inbound payload size
	maxOutgoingPayload = 4096             // the gateway rejects larger commands
)

// Payload is the envelope of every gateway message.
type Payload struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence *int64          `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

type outgoing struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

// Encode wraps data in an envelope for opcode op.
func Encode(op int, data any) ([]byte, error) {
	out, err := json.Marshal(outgoing{Op: op, Data: data})
	if err != nil {
		return nil, err
	}
	if len(out) > maxOutgoingPayload {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(out), maxOutgoingPayload)
	}
	return out, nil
}

// Decode parses a gateway message. Binary messages are zlib compressed
// payloads and are inflated first.
func Decode(data []byte, binary bool) (*Payload, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	if binary {
		inflated, err := Inflate(data)
		if err != nil {
			return nil, err
		}
		data = inflated
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// Inflate decompresses one zlib stream, refusing output above the inbound limit.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	if n > maxPayloadSize {
		return nil, fmt.Errorf("inflated payload exceeds maximum %d bytes", maxPayloadSize)
	}
	return buf.Bytes(), nil
}
