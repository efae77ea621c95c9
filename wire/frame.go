// Package wire defines the frame envelope and payload types exchanged
// between a mousefox client and server, independent of the transport that
// carries them.
package wire

import (
	"encoding/json"
	"fmt"
)

// Protocol is the wire protocol version spoken by this package. A server
// rejects hellos that carry a different version.
const Protocol = 1

// FrameType discriminates the three frame shapes that cross a connection.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FramePush     FrameType = "push"
)

// Verb identifies the operation a request frame asks for, or the kind of a
// push frame.
type Verb string

const (
	VerbHello    Verb = "hello"
	VerbGames    Verb = "games"
	VerbCreate   Verb = "create"
	VerbJoin     Verb = "join"
	VerbLeave    Verb = "leave"
	VerbMove     Verb = "move"
	VerbSnapshot Verb = "snapshot"
	VerbClose    Verb = "close"
	VerbStatus   Verb = "status"
	VerbShutdown Verb = "shutdown"
)

const (
	PushUpdate  Verb = "update"
	PushEvicted Verb = "evicted"
)

// Frame is the envelope for every message on a connection. Requests carry
// Seq and Verb; the matching response echoes Seq and reports Code. Pushes
// carry a push kind in Verb and no Seq.
type Frame struct {
	Type    FrameType       `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Verb    Verb            `json:"verb,omitempty"`
	Code    Code            `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request frame, marshaling payload into Data. A nil
// payload leaves Data empty.
func NewRequest(seq uint64, verb Verb, payload any) (Frame, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s request: %w", verb, err)
	}
	return Frame{Type: FrameRequest, Seq: seq, Verb: verb, Data: data}, nil
}

// NewResponse answers the request with sequence seq.
func NewResponse(seq uint64, code Code, message string, payload any) (Frame, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode response: %w", err)
	}
	return Frame{Type: FrameResponse, Seq: seq, Code: code, Message: message, Data: data}, nil
}

// NewPush builds a push frame of the given kind.
func NewPush(kind Verb, payload any) (Frame, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s push: %w", kind, err)
	}
	return Frame{Type: FramePush, Verb: kind, Data: data}, nil
}

// Decode unmarshals the frame payload into dst. An empty payload is a no-op.
func (f Frame) Decode(dst any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}
