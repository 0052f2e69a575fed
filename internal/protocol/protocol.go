// Package protocol defines the framed JSON messages exchanged with the
// relay server over the control channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
)

// Type discriminates control messages.
type Type string

const (
	TypeCommand       Type = "command"
	TypeCommandResult Type = "commandResult"
	TypeTelemetry     Type = "telemetry"
	TypeSessionOffer  Type = "sessionOffer"
	TypeSessionAnswer Type = "sessionAnswer"
	TypeICECandidate  Type = "iceCandidate"
	TypeSessionClose  Type = "sessionClose"
	TypeOfferRequest  Type = "requestOffer"
	TypeError         Type = "error"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
)

// Envelope frames every message on the wire. Seq is unique per
// connection epoch across all message types.
type Envelope struct {
	Type    Type            `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandPayload carries a remote command for the device.
type CommandPayload struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
	IssuedAt   time.Time      `json:"issuedAt,omitempty"`
}

// Command outcome values reported back to the server.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// CommandResultPayload reports the outcome of one command.
type CommandResultPayload struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Result  any    `json:"result,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SessionOfferPayload carries an SDP offer from an operator client.
type SessionOfferPayload struct {
	SessionID string                     `json:"sessionId"`
	SDP       *webrtc.SessionDescription `json:"sdp"`
}

// SessionAnswerPayload carries the device's SDP answer.
type SessionAnswerPayload struct {
	SessionID string                     `json:"sessionId"`
	SDP       *webrtc.SessionDescription `json:"sdp"`
}

// ICECandidatePayload carries one ICE candidate in either direction.
type ICECandidatePayload struct {
	SessionID string                   `json:"sessionId"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// SessionClosePayload asks the device to tear down a media session.
type SessionClosePayload struct {
	SessionID string `json:"sessionId"`
}

// OfferRequestPayload asks the device to initiate an offer itself.
type OfferRequestPayload struct {
	SessionID string `json:"sessionId"`
}

// ErrorPayload reports a device-side failure to the server.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// PingPayload is a keepalive probe; Pong echoes the timestamp source.
type PingPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// PongPayload answers a ping with the device clock in unix millis.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Decode parses a raw frame into an envelope. A missing type field is
// a protocol error; an unrecognised type is not (the caller decides).
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type field")
	}
	return env, nil
}

// DecodePayload unmarshals the payload into a typed struct.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s payload missing", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a marshalled payload.
func NewEnvelope(t Type, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Type: t, Seq: seq}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Known reports whether t is a message type this device understands.
func Known(t Type) bool {
	switch t {
	case TypeCommand, TypeCommandResult, TypeTelemetry,
		TypeSessionOffer, TypeSessionAnswer, TypeICECandidate,
		TypeSessionClose, TypeOfferRequest, TypeError, TypePing, TypePong:
		return true
	}
	return false
}
