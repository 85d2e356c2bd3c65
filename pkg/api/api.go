// Package api defines the signaling protocol shared by the server and its clients.
//
// Each message is a JSON-encoded "packet" of the following structure:
//
//	t - (required) one of the predefined event kinds;
//	p - (optional) event payload.
//
// The kind is the discriminant of a tagged variant: every kind has exactly one payload
// type (or none), and packets are validated against it at the boundary with Decode,
// so that a malformed message fails fast with a clear error instead of traveling further.
//
// Example:
//
//	{"t":"signal","p":{"sessionId":"0b7c...","signal":{"kind":"offer","payload":{"type":"offer","sdp":"..."}}}}
package api

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind is an event kind.
type Kind string

const (
	CreateSession        Kind = "create-session"
	SessionCreated       Kind = "session-created"
	JoinSession          Kind = "join-session"
	MobileConnected      Kind = "mobile-connected"
	ConnectionSuccessful Kind = "connection-successful"
	SessionNotFound      Kind = "session-not-found"
	Signal               Kind = "signal"
	SessionTimeout       Kind = "session-timeout"
	PeerDisconnected     Kind = "peer-disconnected"
	Error                Kind = "error"
)

// IsRequest tells if the kind can be sent by a client.
func (k Kind) IsRequest() bool { return k == CreateSession || k == JoinSession || k == Signal }

// IsKnown tells if the kind is a part of the protocol.
func (k Kind) IsKnown() bool {
	switch k {
	case CreateSession, SessionCreated, JoinSession, MobileConnected, ConnectionSuccessful,
		SessionNotFound, Signal, SessionTimeout, PeerDisconnected, Error:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// In is an incoming packet with the payload left raw for the second pass.
type In struct {
	T       Kind            `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// Out is an outgoing packet.
type Out struct {
	T       Kind `json:"t"`
	Payload any  `json:"p,omitempty"`
}

var (
	ErrMalformed   = errors.New("malformed")
	ErrUnknownKind = errors.New("unknown event")
)

// Encode makes a wire packet.
func Encode(t Kind, payload any) ([]byte, error) { return json.Marshal(Out{T: t, Payload: payload}) }

// Decode parses and validates a packet sent by a client.
// The returned error wraps either ErrMalformed or ErrUnknownKind.
func Decode(data []byte) (In, error) {
	var in In
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.T == "" {
		return in, fmt.Errorf("%w: no event kind", ErrMalformed)
	}
	if !in.T.IsRequest() {
		return in, fmt.Errorf("%w: %q", ErrUnknownKind, in.T)
	}
	return in, in.validate()
}

// DecodeEvent parses a packet sent by the server.
func DecodeEvent(data []byte) (In, error) {
	var in In
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !in.T.IsKnown() {
		return in, fmt.Errorf("%w: %q", ErrUnknownKind, in.T)
	}
	return in, nil
}

func (in In) validate() error {
	switch in.T {
	case CreateSession:
		if len(in.Payload) == 0 || string(in.Payload) == "null" {
			return nil
		}
		if _, err := UnwrapChecked[CreateSessionRequest](in.Payload); err != nil {
			return err
		}
	case JoinSession:
		rq, err := UnwrapChecked[JoinSessionRequest](in.Payload)
		if err != nil {
			return err
		}
		if rq.SessionId == "" {
			return fmt.Errorf("%w: no session id", ErrMalformed)
		}
	case Signal:
		rq, err := UnwrapChecked[SignalRequest](in.Payload)
		if err != nil {
			return err
		}
		return rq.Validate()
	}
	return nil
}

// Unwrap decodes the payload into T or returns nil.
func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// UnwrapChecked decodes the payload into T.
func UnwrapChecked[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no payload", ErrMalformed)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
