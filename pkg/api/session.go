package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Pairing modes select the expiry window of a new session.
const (
	ModeDefault = ""
	ModeQR      = "qr"
)

type (
	CreateSessionRequest struct {
		Mode string `json:"mode,omitempty"`
	}
	SessionCreatedResponse struct {
		SessionId string `json:"sessionId"`
	}
	JoinSessionRequest struct {
		SessionId string `json:"sessionId"`
	}
	// SignalRequest carries a connection descriptor to the other peer of a session.
	// The Signal field is kept raw, the server relays it without touching.
	SignalRequest struct {
		SessionId string          `json:"sessionId"`
		Signal    json.RawMessage `json:"signal"`
	}
	ErrorResponse struct {
		Kind    string `json:"kind"`
		Message string `json:"message,omitempty"`
	}
)

// Error kinds of the ErrorResponse.
const (
	ErrKindMalformed = "malformed"
	ErrKindUnknown   = "unknown-event"
	ErrKindNotMember = "not-member"
	ErrKindInternal  = "internal"
)

// DescriptorKind is a kind of the peer connection descriptor.
type DescriptorKind string

const (
	Offer        DescriptorKind = "offer"
	Answer       DescriptorKind = "answer"
	IceCandidate DescriptorKind = "ice-candidate"
)

// Descriptor is a peer connection description exchanged through the relay,
// either a session description (offer/answer) or a trickled ICE candidate.
type Descriptor struct {
	Kind    DescriptorKind  `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (d Descriptor) Validate() error {
	switch d.Kind {
	case Offer, Answer, IceCandidate:
	default:
		return fmt.Errorf("%w: bad descriptor kind %q", ErrMalformed, d.Kind)
	}
	if len(d.Payload) == 0 {
		return fmt.Errorf("%w: empty descriptor", ErrMalformed)
	}
	return nil
}

func (s SignalRequest) Validate() error {
	if s.SessionId == "" {
		return fmt.Errorf("%w: no session id", ErrMalformed)
	}
	d, err := UnwrapChecked[Descriptor](s.Signal)
	if err != nil {
		return err
	}
	return d.Validate()
}

// Descriptor decodes the relayed signal.
func (s SignalRequest) Descriptor() (Descriptor, error) {
	d, err := UnwrapChecked[Descriptor](s.Signal)
	if err != nil {
		return Descriptor{}, err
	}
	return *d, d.Validate()
}

// NewDescriptor wraps a value into a descriptor.
func NewDescriptor(kind DescriptorKind, v any) (Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Kind: kind, Payload: b}, nil
}
