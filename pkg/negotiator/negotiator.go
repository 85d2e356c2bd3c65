// Package negotiator drives a peer-to-peer connection through the signaling relay.
//
// The initiator (mobile) supplies the camera stream and makes the offer,
// the receiver (desktop) answers it and consumes the stream.
// Descriptors go out through OnSignal and come in through Signal,
// ICE candidates are trickled as soon as they are gathered.
package negotiator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/camera"
	"github.com/camlink/camlink/pkg/logger"
	rtc "github.com/camlink/camlink/pkg/webrtc"
	"github.com/pion/webrtc/v4"
)

// DataChannel is the label of the command channel.
const DataChannel = "capture"

// DisconnectGrace is how long a disconnected peer may take to come back
// before the connection fails.
const DisconnectGrace = 5 * time.Second

type Role uint8

const (
	Initiator Role = iota
	Receiver
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "receiver"
}

type State uint8

const (
	StateNew State = iota
	Connecting
	Connected
	Error
	Closed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Terminal tells if nothing can happen after the state.
func (s State) Terminal() bool { return s == Error || s == Closed }

var (
	ErrClosed     = errors.New("negotiator closed")
	ErrNotReady   = errors.New("data channel is not open")
	ErrUnexpected = errors.New("unexpected descriptor")
	ErrFailed     = errors.New("peer connection failed")
)

type Negotiator struct {
	role Role
	conn *webrtc.PeerConnection
	log  *logger.Logger

	mu       sync.Mutex
	state    State
	err      error
	dc       *webrtc.DataChannel
	hasVideo bool
	done     chan struct{}

	// peer is the last state of the peer connection
	peer  webrtc.PeerConnectionState
	grace time.Duration

	onSignal  func(api.Descriptor)
	onState   func(State)
	onStream  func(*webrtc.TrackRemote)
	onMessage func([]byte)

	// remote candidates wait here for the remote description
	sigMu     sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// local candidates wait here for the local description to go out
	emitMu    sync.Mutex
	described bool
	outgoing  []api.Descriptor

	closeOnce sync.Once
}

func New(role Role, factory *rtc.ApiFactory, log *logger.Logger) (*Negotiator, error) {
	conn, err := factory.NewPeer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	n := &Negotiator{
		role: role,
		conn: conn,
		log:   log.Extend(log.With().Str("mod", "rtc").Str("role", role.String())),
		done:  make(chan struct{}),
		grace: DisconnectGrace,
	}
	conn.OnICECandidate(n.handleICECandidate)
	conn.OnConnectionStateChange(n.handleConnectionState)
	if role == Receiver {
		conn.OnTrack(n.handleTrack)
		conn.OnDataChannel(func(ch *webrtc.DataChannel) {
			if ch.Label() != DataChannel {
				n.log.Warn().Str("label", ch.Label()).Msg("unknown data channel")
				return
			}
			n.bind(ch)
		})
	}
	return n, nil
}

// OnSignal sets the handler of the local descriptors, each of them
// should be delivered to the remote side in order.
func (n *Negotiator) OnSignal(fn func(api.Descriptor)) { n.mu.Lock(); n.onSignal = fn; n.mu.Unlock() }

func (n *Negotiator) OnState(fn func(State)) { n.mu.Lock(); n.onState = fn; n.mu.Unlock() }

// OnStream sets the handler of the remote video.
// The handler must read the track until it fails.
func (n *Negotiator) OnStream(fn func(*webrtc.TrackRemote)) { n.mu.Lock(); n.onStream = fn; n.mu.Unlock() }

// OnMessage sets the handler of the data channel messages.
func (n *Negotiator) OnMessage(fn func([]byte)) { n.mu.Lock(); n.onMessage = fn; n.mu.Unlock() }

func (n *Negotiator) Role() Role { return n.role }

func (n *Negotiator) State() State { n.mu.Lock(); defer n.mu.Unlock(); return n.state }

// Err is the reason of the error state.
func (n *Negotiator) Err() error { n.mu.Lock(); defer n.mu.Unlock(); return n.err }

// Done is closed when the negotiator reaches a terminal state.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Start makes the offer with the stream video (if any) and the command channel.
func (n *Negotiator) Start(stream camera.Stream) error {
	if n.role != Initiator {
		return fmt.Errorf("%w: receiver can't start", ErrUnexpected)
	}
	if n.State() != StateNew {
		return ErrClosed
	}
	n.setState(Connecting, nil)

	if stream != nil {
		if track := stream.Track(); track != nil {
			sender, err := n.conn.AddTrack(track)
			if err != nil {
				return n.fail(err)
			}
			// Read incoming RTCP packets
			go func() {
				rtcpBuf := make([]byte, 1500)
				for {
					if _, _, err := sender.Read(rtcpBuf); err != nil {
						return
					}
				}
			}()
			n.log.Debug().Msgf("Added [%s] track", track.Kind())
		}
	}

	ch, err := n.conn.CreateDataChannel(DataChannel, nil)
	if err != nil {
		return n.fail(err)
	}
	n.bind(ch)

	offer, err := n.conn.CreateOffer(nil)
	if err != nil {
		return n.fail(err)
	}
	if err = n.conn.SetLocalDescription(offer); err != nil {
		return n.fail(err)
	}
	n.log.Debug().Msg("Created Offer")
	return n.describe(api.Offer, offer)
}

// Signal feeds a remote descriptor.
// Any failure is terminal for the negotiator.
func (n *Negotiator) Signal(d api.Descriptor) error {
	n.sigMu.Lock()
	defer n.sigMu.Unlock()

	if n.State().Terminal() {
		return ErrClosed
	}

	switch d.Kind {
	case api.Offer:
		if n.role != Receiver {
			return n.fail(fmt.Errorf("%w: offer to the initiator", ErrUnexpected))
		}
		sd, err := api.UnwrapChecked[webrtc.SessionDescription](d.Payload)
		if err != nil {
			return n.fail(err)
		}
		n.mu.Lock()
		n.hasVideo = strings.Contains(sd.SDP, "m=video")
		n.mu.Unlock()
		if err = n.setRemote(*sd); err != nil {
			return n.fail(err)
		}
		n.setState(Connecting, nil)
		answer, err := n.conn.CreateAnswer(nil)
		if err != nil {
			return n.fail(err)
		}
		if err = n.conn.SetLocalDescription(answer); err != nil {
			return n.fail(err)
		}
		n.log.Debug().Msg("Created Answer")
		return n.describe(api.Answer, answer)
	case api.Answer:
		if n.role != Initiator {
			return n.fail(fmt.Errorf("%w: answer to the receiver", ErrUnexpected))
		}
		sd, err := api.UnwrapChecked[webrtc.SessionDescription](d.Payload)
		if err != nil {
			return n.fail(err)
		}
		if err = n.setRemote(*sd); err != nil {
			return n.fail(err)
		}
		n.log.Debug().Msg("Set Remote Description")
	case api.IceCandidate:
		c, err := api.UnwrapChecked[webrtc.ICECandidateInit](d.Payload)
		if err != nil {
			return n.fail(err)
		}
		if !n.remoteSet {
			n.pending = append(n.pending, *c)
			return nil
		}
		if err = n.conn.AddICECandidate(*c); err != nil {
			return n.fail(err)
		}
		n.log.Debug().Str("candidate", c.Candidate).Msg("Ice")
	default:
		return n.fail(fmt.Errorf("%w: %q", ErrUnexpected, d.Kind))
	}
	return nil
}

// setRemote applies the description and the candidates that came before it.
// Must be called under sigMu.
func (n *Negotiator) setRemote(sd webrtc.SessionDescription) error {
	if err := n.conn.SetRemoteDescription(sd); err != nil {
		return err
	}
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.conn.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// describe sends the local description and then every candidate gathered so far.
func (n *Negotiator) describe(kind api.DescriptorKind, sd webrtc.SessionDescription) error {
	d, err := api.NewDescriptor(kind, sd)
	if err != nil {
		return n.fail(err)
	}
	n.emitMu.Lock()
	defer n.emitMu.Unlock()
	n.emit(d)
	n.described = true
	for _, c := range n.outgoing {
		n.emit(c)
	}
	n.outgoing = nil
	return nil
}

func (n *Negotiator) emit(d api.Descriptor) {
	n.mu.Lock()
	fn := n.onSignal
	n.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (n *Negotiator) handleICECandidate(ice *webrtc.ICECandidate) {
	// ICE gathering finish condition
	if ice == nil {
		n.log.Debug().Msg("ICE gathering was complete probably")
		return
	}
	candidate := ice.ToJSON()
	d, err := api.NewDescriptor(api.IceCandidate, candidate)
	if err != nil {
		n.log.Error().Err(err).Msg("candidate")
		return
	}
	n.emitMu.Lock()
	defer n.emitMu.Unlock()
	if !n.described {
		n.outgoing = append(n.outgoing, d)
		return
	}
	n.emit(d)
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	n.log.Debug().Str(".state", state.String()).Msg("peer")
	n.mu.Lock()
	n.peer = state
	grace := n.grace
	n.mu.Unlock()
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if n.role == Initiator {
			n.setState(Connected, nil)
		}
	case webrtc.PeerConnectionStateFailed:
		n.log.Error().Msgf("WebRTC connection fail! ice: %v, gathering: %v, signalling: %v",
			n.conn.ICEConnectionState(), n.conn.ICEGatheringState(), n.conn.SignalingState())
		n.setState(Error, ErrFailed)
	case webrtc.PeerConnectionStateDisconnected:
		// usually a short network hiccup, ICE may recover
		time.AfterFunc(grace, func() {
			n.mu.Lock()
			still := n.peer == webrtc.PeerConnectionStateDisconnected
			n.mu.Unlock()
			if still {
				n.setState(Error, fmt.Errorf("%w: %v for %v", ErrFailed, state, grace))
			}
		})
	case webrtc.PeerConnectionStateClosed:
		n.setState(Error, fmt.Errorf("%w: %v", ErrFailed, state))
	}
}

func (n *Negotiator) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	n.log.Debug().Str("codec", track.Codec().MimeType).Msg("remote track")
	n.mu.Lock()
	fn := n.onStream
	n.mu.Unlock()
	n.setState(Connected, nil)
	if fn == nil {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}
	fn(track)
}

// bind attaches the command channel.
// Default params -- ordered: true, negotiated: false.
func (n *Negotiator) bind(ch *webrtc.DataChannel) {
	ch.OnOpen(func() {
		n.log.Debug().Str("label", ch.Label()).Msg("Data channel opened")
		n.mu.Lock()
		dataOnly := n.role == Receiver && !n.hasVideo
		n.mu.Unlock()
		if dataOnly {
			n.setState(Connected, nil)
		}
	})
	ch.OnError(func(err error) { n.log.Error().Err(err).Msg("data channel") })
	ch.OnMessage(func(m webrtc.DataChannelMessage) {
		if len(m.Data) == 0 {
			return
		}
		n.mu.Lock()
		fn := n.onMessage
		n.mu.Unlock()
		if fn != nil {
			fn(m.Data)
		}
	})
	ch.OnClose(func() {
		n.log.Debug().Msg("Data channel has been closed")
		n.setState(Error, fmt.Errorf("%w: remote close", ErrFailed))
	})
	n.mu.Lock()
	n.dc = ch
	n.mu.Unlock()
}

// Send writes a message into the command channel.
func (n *Negotiator) Send(data []byte) error {
	n.mu.Lock()
	ch, state := n.dc, n.state
	n.mu.Unlock()
	if state.Terminal() {
		return ErrClosed
	}
	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotReady
	}
	return ch.Send(data)
}

func (n *Negotiator) fail(err error) error {
	n.setState(Error, err)
	return err
}

// setState moves the state forward, the terminal ones are never left
// except the error which may be closed.
func (n *Negotiator) setState(s State, err error) {
	n.mu.Lock()
	if n.state == s || n.state == Closed || (n.state == Error && s != Closed) {
		n.mu.Unlock()
		return
	}
	// no way back to connecting
	if n.state == Connected && s == Connecting {
		n.mu.Unlock()
		return
	}
	wasTerminal := n.state.Terminal()
	n.state = s
	if err != nil {
		n.err = err
	}
	fn := n.onState
	n.mu.Unlock()

	if s.Terminal() && !wasTerminal {
		close(n.done)
	}
	if s == Error {
		n.log.Warn().Err(err).Msg("negotiation error")
	} else {
		n.log.Debug().Str(".state", s.String()).Msg("negotiator")
	}
	if fn != nil {
		fn(s)
	}
}

// Close destroys the peer connection.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.setState(Closed, nil)
		if err := n.conn.Close(); err != nil {
			n.log.Debug().Err(err).Msg("close")
		}
	})
}
