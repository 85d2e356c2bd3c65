package negotiator

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/logger"
	rtc "github.com/camlink/camlink/pkg/webrtc"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const waitTime = 15 * time.Second

type fakeStream struct {
	track *webrtc.TrackLocalStaticSample
	done  chan struct{}
	once  sync.Once
}

func newFakeStream(t *testing.T, video bool) *fakeStream {
	s := &fakeStream{done: make(chan struct{})}
	t.Cleanup(s.Close)
	if !video {
		return s
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatal(err)
	}
	s.track = track
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 20 * time.Millisecond})
			}
		}
	}()
	return s
}

func (s *fakeStream) Track() webrtc.TrackLocal {
	if s.track == nil {
		return nil
	}
	return s.track
}
func (s *fakeStream) Frame() image.Image { return image.NewRGBA(image.Rect(0, 0, 4, 4)) }
func (s *fakeStream) Close()             { s.once.Do(func() { close(s.done) }) }

func newFactory(t *testing.T) *rtc.ApiFactory {
	t.Helper()
	f, err := rtc.NewApiFactory(rtc.LocalConfig(), logger.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func newPair(t *testing.T) (mobile, desktop *Negotiator) {
	t.Helper()
	f := newFactory(t)
	var err error
	if mobile, err = New(Initiator, f, logger.Nop()); err != nil {
		t.Fatal(err)
	}
	if desktop, err = New(Receiver, f, logger.Nop()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mobile.Close)
	t.Cleanup(desktop.Close)
	return
}

// relay delivers the descriptors of one side to the other in order,
// the same way the signaling server does.
func relay(t *testing.T, from, to *Negotiator) {
	ch := make(chan api.Descriptor, 64)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	from.OnSignal(func(d api.Descriptor) {
		select {
		case ch <- d:
		case <-done:
		}
	})
	go func() {
		for {
			select {
			case d := <-ch:
				if err := to.Signal(d); err != nil {
					t.Logf("signal %v: %v", d.Kind, err)
				}
			case <-done:
				return
			}
		}
	}()
}

func waitState(t *testing.T, n *Negotiator, state State) {
	t.Helper()
	deadline := time.Now().Add(waitTime)
	for time.Now().Before(deadline) {
		if n.State() == state {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%v is %v, not %v (%v)", n.Role(), n.State(), state, n.Err())
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name  string
		video bool
	}{
		{name: "video", video: true},
		{name: "data only", video: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mobile, desktop := newPair(t)
			relay(t, mobile, desktop)
			relay(t, desktop, mobile)

			streams := make(chan *webrtc.TrackRemote, 1)
			desktop.OnStream(func(track *webrtc.TrackRemote) {
				streams <- track
				buf := make([]byte, 1500)
				for {
					if _, _, err := track.Read(buf); err != nil {
						return
					}
				}
			})
			messages := make(chan []byte, 1)
			mobile.OnMessage(func(data []byte) { messages <- data })

			if err := mobile.Start(newFakeStream(t, test.video)); err != nil {
				t.Fatal(err)
			}

			waitState(t, desktop, Connected)
			waitState(t, mobile, Connected)

			if test.video {
				select {
				case track := <-streams:
					if track.Codec().MimeType != webrtc.MimeTypeVP8 {
						t.Errorf("wrong codec %v", track.Codec().MimeType)
					}
				case <-time.After(waitTime):
					t.Fatalf("no stream")
				}
			}

			// the channel may still be opening on the desktop side
			deadline := time.Now().Add(waitTime)
			for {
				err := desktop.Send([]byte("capture"))
				if err == nil {
					break
				}
				if !errors.Is(err, ErrNotReady) || time.Now().After(deadline) {
					t.Fatal(err)
				}
				time.Sleep(10 * time.Millisecond)
			}
			select {
			case msg := <-messages:
				if string(msg) != "capture" {
					t.Errorf("wrong message %s", msg)
				}
			case <-time.After(waitTime):
				t.Fatalf("no message")
			}
		})
	}
}

func TestRemoteClose(t *testing.T) {
	mobile, desktop := newPair(t)
	relay(t, mobile, desktop)
	relay(t, desktop, mobile)
	if err := mobile.Start(newFakeStream(t, false)); err != nil {
		t.Fatal(err)
	}
	waitState(t, desktop, Connected)

	mobile.Close()
	mobile.Close()
	if mobile.State() != Closed {
		t.Errorf("expected closed, got %v", mobile.State())
	}
	select {
	case <-desktop.Done():
	case <-time.After(waitTime):
		t.Fatalf("the remote close is not noticed")
	}
	if desktop.State() != Error || !errors.Is(desktop.Err(), ErrFailed) {
		t.Errorf("expected error, got %v %v", desktop.State(), desktop.Err())
	}
	if err := desktop.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
}

func TestCandidatesBeforeDescription(t *testing.T) {
	mobile, desktop := newPair(t)

	var (
		mu    sync.Mutex
		offer *api.Descriptor
		early []api.Descriptor
	)
	gathered := make(chan struct{})
	var gatherOnce sync.Once
	mobile.OnSignal(func(d api.Descriptor) {
		mu.Lock()
		defer mu.Unlock()
		if d.Kind == api.Offer {
			offer = &d
			return
		}
		early = append(early, d)
		gatherOnce.Do(func() { close(gathered) })
	})
	relay(t, desktop, mobile)

	if err := mobile.Start(newFakeStream(t, false)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gathered:
	case <-time.After(waitTime):
		t.Fatalf("no candidates")
	}

	mu.Lock()
	candidates, o := early, offer
	mu.Unlock()
	for _, c := range candidates {
		if err := desktop.Signal(c); err != nil {
			t.Fatal(err)
		}
	}
	desktop.sigMu.Lock()
	buffered := len(desktop.pending)
	desktop.sigMu.Unlock()
	if buffered != len(candidates) {
		t.Fatalf("expected %v buffered candidates, got %v", len(candidates), buffered)
	}
	if o == nil {
		t.Fatalf("no offer")
	}
	if err := desktop.Signal(*o); err != nil {
		t.Fatal(err)
	}
	waitState(t, desktop, Connected)
}

func TestUnexpectedDescriptors(t *testing.T) {
	answer, _ := api.NewDescriptor(api.Answer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	offer, _ := api.NewDescriptor(api.Offer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})

	tests := []struct {
		name string
		role Role
		d    api.Descriptor
		err  error
	}{
		{name: "answer to receiver", role: Receiver, d: answer, err: ErrUnexpected},
		{name: "offer to initiator", role: Initiator, d: offer, err: ErrUnexpected},
		{name: "unknown kind", role: Receiver, d: api.Descriptor{Kind: "bye", Payload: []byte(`{}`)}, err: ErrUnexpected},
		{name: "broken offer", role: Receiver, d: api.Descriptor{Kind: api.Offer, Payload: []byte(`[`)}, err: api.ErrMalformed},
	}

	f := newFactory(t)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			n, err := New(test.role, f, logger.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer n.Close()
			if err = n.Signal(test.d); !errors.Is(err, test.err) {
				t.Fatalf("expected %v, got %v", test.err, err)
			}
			if n.State() != Error {
				t.Errorf("expected error state, got %v", n.State())
			}
			if err = n.Signal(test.d); !errors.Is(err, ErrClosed) {
				t.Errorf("a failed negotiator takes signals: %v", err)
			}
		})
	}
}

func TestStartAsReceiver(t *testing.T) {
	n, err := New(Receiver, newFactory(t), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	if err = n.Start(nil); !errors.Is(err, ErrUnexpected) {
		t.Errorf("expected unexpected, got %v", err)
	}
	if err = n.Send([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected not ready, got %v", err)
	}
}

func TestStates(t *testing.T) {
	n, err := New(Initiator, newFactory(t), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var seen []State
	var mu sync.Mutex
	n.OnState(func(s State) { mu.Lock(); seen = append(seen, s); mu.Unlock() })

	n.setState(Connecting, nil)
	n.setState(Connected, nil)
	n.setState(Connecting, nil)
	n.setState(Error, ErrFailed)
	n.setState(Connected, nil)
	n.Close()
	n.setState(Error, ErrFailed)

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Connected, Error, Closed}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
	select {
	case <-n.Done():
	default:
		t.Errorf("not done")
	}
}

func TestDisconnectGrace(t *testing.T) {
	tests := []struct {
		name   string
		states []webrtc.PeerConnectionState
		want   State
	}{
		{name: "recovered",
			states: []webrtc.PeerConnectionState{webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateConnected},
			want:   Connected},
		{name: "gone",
			states: []webrtc.PeerConnectionState{webrtc.PeerConnectionStateDisconnected},
			want:   Error},
		{name: "failed",
			states: []webrtc.PeerConnectionState{webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed},
			want:   Error},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			n, err := New(Initiator, newFactory(t), logger.Nop())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(n.Close)
			n.grace = 30 * time.Millisecond
			n.setState(Connecting, nil)
			n.handleConnectionState(webrtc.PeerConnectionStateConnected)

			for _, s := range test.states {
				n.handleConnectionState(s)
			}
			if test.want == Connected && n.State() != Connected {
				t.Fatalf("a short disconnect is terminal: %v", n.State())
			}
			time.Sleep(100 * time.Millisecond)
			if n.State() != test.want {
				t.Errorf("expected %v, got %v (%v)", test.want, n.State(), n.Err())
			}
		})
	}
}
