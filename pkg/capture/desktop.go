package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/logger"
)

// RemoteTimeout limits the shutter requests of the remote stills.
const RemoteTimeout = 10 * time.Second

// Sink takes the stills nobody waits for.
type Sink func(*Still)

// Desktop is the receiver side coordinator.
// It shows the remote stills on its surface if it has no other one.
type Desktop struct {
	ch      Channel
	surface Surface
	last    LastFrame
	sink    Sink
	log     *logger.Logger

	mu      sync.Mutex
	id      uint32
	waiting map[uint32]chan result
	parts   map[uint32]*assembly
}

type result struct {
	still *Still
	err   error
}

type assembly struct {
	next int
	buf  bytes.Buffer
}

// NewDesktop makes the coordinator. A nil surface means that
// the last remote still is used as the local frame.
func NewDesktop(ch Channel, surface Surface, sink Sink, log *logger.Logger) *Desktop {
	d := &Desktop{
		ch:      ch,
		surface: surface,
		sink:    sink,
		log:     log.Extend(log.With().Str("mod", "capture")),
		waiting: make(map[uint32]chan result),
		parts:   make(map[uint32]*assembly),
	}
	if d.surface == nil {
		d.surface = &d.last
	}
	ch.OnMessage(d.handle)
	return d
}

// Capture grabs the frame that is shown now.
func (d *Desktop) Capture() (*Still, error) { return Grab(d.surface) }

// RequestRemote asks the mobile for a still and waits for it.
func (d *Desktop) RequestRemote(ctx context.Context) (*Still, error) {
	d.mu.Lock()
	d.id++
	if d.id == 0 {
		d.id++
	}
	id := d.id
	wait := make(chan result, 1)
	d.waiting[id] = wait
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiting, id)
		delete(d.parts, id)
		d.mu.Unlock()
	}()

	msg, err := Message{T: Capture, Id: id}.encode()
	if err != nil {
		return nil, err
	}
	if err = d.ch.Send(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	select {
	case r := <-wait:
		return r.still, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Desktop) handle(data []byte) {
	m, err := decode(data)
	if err != nil {
		d.log.Warn().Err(err).Msg("bad capture message")
		return
	}
	switch m.T {
	case Capture:
		// the shutter on the mobile
		still, err := d.Capture()
		if errors.Is(err, ErrNoFrame) {
			go d.pull()
			return
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("shutter")
			return
		}
		d.deliver(0, still, nil)
	case Frame:
		d.frame(m)
	default:
		d.log.Warn().Str("t", string(m.T)).Msg("unknown capture message")
	}
}

func (d *Desktop) frame(m Message) {
	// the request is over (timed out or cancelled), its chunks are late
	if !d.awaited(m.Id) {
		d.mu.Lock()
		delete(d.parts, m.Id)
		d.mu.Unlock()
		d.log.Debug().Uint32("id", m.Id).Int("seq", m.Seq).Msg("late frame dropped")
		return
	}
	if m.Err != "" {
		d.mu.Lock()
		delete(d.parts, m.Id)
		d.mu.Unlock()
		d.deliver(m.Id, nil, fmt.Errorf("%w: %s", ErrRemote, m.Err))
		return
	}

	d.mu.Lock()
	a := d.parts[m.Id]
	if a == nil {
		a = &assembly{}
		d.parts[m.Id] = a
	}
	if m.Seq != a.next {
		delete(d.parts, m.Id)
		d.mu.Unlock()
		d.deliver(m.Id, nil, fmt.Errorf("%w: lost chunk %v, got %v", ErrRemote, a.next, m.Seq))
		return
	}
	a.next++
	a.buf.Write(m.Data)
	if !m.Last {
		d.mu.Unlock()
		return
	}
	delete(d.parts, m.Id)
	d.mu.Unlock()

	raw := a.buf.Bytes()
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		d.deliver(m.Id, nil, err)
		return
	}
	if d.surface == &d.last {
		d.last.Set(img)
	}
	d.deliver(m.Id, &Still{Image: img, Data: raw, MIME: "image/" + format, Taken: time.Now()}, nil)
}

// pull gets the still from the mobile when there is nothing to show yet.
func (d *Desktop) pull() {
	ctx, cancel := context.WithTimeout(context.Background(), RemoteTimeout)
	defer cancel()
	still, err := d.RequestRemote(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("shutter")
		return
	}
	d.deliver(0, still, nil)
}

func (d *Desktop) awaited(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.waiting[id]
	return ok
}

// deliver hands the requested still to the one who waits for it,
// the shutter stills (zero id) go to the sink.
func (d *Desktop) deliver(id uint32, still *Still, err error) {
	d.mu.Lock()
	wait := d.waiting[id]
	d.mu.Unlock()
	if wait != nil {
		select {
		case wait <- result{still: still, err: err}:
		default:
		}
		return
	}
	if id != 0 {
		d.log.Debug().Uint32("id", id).Msg("nobody waits for the still")
		return
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("remote still")
		return
	}
	if d.sink != nil {
		d.sink(still)
	}
}
