package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/com"
)

type note struct {
	to   com.Uid
	kind api.Kind
	msg  string
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(to com.Uid, event api.Kind) {
	r.mu.Lock()
	r.notes = append(r.notes, note{to: to, kind: event})
	r.mu.Unlock()
}

func (r *recorder) Forward(to com.Uid, msg []byte) {
	r.mu.Lock()
	r.notes = append(r.notes, note{to: to, kind: api.Signal, msg: string(msg)})
	r.mu.Unlock()
}

func (r *recorder) of(to com.Uid) (out []note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.to == to {
			out = append(out, n)
		}
	}
	return
}

func (r *recorder) count(to com.Uid, kind api.Kind) (n int) {
	for _, x := range r.of(to) {
		if x.kind == kind {
			n++
		}
	}
	return
}

func newTestRegistry(t *testing.T) (*Registry, *recorder, *ManualClock) {
	t.Helper()
	rec := &recorder{}
	clock := NewManualClock(time.Unix(0, 0))
	return NewRegistry(rec, WithClock(clock), WithTimeout(10*time.Second)), rec, clock
}

func TestCreateUniqueIds(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	seen := make(map[Id]struct{})
	for i := 0; i < 1000; i++ {
		id, err := reg.Create(com.NewUid())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %v", id)
		}
		if _, err := ParseId(id.String()); err != nil {
			t.Fatalf("id is not a uuid: %v", err)
		}
		seen[id] = struct{}{}
	}
	if reg.Len() != 1000 {
		t.Errorf("expected 1000 sessions, got %v", reg.Len())
	}
}

func TestJoinNotFound(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop := com.NewUid()
	id, _ := reg.Create(desktop)
	before, _ := reg.Get(id)

	tests := []Id{"", "nope", NewId()}
	for _, bad := range tests {
		if err := reg.Join(bad, com.NewUid()); !errors.Is(err, ErrNotFound) {
			t.Errorf("join %q: expected not found, got %v", bad, err)
		}
	}

	after, ok := reg.Get(id)
	if !ok || after != before {
		t.Errorf("session has been changed: %+v -> %+v", before, after)
	}
	if reg.Len() != 1 {
		t.Errorf("unexpected sessions: %v", reg.Len())
	}
	if len(rec.notes) != 0 {
		t.Errorf("unexpected notifications: %+v", rec.notes)
	}
	if clock.Pending() != 1 {
		t.Errorf("expiry timer should be kept")
	}
}

func TestJoinPairs(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop, mobile := com.NewUid(), com.NewUid()
	id, _ := reg.Create(desktop)

	if err := reg.Join(id, mobile); err != nil {
		t.Fatalf("join: %v", err)
	}
	info, _ := reg.Get(id)
	if info.State != Paired || info.Mobile != mobile || info.Desktop != desktop {
		t.Errorf("bad session %+v", info)
	}
	if n := rec.count(desktop, api.MobileConnected); n != 1 {
		t.Errorf("desktop expected 1 mobile-connected, got %v", n)
	}
	if n := rec.count(mobile, api.ConnectionSuccessful); n != 1 {
		t.Errorf("mobile expected 1 connection-successful, got %v", n)
	}
	if clock.Pending() != 0 {
		t.Errorf("expiry timer should be cancelled")
	}
}

func TestJoinTwice(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	desktop, mobile, intruder := com.NewUid(), com.NewUid(), com.NewUid()
	id, _ := reg.Create(desktop)
	_ = reg.Join(id, mobile)

	for _, who := range []com.Uid{intruder, mobile} {
		if err := reg.Join(id, who); !errors.Is(err, ErrNotFound) {
			t.Errorf("second join: expected not found, got %v", err)
		}
	}
	info, _ := reg.Get(id)
	if info.Mobile != mobile || info.State != Paired {
		t.Errorf("pairing has been changed: %+v", info)
	}
	if len(rec.of(intruder)) != 0 {
		t.Errorf("intruder got events: %+v", rec.of(intruder))
	}
	if n := rec.count(desktop, api.MobileConnected); n != 1 {
		t.Errorf("desktop expected 1 mobile-connected, got %v", n)
	}
}

func TestJoinFromBoundConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	a, b := com.NewUid(), com.NewUid()
	idA, _ := reg.Create(a)
	_, _ = reg.Create(b)

	// a desktop can't become a mobile of another session
	if err := reg.Join(idA, b); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := reg.Join(idA, a); !errors.Is(err, ErrNotFound) {
		t.Errorf("self join: expected not found, got %v", err)
	}
}

func TestNoTimeoutAfterJoin(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop, mobile := com.NewUid(), com.NewUid()
	id, _ := reg.Create(desktop)

	clock.Advance(9 * time.Second)
	if err := reg.Join(id, mobile); err != nil {
		t.Fatalf("join: %v", err)
	}
	clock.Advance(time.Hour)

	if n := rec.count(desktop, api.SessionTimeout); n != 0 {
		t.Errorf("unexpected session-timeout after join")
	}
	if _, ok := reg.Get(id); !ok {
		t.Errorf("paired session has been removed")
	}
}

func TestTimeout(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop := com.NewUid()
	id, _ := reg.Create(desktop)

	clock.Advance(9 * time.Second)
	if n := rec.count(desktop, api.SessionTimeout); n != 0 {
		t.Fatalf("early timeout")
	}
	clock.Advance(time.Second)
	clock.Advance(time.Minute)

	if n := rec.count(desktop, api.SessionTimeout); n != 1 {
		t.Errorf("expected exactly one session-timeout, got %v", n)
	}
	if err := reg.Join(id, com.NewUid()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session is joinable: %v", err)
	}
	if _, ok := reg.Of(desktop); ok {
		t.Errorf("desktop is still bound")
	}
	if reg.Len() != 0 {
		t.Errorf("expired session is kept")
	}
}

func TestCustomTimeout(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop := com.NewUid()
	_, _ = reg.CreateFor(desktop, 2*time.Minute)

	clock.Advance(time.Minute)
	if rec.count(desktop, api.SessionTimeout) != 0 {
		t.Fatalf("early timeout")
	}
	clock.Advance(time.Minute)
	if rec.count(desktop, api.SessionTimeout) != 1 {
		t.Errorf("no timeout")
	}

	reg.SetTimeout(time.Second)
	_, _ = reg.Create(desktop)
	clock.Advance(time.Second)
	if rec.count(desktop, api.SessionTimeout) != 2 {
		t.Errorf("new timeout has not been applied")
	}
}

func TestRelay(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	d1, m1, d2, m2 := com.NewUid(), com.NewUid(), com.NewUid(), com.NewUid()
	s1, _ := reg.Create(d1)
	s2, _ := reg.Create(d2)
	_ = reg.Join(s1, m1)
	_ = reg.Join(s2, m2)

	if err := reg.Relay(s1, d1, []byte("d1")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := reg.Relay(s1, m1, []byte("m1")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := reg.Relay(s2, m2, []byte("m2")); err != nil {
		t.Fatalf("relay: %v", err)
	}

	tests := []struct {
		who  com.Uid
		want []string
	}{
		{who: d1, want: []string{"m1"}},
		{who: m1, want: []string{"d1"}},
		{who: d2, want: []string{"m2"}},
		{who: m2, want: nil},
	}
	for _, test := range tests {
		var got []string
		for _, n := range rec.of(test.who) {
			if n.kind == api.Signal {
				got = append(got, n.msg)
			}
		}
		if len(got) != len(test.want) {
			t.Errorf("%v: expected %v, got %v", test.who.Short(), test.want, got)
			continue
		}
		for i := range got {
			if got[i] != test.want[i] {
				t.Errorf("%v: expected %v, got %v", test.who.Short(), test.want, got)
			}
		}
	}
}

func TestRelayErrors(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	desktop, mobile, stranger := com.NewUid(), com.NewUid(), com.NewUid()
	id, _ := reg.Create(desktop)

	if err := reg.Relay(id, desktop, []byte("x")); !errors.Is(err, ErrNoCounterpart) {
		t.Errorf("expected no counterpart, got %v", err)
	}
	_ = reg.Join(id, mobile)
	if err := reg.Relay(id, stranger, []byte("x")); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected not member, got %v", err)
	}
	if err := reg.Relay(NewId(), desktop, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if n := rec.count(mobile, api.Signal); n != 0 {
		t.Errorf("dropped messages were delivered: %v", n)
	}
}

func TestRelayOrder(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	desktop, mobile := com.NewUid(), com.NewUid()
	id, _ := reg.Create(desktop)
	_ = reg.Join(id, mobile)

	msgs := []string{"a", "b", "c", "d", "e"}
	for _, m := range msgs {
		_ = reg.Relay(id, desktop, []byte(m))
	}
	var got []string
	for _, n := range rec.of(mobile) {
		if n.kind == api.Signal {
			got = append(got, n.msg)
		}
	}
	for i := range msgs {
		if i >= len(got) || got[i] != msgs[i] {
			t.Fatalf("order is broken: %v", got)
		}
	}
}

func TestDisconnect(t *testing.T) {
	tests := []struct {
		name   string
		mobile bool
	}{
		{name: "desktop leaves"},
		{name: "mobile leaves", mobile: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			reg, rec, _ := newTestRegistry(t)
			desktop, mobile := com.NewUid(), com.NewUid()
			id, _ := reg.Create(desktop)
			_ = reg.Join(id, mobile)

			gone, left := desktop, mobile
			if test.mobile {
				gone, left = mobile, desktop
			}
			reg.OnDisconnect(gone)
			reg.OnDisconnect(gone)

			if n := rec.count(left, api.PeerDisconnected); n != 1 {
				t.Errorf("expected 1 peer-disconnected, got %v", n)
			}
			if n := rec.count(gone, api.PeerDisconnected); n != 0 {
				t.Errorf("gone connection notified")
			}
			if _, ok := reg.Get(id); ok {
				t.Errorf("session is kept")
			}
			if err := reg.Relay(id, left, []byte("x")); !errors.Is(err, ErrNotFound) {
				t.Errorf("relay after disconnect: %v", err)
			}
			if n := rec.count(gone, api.Signal); n != 0 {
				t.Errorf("relay after disconnect has been delivered")
			}
		})
	}
}

func TestDisconnectPending(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop := com.NewUid()
	_, _ = reg.Create(desktop)
	reg.OnDisconnect(desktop)
	clock.Advance(time.Minute)

	if len(rec.of(desktop)) != 0 {
		t.Errorf("unexpected events %+v", rec.of(desktop))
	}
	if clock.Pending() != 0 || reg.Len() != 0 {
		t.Errorf("session is kept")
	}
}

func TestRecreateClosesPrevious(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop, mobile := com.NewUid(), com.NewUid()
	first, _ := reg.Create(desktop)
	_ = reg.Join(first, mobile)

	second, _ := reg.Create(desktop)
	if first == second {
		t.Fatalf("id reused")
	}
	if _, ok := reg.Get(first); ok {
		t.Errorf("previous session is kept")
	}
	if n := rec.count(mobile, api.PeerDisconnected); n != 1 {
		t.Errorf("old mobile expected peer-disconnected, got %v", n)
	}
	if n := rec.count(desktop, api.PeerDisconnected); n != 0 {
		t.Errorf("desktop should not be notified")
	}
	if clock.Pending() != 1 || reg.Len() != 1 {
		t.Errorf("expected one pending session")
	}
}

func TestRemove(t *testing.T) {
	reg, rec, clock := newTestRegistry(t)
	desktop, mobile := com.NewUid(), com.NewUid()
	id, _ := reg.Create(desktop)
	_ = reg.Join(id, mobile)

	reg.Remove(id)
	reg.Remove(id)
	clock.Advance(time.Hour)

	for _, who := range []com.Uid{desktop, mobile} {
		if n := rec.count(who, api.PeerDisconnected); n != 1 {
			t.Errorf("expected 1 peer-disconnected, got %v", n)
		}
		if _, ok := reg.Of(who); ok {
			t.Errorf("connection is still bound")
		}
	}
}

func TestConcurrentJoin(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	desktop := com.NewUid()
	id, _ := reg.Create(desktop)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Join(id, com.NewUid())
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrNotFound):
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one join, got %v", ok)
	}
	if c := rec.count(desktop, api.MobileConnected); c != 1 {
		t.Errorf("expected one mobile-connected, got %v", c)
	}
}

func TestConcurrentJoinAndTimeout(t *testing.T) {
	for i := 0; i < 100; i++ {
		reg, rec, clock := newTestRegistry(t)
		desktop, mobile := com.NewUid(), com.NewUid()
		id, _ := reg.Create(desktop)

		var wg sync.WaitGroup
		var joinErr error
		wg.Add(2)
		go func() { defer wg.Done(); joinErr = reg.Join(id, mobile) }()
		go func() { defer wg.Done(); clock.Advance(10 * time.Second) }()
		wg.Wait()

		timeouts := rec.count(desktop, api.SessionTimeout)
		switch {
		case joinErr == nil && timeouts != 0:
			t.Fatalf("timeout after a successful join")
		case joinErr != nil && timeouts != 1:
			t.Fatalf("join failed without a timeout")
		}
	}
}

func TestClose(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	desktop := com.NewUid()
	_, _ = reg.Create(desktop)
	reg.Close()

	if reg.Len() != 0 {
		t.Errorf("sessions are kept")
	}
	if rec.count(desktop, api.PeerDisconnected) != 1 {
		t.Errorf("desktop not notified")
	}
	if _, err := reg.Create(desktop); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
}
