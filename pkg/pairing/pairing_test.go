package pairing

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/camera"
	"github.com/camlink/camlink/pkg/capture"
	"github.com/camlink/camlink/pkg/client"
	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/session"
	"github.com/camlink/camlink/pkg/signal"
	rtc "github.com/camlink/camlink/pkg/webrtc"
)

const (
	origin   = "http://cam.test"
	waitTime = 15 * time.Second
)

type testEnv struct {
	url     string
	clock   *session.ManualClock
	factory *rtc.ApiFactory
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := session.NewManualClock(time.Now())
	router := signal.NewRouter([]session.Option{session.WithClock(clock)})
	h := signal.NewHandler(router, signal.HandlerOptions{PollWait: time.Second, PingWait: 5 * time.Second})
	srv := httptest.NewServer(signal.NewRoutes(h, config.Signal{Paths: []string{"/api/signal"}, Origin: origin}))
	t.Cleanup(func() {
		_ = router.Close()
		h.Close()
		srv.Close()
	})
	factory, err := rtc.NewApiFactory(rtc.LocalConfig(), logger.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/signal", clock: clock, factory: factory}
}

func (e *testEnv) dial(t *testing.T) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, e.url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func (e *testEnv) desktop(t *testing.T, sink capture.Sink) *Desktop {
	d := NewDesktop(e.dial(t), e.factory, DesktopOptions{Origin: origin, Sink: sink})
	t.Cleanup(d.Close)
	return d
}

func (e *testEnv) mobile(t *testing.T, device camera.Device) *Mobile {
	if device == nil {
		device = camera.NewPattern(config.Camera{Width: 64, Height: 48}, logger.Nop())
	}
	m := NewMobile(e.dial(t), e.factory, device, MobileOptions{Quality: 80})
	t.Cleanup(m.Close)
	return m
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	t.Cleanup(cancel)
	return ctx
}

type deniedCamera struct{}

func (deniedCamera) Open(context.Context) (camera.Stream, error) { return nil, camera.ErrPermissionDenied }

func TestPairAndCapture(t *testing.T) {
	env := newEnv(t)
	stills := make(chan *capture.Still, 1)
	desktop := env.desktop(t, func(s *capture.Still) { stills <- s })
	mobile := env.mobile(t, nil)
	ctx := timeout(t)

	if _, err := desktop.Still(ctx); !errors.Is(err, capture.ErrNotConnected) {
		t.Errorf("a still before pairing: %v", err)
	}

	pairingLink, err := desktop.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pairingLink, origin+"/mobile-camera?sessionId=") {
		t.Fatalf("wrong link %v", pairingLink)
	}
	if _, err = desktop.Start(ctx); !errors.Is(err, ErrStarted) {
		t.Errorf("second start: %v", err)
	}

	if err = mobile.Join(ctx, pairingLink); err != nil {
		t.Fatal(err)
	}
	if err = desktop.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err = mobile.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	remote, err := desktop.Still(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if remote.MIME != capture.MimeJpeg || remote.Image.Bounds().Dx() != 64 {
		t.Errorf("wrong remote still %v %v", remote.MIME, remote.Image.Bounds())
	}
	local, err := desktop.Still(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if local.MIME != capture.MimePng {
		t.Errorf("the shown frame is not used: %v", local.MIME)
	}

	if err = mobile.Shutter(); err != nil {
		t.Fatal(err)
	}
	select {
	case still := <-stills:
		if still.Image.Bounds().Dy() != 48 {
			t.Errorf("wrong shutter still %v", still.Image.Bounds())
		}
	case <-ctx.Done():
		t.Fatalf("no shutter still")
	}
}

func TestSessionTimeout(t *testing.T) {
	env := newEnv(t)
	desktop := env.desktop(t, nil)
	ctx := timeout(t)

	pairingLink, err := desktop.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(session.DefaultTimeout + time.Second)

	if err = desktop.Wait(ctx); !errors.Is(err, ErrSessionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if err = env.mobile(t, nil).Join(ctx, pairingLink); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("joined an expired session: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name   string
		link   string
		device camera.Device
		err    error
	}{
		{name: "bad link", link: "http://cam.test/mobile-camera", err: ErrSessionNotFound},
		{name: "unknown session", link: "http://cam.test/mobile-camera?sessionId=" + session.NewId().String(), err: ErrSessionNotFound},
		{name: "camera denied", link: "http://cam.test/mobile-camera?sessionId=" + session.NewId().String(),
			device: deniedCamera{}, err: ErrMediaAccess},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := env.mobile(t, test.device)
			err := m.Join(timeout(t), test.link)
			if !errors.Is(err, test.err) {
				t.Fatalf("expected %v, got %v", test.err, err)
			}
			if test.device != nil && !errors.Is(err, camera.ErrPermissionDenied) {
				t.Errorf("the camera error is lost: %v", err)
			}
		})
	}
}

func TestPeerDisconnected(t *testing.T) {
	env := newEnv(t)
	desktop := env.desktop(t, nil)
	ctx := timeout(t)

	pairingLink, err := desktop.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	raw := env.dial(t)
	if err = raw.JoinSession(desktop.SessionId().String()); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-raw.Events():
		if e.T != api.ConnectionSuccessful {
			t.Fatalf("expected join, got %v", e.T)
		}
	case <-ctx.Done():
		t.Fatalf("no join")
	}
	raw.Close()

	select {
	case <-desktop.Done():
	case <-ctx.Done():
		t.Fatalf("the desktop is still waiting")
	}
	if !errors.Is(desktop.Err(), ErrPeerDisconnected) {
		t.Errorf("expected peer disconnected, got %v", desktop.Err())
	}
	if pairingLink == "" {
		t.Errorf("no link")
	}
}

func TestRestart(t *testing.T) {
	env := newEnv(t)
	desktop := env.desktop(t, nil)
	ctx := timeout(t)

	first, err := desktop.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := desktop.Restart(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("the session is reused")
	}
	if err = env.mobile(t, nil).Join(ctx, first); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("joined the dropped session: %v", err)
	}

	mobile := env.mobile(t, nil)
	if err = mobile.Join(ctx, second); err != nil {
		t.Fatal(err)
	}
	if err = desktop.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}
