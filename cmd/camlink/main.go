// camlink pairs a phone camera with a desktop.
//
//	camlink desktop [--qr] [--restart]
//	camlink mobile <pairing link>
//
// Both commands take the shared config flags, see --help.
// Press Enter to take a still.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	goos "os"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/camera"
	"github.com/camlink/camlink/pkg/capture"
	"github.com/camlink/camlink/pkg/client"
	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/link"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/network"
	"github.com/camlink/camlink/pkg/os"
	"github.com/camlink/camlink/pkg/pairing"
	"github.com/camlink/camlink/pkg/store"
	rtc "github.com/camlink/camlink/pkg/webrtc"
	"github.com/rs/xid"
	flag "github.com/spf13/pflag"
)

var Version = "?"

const usage = "usage: camlink desktop|mobile [flags]"

func main() {
	if len(goos.Args) < 2 {
		fmt.Fprintln(goos.Stderr, usage)
		goos.Exit(2)
	}
	cmd, args := goos.Args[1], goos.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	qr := fs.Bool("qr", false, "Show the pairing link as a QR code")
	restart := fs.Bool("restart", false, "Make a new session when the current one fails")
	conf, _, err := config.NewConfig(fs, args)
	if err != nil {
		fmt.Fprintln(goos.Stderr, err)
		goos.Exit(2)
	}

	log := logger.NewConsole(conf.Debug, cmd[:1], false)
	log.Info().Msgf("version %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { <-os.ExpectTermination(); cancel() }()

	switch cmd {
	case "desktop":
		err = desktop(ctx, conf, *qr, *restart, log)
	case "mobile":
		err = mobile(ctx, conf, fs.Arg(0), log)
	default:
		fmt.Fprintln(goos.Stderr, usage)
		goos.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg(cmd)
		goos.Exit(1)
	}
}

// dial connects to the signaling server, retrying until the context is done.
func dial(ctx context.Context, url string, log *logger.Logger) (*client.Client, error) {
	retry := network.NewRetry()
	for {
		c, err := client.Dial(ctx, url, client.WithLogger(log))
		if err == nil {
			return c, nil
		}
		log.Warn().Err(err).Msgf("no connection to %v, next try in %v", url, retry.Time())
		if !retry.Fail(ctx) {
			return nil, ctx.Err()
		}
	}
}

// keys sends a tick on each Enter press.
func keys() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s := bufio.NewScanner(goos.Stdin)
		for s.Scan() {
			ch <- struct{}{}
		}
	}()
	return ch
}

func desktop(ctx context.Context, conf config.Config, qr, restart bool, log *logger.Logger) error {
	st, err := store.New(ctx, conf.Store, log)
	if err != nil {
		return err
	}
	factory, err := rtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return err
	}
	save := func(still *capture.Still) {
		name := xid.New().String() + still.Ext()
		if st == nil {
			log.Info().Msgf("still %v (%vx%v, %v bytes)", name,
				still.Image.Bounds().Dx(), still.Image.Bounds().Dy(), len(still.Data))
			return
		}
		meta := map[string]string{"taken": still.Taken.UTC().Format(time.RFC3339)}
		if err := st.Save(ctx, name, still.Data, meta); err != nil {
			log.Error().Err(err).Msg("still save")
			return
		}
		log.Info().Msgf("still %v has been saved", name)
	}

	mode := api.ModeDefault
	if qr {
		mode = api.ModeQR
	}
	opts := pairing.DesktopOptions{Origin: conf.Signal.Origin, Mode: mode, Sink: save, Log: log}
	// connect makes a desktop on a fresh server connection
	connect := func() (*pairing.Desktop, func(), error) {
		c, err := dial(ctx, conf.Signal.Url, log)
		if err != nil {
			return nil, func() {}, err
		}
		d := pairing.NewDesktop(c, factory, opts)
		return d, func() { d.Close(); c.Close() }, nil
	}

	d, release, err := connect()
	defer func() { release() }()
	if err != nil {
		return err
	}

	enter := keys()
	pairingLink, err := d.Start(ctx)
	for {
		if err == nil {
			show(pairingLink, qr, log)
			err = session(ctx, d, enter, save, log)
		}
		switch recovery(err, restart) {
		case stop:
			return err
		case reconnect:
			log.Warn().Err(err).Msg("the server is lost, reconnecting")
			release()
			if d, release, err = connect(); err != nil {
				return err
			}
			pairingLink, err = d.Start(ctx)
		case renew:
			log.Warn().Err(err).Msg("the session is over, making a new one")
			pairingLink, err = d.Restart(ctx)
		}
	}
}

type action uint8

const (
	stop action = iota
	// renew makes a new session on the same server connection
	renew
	// reconnect dials the server again, the old connection is dead
	reconnect
)

// recovery picks what to do after the session is over.
func recovery(err error, restart bool) action {
	switch {
	case err == nil, !restart, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return stop
	case errors.Is(err, pairing.ErrSignaling):
		return reconnect
	}
	return renew
}

func show(pairingLink string, qr bool, log *logger.Logger) {
	if qr {
		code, err := link.Terminal(pairingLink)
		if err == nil {
			fmt.Println(code)
		} else {
			log.Warn().Err(err).Msg("qr")
		}
	}
	fmt.Println(pairingLink)
}

// session serves the desktop until the session is over.
func session(ctx context.Context, d *pairing.Desktop, enter <-chan struct{}, save capture.Sink, log *logger.Logger) error {
	if err := d.Wait(ctx); err != nil {
		return err
	}
	log.Info().Msg("the camera is connected, press Enter to take a still")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Done():
			return d.Err()
		case <-enter:
			still, err := d.Still(ctx)
			if err != nil {
				log.Error().Err(err).Msg("still")
				continue
			}
			save(still)
		}
	}
}

func mobile(ctx context.Context, conf config.Config, pairingLink string, log *logger.Logger) error {
	if pairingLink == "" {
		return errors.New("no pairing link")
	}
	factory, err := rtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return err
	}
	c, err := dial(ctx, conf.Signal.Url, log)
	if err != nil {
		return err
	}
	defer c.Close()

	m := pairing.NewMobile(c, factory, camera.NewPattern(conf.Camera, log), pairing.MobileOptions{
		Quality: conf.Camera.Quality,
		Width:   conf.Camera.Width,
		Height:  conf.Camera.Height,
		Log:     log,
	})
	defer m.Close()

	if err = m.Join(ctx, pairingLink); err != nil {
		return err
	}
	if err = m.Wait(ctx); err != nil {
		return err
	}
	log.Info().Msg("connected, press Enter to release the shutter")
	enter := keys()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.Done():
			return m.Err()
		case <-enter:
			if err := m.Shutter(); err != nil {
				log.Error().Err(err).Msg("shutter")
			}
		}
	}
}
