package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config is the configuration of both the signaling server and its clients.
type Config struct {
	Debug bool

	Server     Server
	Session    Session
	Signal     Signal
	Monitoring Monitoring
	Webrtc     Webrtc
	Camera     Camera
	Store      Store
}

type Server struct {
	Address  string `default:":8000"`
	PortRoll bool
	Https    bool
	Tls      struct {
		Address   string `default:":443"`
		Domain    string
		HttpsKey  string
		HttpsCert string
		CertCache string `default:"assets/cache"`
	}
	// Lock is a lock file path that prevents running a second server
	// on the same machine, empty disables it.
	Lock string
}

func (s *Server) GetAddr() string {
	if s.Https {
		return s.Tls.Address
	}
	return s.Address
}

type Session struct {
	// Timeout is the time a desktop waits for a mobile to join.
	Timeout time.Duration `default:"10s"`
	// QrTimeout is used instead of Timeout when the pairing link is shown as a QR code.
	QrTimeout time.Duration `default:"2m"`
}

type Signal struct {
	// Paths are the prefixes of the signaling endpoints,
	// all of them share the same sessions.
	Paths []string `default:"[/api/signal,/socket.io]"`
	// Origin is a public address used in the pairing links.
	Origin string `default:"http://localhost:8000"`
	// Static is a directory of web files served at the root.
	Static string
	// Url is the signaling endpoint the clients connect to.
	Url       string        `default:"ws://localhost:8000/api/signal"`
	PollWait  time.Duration `default:"25s"`
	PingWait  time.Duration `default:"60s"`
	QueueSize int           `default:"64"`
}

type Monitoring struct {
	Port             int    `default:"6601"`
	URLPrefix        string `default:"/signal"`
	MetricEnabled    bool   `json:"metric_enabled"`
	ProfilingEnabled bool   `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

type Webrtc struct {
	DisableDefaultInterceptors bool
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	IceIpMap string
	// Loopback allows host candidates on the loopback interface,
	// pairing two clients on the same machine needs it.
	Loopback bool
	// DisableMdns turns off mDNS candidates.
	DisableMdns bool
	LogLevel    int `default:"1"`
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func (w *Webrtc) HasPortRange() bool { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasIceIpMap() bool  { return w.IceIpMap != "" }

// DefaultIceServers are used when the config has none.
var DefaultIceServers = []IceServer{{Urls: "stun:stun.l.google.com:19302"}}

func (w *Webrtc) GetIceServers() []IceServer {
	if len(w.IceServers) == 0 {
		return DefaultIceServers
	}
	return w.IceServers
}

type Camera struct {
	Width  int `default:"640"`
	Height int `default:"480"`
	// Video is an optional IVF (VP8) file streamed as the camera track.
	Video string
	// Fps of the Video file playback.
	Fps int `default:"30"`
	// NoVideo makes a data-only connection without the video track.
	NoVideo bool
	// Quality of the JPEG stills sent by the mobile.
	Quality int `default:"85"`
}

type Store struct {
	// Kind is either local or s3, empty disables the store.
	Kind string
	Dir  string `default:"stills"`
	S3   struct {
		Endpoint  string
		Bucket    string
		AccessKey string
		SecretKey string
		Region    string
		Secure    bool
	}
}

// NewConfig loads the configuration from the file, env variables and flags.
// It returns the path of the loaded file as well, empty if there was none.
func NewConfig(fs *pflag.FlagSet, args []string) (Config, string, error) {
	var conf Config
	path := fs.String("conf", "", "Path to the configuration file or its dir")
	// parse twice, the first run gets the config path only
	pre := pflag.NewFlagSet("pre", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(path, "conf", "", "")
	_ = pre.Parse(args)

	file, err := LoadConfig(&conf, *path)
	if err != nil {
		return conf, "", err
	}
	conf.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return conf, file, err
	}
	conf.normalize()
	return conf, file, nil
}

func (c *Config) AddFlags(fs *pflag.FlagSet) *Config {
	fs.BoolVarP(&c.Debug, "debug", "d", c.Debug, "Enable debug logs")
	fs.StringVar(&c.Server.Address, "addr", c.Server.Address, "HTTP server address (host:port)")
	fs.BoolVar(&c.Server.PortRoll, "roll", c.Server.PortRoll, "Try next ports if the address is busy")
	fs.DurationVar(&c.Session.Timeout, "timeout", c.Session.Timeout, "Time to wait for a mobile to join")
	fs.DurationVar(&c.Session.QrTimeout, "qrTimeout", c.Session.QrTimeout, "Time to wait for a mobile to join with a QR code")
	fs.StringVar(&c.Signal.Origin, "origin", c.Signal.Origin, "Public address of the pairing links")
	fs.StringVar(&c.Signal.Url, "url", c.Signal.Url, "Signaling server endpoint")
	fs.StringVar(&c.Signal.Static, "static", c.Signal.Static, "Directory with web files")
	fs.StringVar(&c.Camera.Video, "video", c.Camera.Video, "IVF file used as the camera")
	fs.BoolVar(&c.Camera.NoVideo, "noVideo", c.Camera.NoVideo, "Connect without the video track")
	fs.BoolVar(&c.Webrtc.Loopback, "loopback", c.Webrtc.Loopback, "Allow loopback ICE candidates")
	return c
}

func (c *Config) normalize() {
	for i, p := range c.Signal.Paths {
		c.Signal.Paths[i] = "/" + strings.Trim(p, "/")
	}
	c.Signal.Origin = strings.TrimSuffix(c.Signal.Origin, "/")
}
