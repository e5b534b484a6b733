package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
)

const (
	syslogFacilityUser = 1
	syslogDialTimeout  = 5 * time.Second
)

// syslogSeverity maps grip priorities onto RFC 3164 severity codes.
func syslogSeverity(p level.Priority) int {
	switch {
	case p >= level.Critical:
		return 2
	case p >= level.Error:
		return 3
	case p >= level.Warning:
		return 4
	case p >= level.Notice:
		return 5
	case p >= level.Info:
		return 6
	default:
		return 7
	}
}

// SyslogOptions configure a syslog sink.
type SyslogOptions struct {
	Name string
	// Network is "udp" or "tcp". Defaults to udp for the plain
	// sink; the TLS sink is always tcp.
	Network string
	Host    string
	Port    int
	// Tag is the application tag in the syslog header.
	Tag    string
	Format send.MessageFormatter
}

func (opts *SyslogOptions) validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(opts.Host == "", "must specify a syslog host")
	catcher.NewWhen(opts.Port <= 0 || opts.Port > 65535, "must specify a valid syslog port")

	if opts.Network == "" {
		opts.Network = "udp"
	}
	if opts.Tag == "" {
		opts.Tag = "logpipe"
	}
	if opts.Format == nil {
		opts.Format = send.MakePlainFormatter()
	}
	if opts.Name == "" {
		opts.Name = "syslog"
	}

	return catcher.Resolve()
}

func (opts *SyslogOptions) addr() string {
	return net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
}

type syslogSender struct {
	mu       sync.Mutex
	opts     SyslogOptions
	conn     net.Conn
	hostname string
	redial   func() (net.Conn, error)
	*send.Base
}

// NewSyslog returns a sink forwarding formatted messages to a syslog
// endpoint over UDP or TCP. The endpoint is dialed at construction,
// so an unreachable destination surfaces as a constructor error.
func NewSyslog(opts SyslogOptions) (send.Sender, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid syslog options")
	}

	dial := func() (net.Conn, error) {
		return net.DialTimeout(opts.Network, opts.addr(), syslogDialTimeout)
	}

	return newSyslog(opts, dial)
}

// NewTLSSyslog returns a syslog sink speaking TLS over TCP,
// authenticated by certificates loaded from certsDir: ca.pem for the
// server trust root and, when present, cert.pem/key.pem as the client
// pair.
func NewTLSSyslog(opts SyslogOptions, certsDir string) (send.Sender, error) {
	opts.Network = "tcp"
	if opts.Name == "" {
		opts.Name = "tls-syslog"
	}
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tls syslog options")
	}

	cfg, err := tlsConfigFromDir(certsDir, opts.Host)
	if err != nil {
		return nil, errors.Wrap(err, "loading tls certificates")
	}

	dial := func() (net.Conn, error) {
		return tls.DialWithDialer(&net.Dialer{Timeout: syslogDialTimeout}, "tcp", opts.addr(), cfg)
	}

	return newSyslog(opts, dial)
}

func newSyslog(opts SyslogOptions, dial func() (net.Conn, error)) (send.Sender, error) {
	conn, err := dial()
	if err != nil {
		return nil, errors.Wrapf(err, "dialing syslog endpoint %s", opts.addr())
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &syslogSender{
		opts:     opts,
		conn:     conn,
		hostname: hostname,
		redial:   dial,
		Base:     send.NewBase(opts.Name),
	}, nil
}

func tlsConfigFromDir(dir, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName}
	if dir == "" {
		return cfg, nil
	}

	caPath := filepath.Join(dir, "ca.pem")
	if pem, err := os.ReadFile(caPath); err == nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no usable certificates in %q", caPath)
		}
		cfg.RootCAs = pool
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading %q", caPath)
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if _, err := os.Stat(certPath); err == nil {
		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate pair")
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

func (s *syslogSender) Send(m message.Composer) {
	if !m.Loggable() {
		return
	}

	line, err := s.opts.Format(m)
	if err != nil {
		s.ErrorHandler()(errors.Wrap(err, "formatting syslog message"), m)
		return
	}

	pri := syslogFacilityUser*8 + syslogSeverity(m.Priority())
	frame := fmt.Sprintf("<%d>%s %s %s: %s\n",
		pri, time.Now().Format(time.Stamp), s.hostname, s.opts.Tag, line)

	if err := s.write([]byte(frame)); err != nil {
		s.ErrorHandler()(errors.Wrap(err, "writing to syslog"), m)
	}
}

// write sends the frame, redialing once on a stale connection.
func (s *syslogSender) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if _, err := s.conn.Write(frame); err == nil {
			return nil
		}
		s.conn.Close()
		s.conn = nil
	}

	conn, err := s.redial()
	if err != nil {
		return errors.Wrap(err, "redialing syslog endpoint")
	}
	s.conn = conn

	_, err = s.conn.Write(frame)
	return errors.Wrap(err, "writing frame")
}

func (s *syslogSender) Flush(_ context.Context) error { return nil }

func (s *syslogSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return errors.Wrap(err, "closing syslog connection")
		}
		s.conn = nil
	}
	return s.Base.Close()
}
