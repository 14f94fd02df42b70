// Package transport implements the dual-mode acceptor/dialer: listen mode
// binds a TCP port and accepts publisher-initiated connections; reverse
// mode dials a fresh connection to the publisher and hands it to the
// daemon through a queue.
package transport

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// Mode selects how the streaming connection carrying rows is established.
type Mode int

const (
	// ModeListen: the publisher dials us.
	ModeListen Mode = iota
	// ModeReverse: we dial the publisher.
	ModeReverse
)

// KeepAlive is the fixed policy applied to every data connection: 30s
// idle, 5s probe interval, 3 probes. Go's portable net.TCPConn API only
// exposes enable plus a single period, so Idle is applied as the
// keep-alive period; Interval and Probes are recorded for platforms
// reachable through golang.org/x/sys/unix (not wired here) and are
// no-ops on the portable path.
type KeepAlive struct {
	Enabled  bool
	Idle     time.Duration
	Interval time.Duration
	Probes   int
}

// DefaultKeepAlive is the fixed policy for every accepted or dialed data
// connection.
var DefaultKeepAlive = KeepAlive{Enabled: true, Idle: 30 * time.Second, Interval: 5 * time.Second, Probes: 3}

func applyKeepAlive(conn net.Conn, ka KeepAlive) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok || !ka.Enabled {
		return
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		xlogger.Warning("transport: set keepalive:", err)
		return
	}
	if err := tcp.SetKeepAlivePeriod(ka.Idle); err != nil {
		xlogger.Warning("transport: set keepalive period:", err)
	}
}

// String renders the mode name used in log messages and config errors.
func (m Mode) String() string {
	if m == ModeReverse {
		return "reverse"
	}
	return "listen"
}

// ModeForVersion picks the transport mode from a server version string:
// versions >= 3.x, 2.10.x, or 2.0.x with patch >= 9 require reverse mode;
// older versions require listen mode. The version string's leading
// "<major>.<minor>.<patch>" is parsed from the version() RPC response;
// trailing text (build metadata) is ignored.
func ModeForVersion(version string) (Mode, error) {
	fields := strings.Fields(version)
	if len(fields) == 0 {
		return 0, xerrors.New(xerrors.Configuration, "empty version string")
	}
	parts := strings.SplitN(fields[0], ".", 3)
	if len(parts) < 2 {
		return 0, xerrors.New(xerrors.Configuration, "unparseable version string: "+version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, xerrors.Wrap(xerrors.Configuration, "parse major version", err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, xerrors.Wrap(xerrors.Configuration, "parse minor version", err)
	}
	patch := 0
	if len(parts) == 3 {
		patch, _ = strconv.Atoi(strings.TrimRight(parts[2], "-"))
	}

	switch {
	case major >= 3:
		return ModeReverse, nil
	case major == 2 && minor == 10:
		return ModeReverse, nil
	case major == 2 && minor == 0 && patch >= 9:
		return ModeReverse, nil
	default:
		return ModeListen, nil
	}
}

// StreamSource hands off accepted/dialed connections to whatever owns
// parser-worker startup (pkg/parser, via pkg/client's wiring). A nil conn
// is the distinguished shutdown sentinel that unblocks the daemon at
// shutdown.
type StreamSource <-chan net.Conn

// Listener runs the listen-mode acceptor: one goroutine that Accepts in a
// loop and hands each connection to Streams until Close is called.
type Listener struct {
	ln      net.Listener
	streams chan net.Conn
	ka      KeepAlive
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// Listen binds addr (":<port>" form) and starts accepting. The returned
// Listener's Streams channel yields one connection per accepted publisher
// socket, terminated by a nil sentinel once Close runs.
func Listen(addr string, ka KeepAlive) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "listen on "+addr, err)
	}
	l := &Listener{ln: ln, streams: make(chan net.Conn), ka: ka}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer close(l.streams)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.closeMu.Lock()
			closed := l.closed
			l.closeMu.Unlock()
			if !closed {
				xlogger.Warning("transport: accept failed:", err)
			}
			return
		}
		applyKeepAlive(conn, l.ka)
		l.streams <- conn
	}
}

// Streams is the channel of accepted connections.
func (l *Listener) Streams() StreamSource { return l.streams }

// Addr returns the bound local address, useful for learning the port when
// ":0" was requested.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting and unblocks the accept loop.
func (l *Listener) Close() error {
	l.closeMu.Lock()
	l.closed = true
	l.closeMu.Unlock()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

// Dialer runs the reverse-mode side: each call to Dial dials addr and
// delivers the resulting connection on Streams. pkg/client calls Dial once
// per new reverse-mode subscription, after the control plane's
// publishTable has succeeded.
type Dialer struct {
	ka      KeepAlive
	streams chan net.Conn
	mu      sync.Mutex
	closed  bool
}

// NewDialer constructs a Dialer whose Streams channel the daemon drains to
// start parser workers.
func NewDialer(ka KeepAlive) *Dialer {
	return &Dialer{ka: ka, streams: make(chan net.Conn, 1)}
}

// Dial connects to addr and enqueues the resulting stream for the daemon.
func (d *Dialer) Dial(ctx context.Context, addr string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return xerrors.Wrap(xerrors.Transport, "dial "+addr, err)
	}
	applyKeepAlive(conn, d.ka)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		conn.Close()
		return xerrors.New(xerrors.Transport, "dialer closed")
	}
	d.streams <- conn
	return nil
}

// Streams is the channel of dialed connections, consumed by the daemon.
func (d *Dialer) Streams() StreamSource { return d.streams }

// Close pushes the shutdown sentinel; safe to call more than once.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.streams <- nil
}
