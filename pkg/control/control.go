package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/internal/xretry"
	"github.com/tstreamdb/client-go/pkg/reconnect"
	"github.com/tstreamdb/client-go/pkg/registry"
	"github.com/tstreamdb/client-go/pkg/transport"
	"github.com/tstreamdb/client-go/pkg/wire"
	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// redirectRetryConfig spaces the NotLeader retry attempts;
// maxRedirectRetries bounds them to 10.
var redirectRetryConfig = xretry.Config{
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2,
	JitterFactor: 0.2,
}

const maxRedirectRetries = 10

// sessionExpiryWarning is how close to a token's expiry a freshly issued
// login() response must already be before trySubscribeOnce logs a warning.
// Sessions here are dialed fresh per RPC rather than held open, so this is
// diagnostic (a server clock skew or a too-short-lived token shows up
// immediately) rather than a trigger for a refresh that this design has no
// long-lived session to apply to.
const sessionExpiryWarning = 30 * time.Second

// SubscribeRequest carries the arguments of the subscribe API.
type SubscribeRequest struct {
	Host, Port    string
	Table, Action string
	Offset        int64
	Resub         bool
	Filter        interface{}
	MsgAsTable    bool
	AllowExists   bool
	BatchSize     int
	User, Password string
	BackupSites   []string
	IsEvent       bool
	ResubTimeoutMS int
	SubOnce       bool
	Mode          transport.Mode
	LocalIP       string
	LocalPort     int
}

// Plane drives the control connections: one per subscribe/unsubscribe and
// one per reconnect/resubscribe attempt.
type Plane struct {
	dial SessionFactory
	reg  *registry.Registry

	// versionOnce gates the one-per-client server version probe: the first
	// control connection any subscribe opens checks version() against the
	// client's configured transport mode and caches the verdict, rather
	// than re-probing on every subsequent subscribe.
	versionOnce sync.Once
	versionErr  error
}

// New builds a Plane. dial opens a fresh control Session to a "host:port"
// address; reg is updated with the negotiated topic/HA sites on success.
func New(dial SessionFactory, reg *registry.Registry) *Plane {
	return &Plane{dial: dial, reg: reg}
}

// Subscribe performs the full negotiation: login (if credentials given),
// getSubscriptionTopic, publishTable, retrying on NotLeader up to 10
// times. A non-redirect failure (version/mode mismatch, auth failure,
// protocol error) is fatal immediately rather than exhausting the retry
// budget against a problem retrying cannot fix. The registry gains an
// Entry for the resulting topic.
func (p *Plane) Subscribe(ctx context.Context, req SubscribeRequest) (topic string, columnNames []string, err error) {
	addr := req.Host + ":" + req.Port

	retrier, rerr := xretry.New(redirectRetryConfig)
	if rerr != nil {
		return "", nil, xerrors.Wrap(xerrors.Configuration, "redirect retry config", rerr)
	}

	for attempt := 1; ; attempt++ {
		t, cols, opErr := p.trySubscribeOnce(ctx, addr, req)
		if opErr == nil {
			return t, cols, nil
		}
		r, ok := redirectTarget(opErr)
		if !ok || attempt >= maxRedirectRetries {
			return "", nil, opErr
		}
		addr = fmt.Sprintf("%s:%d", r.Host, r.Port)

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(retrier.NextDelay()):
		}
	}
}

func (p *Plane) trySubscribeOnce(ctx context.Context, addr string, req SubscribeRequest) (string, []string, error) {
	sess, err := p.dial(ctx, addr)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.Transport, "dial control connection to "+addr, err)
	}
	defer sess.Close()

	p.versionOnce.Do(func() {
		p.versionErr = p.checkVersion(ctx, sess, req.Mode)
	})
	if p.versionErr != nil {
		return "", nil, p.versionErr
	}

	if req.User != "" {
		token, err := sess.Login(ctx, req.User, req.Password, true)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.Transport, "login", err)
		}
		checkSessionExpiry(req.User, token)
	}

	learnedTopic, columnNames, err := sess.GetSubscriptionTopic(ctx, req.Table, req.Action)
	if err != nil {
		return "", nil, classifyRPCError(err)
	}

	localIP, localPort := "", 0
	if req.Mode == transport.ModeListen {
		localIP, localPort = req.LocalIP, req.LocalPort
	}

	topic, haSites, err := sess.PublishTable(ctx, localIP, localPort, req.Table, req.Action, req.Offset, req.Filter, req.AllowExists)
	if err != nil {
		return "", nil, classifyRPCError(err)
	}
	if topic == "" {
		topic = learnedTopic
	}

	allSites := append(append([]string(nil), req.BackupSites...), haSites...)

	p.reg.Upsert(topic, func(e *registry.Entry) {
		e.Table = req.Table
		e.ActionName = req.Action
		e.Site = addr
		e.HASites = haSites
		e.MsgAsTable = req.MsgAsTable
		e.SubOnce = req.SubOnce
		e.ResubTimeout = req.ResubTimeoutMS
		e.Offset = req.Offset
	})
	if len(allSites) > 0 {
		p.reg.AttachPool(topic, allSites)
	}

	return topic, columnNames, nil
}

// checkVersion probes the server version once per Plane (one Plane per
// client) and fails fatally if it requires a transport mode other than the
// one this client was configured for. Unlike the original implementation,
// which could still downgrade listening_port to 0 with a warning because
// it picked a port before ever binding, this client already owns a bound
// listener or dialer by the time the first subscribe runs, so a mismatch
// in either direction is surfaced as a ConfigError rather than silently
// reinterpreted.
func (p *Plane) checkVersion(ctx context.Context, sess Session, mode transport.Mode) error {
	version, err := sess.Version(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.Transport, "version probe", err)
	}
	wantMode, err := transport.ModeForVersion(version)
	if err != nil {
		return xerrors.Wrap(xerrors.Configuration, "version probe", err)
	}
	if wantMode != mode {
		return xerrors.New(xerrors.Configuration, fmt.Sprintf(
			"server version %s requires %s mode, client is configured for %s mode",
			version, wantMode, mode))
	}
	return nil
}

// checkSessionExpiry parses token and logs a warning if it is already
// within sessionExpiryWarning of expiring. Sessions are dialed fresh per
// RPC here, so there is no live session to schedule a refresh for; this
// surfaces a misbehaving server (clock skew, too-short token lifetime)
// right away instead of silently.
func checkSessionExpiry(user, token string) {
	if token == "" {
		return
	}
	claims, err := ParseSessionToken(token)
	if err != nil {
		xlogger.Warning("control: session token parse failed:", err)
		return
	}
	if claims.ExpiresSoon(time.Now(), sessionExpiryWarning) {
		xlogger.Warning("control: session token for", user, "is already within", sessionExpiryWarning, "of expiry")
	}
}

// Unsubscribe opens a control connection to host:port and in listen mode
// calls stopPublishTable. Locating the subscription and any
// follower->leader translation happen in the caller. Registry cleanup (which pushes the sentinel) is
// the caller's responsibility once this returns, since the queue itself
// lives with pkg/client's wiring.
func (p *Plane) Unsubscribe(ctx context.Context, mode transport.Mode, host, port, table, action string, localIP string, localPort int) error {
	addr := host + ":" + port
	sess, err := p.dial(ctx, addr)
	if err != nil {
		return xerrors.Wrap(xerrors.Transport, "dial control connection to "+addr, err)
	}
	defer sess.Close()

	if mode == transport.ModeListen {
		if err := sess.StopPublishTable(ctx, localIP, localPort, table, action); err != nil {
			return xerrors.Wrap(xerrors.Transport, "stopPublishTable", err)
		}
	}
	return nil
}

// Resubscribe implements reconnect.Resubscriber: it re-runs the subscribe
// negotiation against site for an already-known topic, preserving offset
// continuity by requesting rows starting at the last observed offset + 1.
func (p *Plane) Resubscribe(ctx context.Context, topic, site string) (newTopic string, err error) {
	ent, ok := p.reg.Get(topic)
	if !ok {
		return "", xerrors.New(xerrors.User, "resubscribe: unknown topic "+topic)
	}

	host, port, splitErr := splitHostPort(site)
	if splitErr != nil {
		return "", xerrors.Wrap(xerrors.Configuration, "resubscribe site", splitErr)
	}

	req := SubscribeRequest{
		Host: host, Port: port,
		Table: ent.Table, Action: ent.ActionName,
		Offset:      ent.Offset,
		MsgAsTable:  ent.MsgAsTable,
		AllowExists: true,
		SubOnce:     ent.SubOnce,
		ResubTimeoutMS: ent.ResubTimeout,
	}
	newTopic, _, err = p.trySubscribeOnce(ctx, site, req)
	return newTopic, err
}

// ResubscribeInitial implements reconnect.Resubscriber's initial-subscribe
// retry: req carries the full original request since, unlike a
// steady-state reconnect, no registry entry exists yet to resubscribe
// against.
func (p *Plane) ResubscribeInitial(ctx context.Context, site string, req reconnect.InitialRequest) (topic string, columnNames []string, err error) {
	host, port, splitErr := splitHostPort(site)
	if splitErr != nil {
		return "", nil, xerrors.Wrap(xerrors.Configuration, "resubscribe initial site", splitErr)
	}

	sreq := SubscribeRequest{
		Host: host, Port: port,
		Table: req.Table, Action: req.Action,
		Offset: req.Offset, Filter: req.Filter,
		MsgAsTable: req.MsgAsTable, AllowExists: req.AllowExists,
		User: req.User, Password: req.Password,
		BackupSites: req.BackupSites, IsEvent: req.IsEvent,
		ResubTimeoutMS: req.ResubTimeoutMS, SubOnce: req.SubOnce,
		Mode: req.Mode, LocalIP: req.LocalIP, LocalPort: req.LocalPort,
	}
	return p.trySubscribeOnce(ctx, site, sreq)
}

func classifyRPCError(err error) error {
	if host, port, ok := wire.ParseNotLeaderRedirect(err.Error()); ok {
		return &redirectError{host: host, port: port, cause: err}
	}
	return xerrors.Wrap(xerrors.Protocol, "control RPC", err)
}

type redirectError struct {
	host  string
	port  int
	cause error
}

func (e *redirectError) Error() string {
	return fmt.Sprintf("redirect to %s:%d: %v", e.host, e.port, e.cause)
}

func (e *redirectError) Unwrap() error { return e.cause }

// Redirect implements the informal "redirector" interface pkg/reconnect
// type-asserts for (kept untyped there to avoid a dependency cycle).
func (e *redirectError) Redirect() (string, int) { return e.host, e.port }

func redirectTarget(err error) (struct {
	Host string
	Port int
}, bool) {
	type redirector interface{ Redirect() (string, int) }
	if r, ok := err.(redirector); ok {
		host, port := r.Redirect()
		return struct {
			Host string
			Port int
		}{host, port}, true
	}
	return struct {
		Host string
		Port int
	}{}, false
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", xerrors.New(xerrors.Configuration, "not a host:port address: "+addr)
}
