// Package client wires together the frame codec, queue, registry,
// transport, parser, reconnect controller, control plane and delivery
// front-ends into a single public API (pkg/asyncpool is used on its own):
// subscribe/unsubscribe plus the four delivery variants, exposed as
// functional options rather than a front-end class hierarchy, since
// message shape here is a tagged variant rather than an inheritance tree.
package client

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/tstreamdb/client-go/internal/xclock"
	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/pkg/control"
	"github.com/tstreamdb/client-go/pkg/delivery"
	"github.com/tstreamdb/client-go/pkg/parser"
	"github.com/tstreamdb/client-go/pkg/queue"
	"github.com/tstreamdb/client-go/pkg/reconnect"
	"github.com/tstreamdb/client-go/pkg/registry"
	"github.com/tstreamdb/client-go/pkg/transport"
	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// Config is the process-wide configuration: listening_port selects mode,
// keep_alive is fixed policy.
type Config struct {
	ListeningPort int // 0 => reverse mode, >0 => listen mode, <0 => error
	LocalIP       string
	KeepAlive     transport.KeepAlive
	DialSession   control.SessionFactory
}

// Client is the process-wide subscription engine: it owns a process-wide
// registry and the listener, if any.
type Client struct {
	cfg Config
	reg *registry.Registry
	ctl *control.Plane

	mode     transport.Mode
	listener *transport.Listener
	dialer   *transport.Dialer

	reconnectCtl *reconnect.Controller

	mu            sync.Mutex
	subs          map[registry.SubscriptionID]*subscription
	closeWorkers  sync.WaitGroup
	cleanupDaemon func()
	cleanupRecon  func()
	exited        bool
}

type subscription struct {
	topic        string
	table        string
	action       string
	queue        *queue.Queue
	stopped      *delivery.Stopped
	msgAsTable   bool
	isEvent      bool
	deserializer parser.Deserializer
	columnNames  []string
}

// New constructs a Client in the mode cfg.ListeningPort selects. It starts
// the daemon goroutine (acceptor in listen mode, stream-consumer in
// reverse mode) and the reconnect controller goroutine.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ListeningPort < 0 {
		return nil, xerrors.New(xerrors.Configuration, "listening_port must be >= 0")
	}
	if cfg.DialSession == nil {
		return nil, xerrors.New(xerrors.Configuration, "DialSession is required")
	}

	reg := registry.New()
	ctl := control.New(cfg.DialSession, reg)

	c := &Client{
		cfg:  cfg,
		reg:  reg,
		ctl:  ctl,
		subs: make(map[registry.SubscriptionID]*subscription),
	}

	if cfg.ListeningPort > 0 {
		c.mode = transport.ModeListen
		addr := ":" + strconv.Itoa(cfg.ListeningPort)
		ln, err := transport.Listen(addr, cfg.KeepAlive)
		if err != nil {
			return nil, err
		}
		c.listener = ln
	} else {
		c.mode = transport.ModeReverse
		c.dialer = transport.NewDialer(cfg.KeepAlive)
	}

	c.reconnectCtl = reconnect.New(reg, ctl, xclock.New())
	c.cleanupRecon = c.reconnectCtl.Run(ctx)
	c.cleanupDaemon = c.runDaemon(ctx)

	return c, nil
}

func (c *Client) runDaemon(ctx context.Context) (cleanup func()) {
	ctx, cancel := context.WithCancel(ctx)
	var streams transport.StreamSource
	if c.mode == transport.ModeListen {
		streams = c.listener.Streams()
	} else {
		streams = c.dialer.Streams()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case conn, ok := <-streams:
				if !ok {
					return
				}
				if conn == nil {
					return // shutdown sentinel
				}
				c.closeWorkers.Add(1)
				go func(conn net.Conn) {
					defer c.closeWorkers.Done()
					w := parser.New(conn, c.reg, c.lookupSubscriber, c.reconnectCtl)
					w.Run()
				}(conn)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		c.closeWorkers.Wait()
	}
}

func (c *Client) lookupSubscriber(topic string) (*parser.Subscriber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.topic == topic {
			return &parser.Subscriber{
				Topic:           topic,
				Queue:           sub.queue,
				IsEvent:         sub.isEvent,
				MsgAsTable:      sub.msgAsTable,
				HasDeserializer: sub.deserializer != nil,
				Deserializer:    sub.deserializer,
				ColumnNames:     sub.columnNames,
			}, true
		}
	}
	return nil, false
}

// DeliveryMode selects which of pkg/delivery's front-ends, if any, Subscribe
// starts for a subscription. The zero value, DeliveryPolling, starts none:
// the caller drains Handle.Queue directly.
type DeliveryMode int

const (
	DeliveryPolling DeliveryMode = iota
	DeliveryThreadedRow
	DeliveryThreadedTable
	DeliveryThreadPool
	DeliveryEvent
)

// SubscribeOptions carries the arguments of the subscribe API.
type SubscribeOptions struct {
	Host, Port     string
	Table, Action  string
	Offset         int64
	Resub          bool
	Filter         interface{}
	MsgAsTable     bool
	AllowExists    bool
	BatchSize      int
	User, Password string
	BackupSites    []string
	IsEvent        bool
	ResubTimeoutMS int
	SubOnce        bool

	// Deserializer, if set, splits a BLOB column's values into rows instead
	// of the default raw row split; see pkg/parser.Deserializer.
	Deserializer parser.Deserializer

	// Delivery selects the front-end Subscribe starts for this
	// subscription; see DeliveryMode. PoolSize and ThrottleMS parameterize
	// DeliveryThreadPool and the Threaded variants respectively.
	Delivery     DeliveryMode
	PoolSize     int
	ThrottleMS   int
	RowHandler   delivery.RowHandler
	TableHandler delivery.TableHandler
	EventHandler delivery.EventHandler
	EventDecoder delivery.EventDecoder
}

// Handle is returned by Subscribe, wrapping the subscription's queue and
// stopped flag.
type Handle struct {
	ID      registry.SubscriptionID
	Topic   string
	Queue   *queue.Queue
	Stopped *delivery.Stopped
}

// Subscribe implements the subscribe API end to end. If the initial
// negotiation fails and the caller asked for resub or gave backup sites,
// the request is handed to the reconnect controller's initial-resub queue
// instead of failing outright; a later successful retry completes the
// subscription bookkeeping in the background, so Subscribe itself still
// returns an error to this caller: a Transport-kind error wrapping the
// original one.
//
// Combining MsgAsTable with a Deserializer, or a backup site that is not
// "host:port" with a port in 1..65535, is rejected as a Configuration error.
func (c *Client) Subscribe(ctx context.Context, opts SubscribeOptions) (*Handle, error) {
	if opts.MsgAsTable && opts.Deserializer != nil {
		return nil, xerrors.New(xerrors.Configuration, "msg_as_table cannot be combined with a deserializer")
	}
	for _, site := range opts.BackupSites {
		_, p, splitErr := net.SplitHostPort(site)
		n, convErr := strconv.Atoi(p)
		if splitErr != nil || convErr != nil || n < 1 || n > 65535 {
			return nil, xerrors.New(xerrors.Configuration, "invalid backup site: "+site)
		}
	}

	localPort := 0
	if c.mode == transport.ModeListen {
		localPort = c.cfg.ListeningPort
	}

	req := control.SubscribeRequest{
		Host: opts.Host, Port: opts.Port,
		Table: opts.Table, Action: opts.Action,
		Offset: opts.Offset, Resub: opts.Resub, Filter: opts.Filter,
		MsgAsTable: opts.MsgAsTable, AllowExists: opts.AllowExists,
		BatchSize: opts.BatchSize, User: opts.User, Password: opts.Password,
		BackupSites: opts.BackupSites, IsEvent: opts.IsEvent,
		ResubTimeoutMS: opts.ResubTimeoutMS, SubOnce: opts.SubOnce,
		Mode: c.mode, LocalIP: c.cfg.LocalIP, LocalPort: localPort,
	}

	topic, columnNames, err := c.ctl.Subscribe(ctx, req)
	if err != nil {
		if opts.Resub || len(opts.BackupSites) > 0 {
			ireq := reconnect.InitialRequest{
				Host: opts.Host, Port: opts.Port,
				Table: opts.Table, Action: opts.Action,
				Offset: opts.Offset, Filter: opts.Filter,
				MsgAsTable: opts.MsgAsTable, AllowExists: opts.AllowExists,
				User: opts.User, Password: opts.Password,
				BackupSites: opts.BackupSites, IsEvent: opts.IsEvent,
				ResubTimeoutMS: opts.ResubTimeoutMS, SubOnce: opts.SubOnce,
				Mode: c.mode, LocalIP: c.cfg.LocalIP, LocalPort: localPort,
			}
			c.reconnectCtl.EnqueueInitial(ireq, func(t string, cols []string) {
				c.bindSubscription(context.Background(), t, cols, opts)
			}, xclock.New().Now())
			return nil, xerrors.Wrap(xerrors.Transport, "initial subscribe queued for retry", err)
		}
		return nil, err
	}

	return c.bindSubscription(ctx, topic, columnNames, opts), nil
}

// bindSubscription finishes what a successful subscribe negotiation
// started: it allocates the queue, registers the subscription, dials the
// reverse-mode data connection, and starts whichever delivery front-end
// opts.Delivery asked for.
func (c *Client) bindSubscription(ctx context.Context, topic string, columnNames []string, opts SubscribeOptions) *Handle {
	capacity := opts.BatchSize
	if capacity < 65536 {
		capacity = 65536
	}
	q := queue.New(capacity)
	stopped := &delivery.Stopped{}

	id := c.reg.BindSubscription(opts.Table, topic)
	c.mu.Lock()
	c.subs[id] = &subscription{
		topic: topic, table: opts.Table, action: opts.Action,
		queue: q, stopped: stopped,
		msgAsTable: opts.MsgAsTable, isEvent: opts.IsEvent,
		deserializer: opts.Deserializer, columnNames: columnNames,
	}
	c.mu.Unlock()

	if c.mode == transport.ModeReverse {
		if err := c.dialer.Dial(ctx, opts.Host+":"+opts.Port); err != nil {
			xlogger.Error("client: reverse-mode dial failed after subscribe:", err)
		}
	}

	c.startDelivery(ctx, q, stopped, opts)

	return &Handle{ID: id, Topic: topic, Queue: q, Stopped: stopped}
}

// startDelivery launches the drain goroutine opts.Delivery selects, if any,
// tracked by closeWorkers so Exit waits for it to finish. Unsubscribe
// signals it to stop but does not wait for it.
func (c *Client) startDelivery(ctx context.Context, q *queue.Queue, stopped *delivery.Stopped, opts SubscribeOptions) {
	switch opts.Delivery {
	case DeliveryPolling:
		return
	case DeliveryThreadedRow:
		c.closeWorkers.Add(1)
		go func() {
			defer c.closeWorkers.Done()
			delivery.RunThreadedRow(ctx, q, stopped, delivery.ThreadedRowConfig{
				BatchSize: opts.BatchSize, ThrottleMS: opts.ThrottleMS,
			}, opts.RowHandler)
		}()
	case DeliveryThreadedTable:
		c.closeWorkers.Add(1)
		go func() {
			defer c.closeWorkers.Done()
			delivery.RunThreadedTable(ctx, q, stopped, delivery.ThreadedTableConfig{
				BatchSize: opts.BatchSize, ThrottleMS: opts.ThrottleMS,
			}, opts.TableHandler)
		}()
	case DeliveryThreadPool:
		n := opts.PoolSize
		if n <= 0 {
			n = 1
		}
		var throttler *delivery.Throttler
		if opts.ThrottleMS > 0 {
			throttler = delivery.NewThrottler(1000.0/float64(opts.ThrottleMS), 1)
		}
		handler := func(msg queue.Message) {
			if opts.RowHandler != nil {
				opts.RowHandler([]queue.Message{msg})
			}
		}
		workersDone := delivery.ThreadPool(ctx, q, stopped, n, throttler, handler)
		c.closeWorkers.Add(1)
		go func() {
			defer c.closeWorkers.Done()
			workersDone()
		}()
	case DeliveryEvent:
		c.closeWorkers.Add(1)
		go func() {
			defer c.closeWorkers.Done()
			delivery.RunEvent(ctx, q, stopped, opts.EventDecoder, opts.EventHandler)
		}()
	}
}

// Unsubscribe implements the unsubscribe API: locates the subscription by
// table+action (the topic stored on it is server-assigned and unknown to
// the caller), translates follower->leader via the reconnect controller's
// HA map if the direct registry lookup fails, tears down the registry entry
// (pushing the sentinel), and calls stopPublishTable in listen mode.
func (c *Client) Unsubscribe(ctx context.Context, host, port, table, action string) error {
	c.mu.Lock()
	var found *subscription
	var foundID registry.SubscriptionID
	for id, sub := range c.subs {
		if sub.table == table && sub.action == action {
			found = sub
			foundID = id
			break
		}
	}
	c.mu.Unlock()

	if found == nil {
		xlogger.Warning("client: unsubscribe of unknown subscription", table, action)
		return nil
	}

	topic := found.topic
	targetHost, targetPort := host, port
	if _, ok := c.reg.Get(topic); !ok {
		if r, ok := c.reconnectCtl.Translate(topic); ok {
			targetHost = r.Host
			targetPort = strconv.Itoa(r.Port)
		}
	}

	if err := c.ctl.Unsubscribe(ctx, c.mode, targetHost, targetPort, table, action, c.cfg.LocalIP, c.cfg.ListeningPort); err != nil {
		return err
	}

	found.stopped.Set()
	found.queue.PushStop()
	c.reg.Remove(topic)
	c.reconnectCtl.ForgetRedirect(topic)
	_, _, _ = c.reg.UnbindSubscription(foundID, table)

	c.mu.Lock()
	delete(c.subs, foundID)
	c.mu.Unlock()

	return nil
}

// Exit tears down the entire client: every subscription's queue gets the
// sentinel, the listener/dialer closes, and the daemon/reconnect
// goroutines stop. Idempotent: calling it twice has the same effect as
// calling it once.
func (c *Client) Exit() {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return
	}
	c.exited = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.stopped.Set()
		s.queue.PushStop()
	}

	if c.listener != nil {
		c.listener.Close()
	}
	if c.dialer != nil {
		c.dialer.Close()
	}
	if c.cleanupDaemon != nil {
		c.cleanupDaemon()
	}
	if c.cleanupRecon != nil {
		c.cleanupRecon()
	}
}
