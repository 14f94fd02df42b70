// Package reconnect implements the reconnect controller: a periodic scan
// of failed topics that retries on the currently selected site, rotates
// through HA/backup sites, and follows NotLeader redirects.
package reconnect

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/tstreamdb/client-go/internal/xclock"
	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/pkg/registry"
	"github.com/tstreamdb/client-go/pkg/transport"
	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// pollSlack is the controller's loop granularity: a 10ms poll interval.
const pollSlack = 10 * time.Millisecond

// entry is one pending reconnect attempt against an already-known topic.
type entry struct {
	topic   string
	lastTry time.Time
	attempt int
}

// InitialRequest carries the original subscribe request for a pending
// initial-subscribe retry. A steady-state reconnect resumes against a
// registry entry that subscribe already created; an initial subscribe
// failed before any entry existed, so the controller needs the full
// request to retry the negotiation from scratch.
type InitialRequest struct {
	Host, Port     string
	Table, Action  string
	Offset         int64
	Filter         interface{}
	MsgAsTable     bool
	AllowExists    bool
	User, Password string
	BackupSites    []string
	IsEvent        bool
	ResubTimeoutMS int
	SubOnce        bool
	Mode           transport.Mode
	LocalIP        string
	LocalPort      int
}

// initialEntry is one pending initial-subscribe retry, distinct from the
// steady-state pending map: it carries the request needed to retry from
// scratch and a completion callback instead of a topic key.
type initialEntry struct {
	req       InitialRequest
	lastTry   time.Time
	attempt   int
	onSuccess func(topic string, columnNames []string)
}

// Resubscriber performs the actual network attempts pkg/control knows how
// to make; this package stays free of RPC/session concerns.
type Resubscriber interface {
	// Resubscribe attempts to (re)establish site's subscription for topic,
	// returning the new topic name (which may differ) on success, or an
	// error. When the site reports NotLeader, the error has a
	// Redirect() (host string, port int) method giving the new leader.
	Resubscribe(ctx context.Context, topic, site string) (newTopic string, err error)

	// ResubscribeInitial retries a subscribe that failed before it ever
	// reached the registry, dialing site directly with req rather than
	// resuming against a known topic.
	ResubscribeInitial(ctx context.Context, site string, req InitialRequest) (topic string, columnNames []string, err error)
}

// Redirect carries the address a NotLeader error redirected to.
type Redirect struct {
	Host string
	Port int
}

// Controller runs the single reconnect-controller goroutine for a client
// instance.
type Controller struct {
	reg    *registry.Registry
	resub  Resubscriber
	clock  xclock.Clock

	mu      sync.Mutex
	pending map[string]*entry
	initial map[string]*initialEntry
	haMap   map[string]Redirect // topic -> leader redirect target

	cancel      context.CancelFunc
	done        chan struct{}
	initialSeq  int
}

// New constructs a Controller. Call Run to start its goroutine and call
// the returned cleanup to stop it, the same context+waitgroup+cleanup
// pattern mirrored across every goroutine this module owns.
func New(reg *registry.Registry, resub Resubscriber, clock xclock.Clock) *Controller {
	return &Controller{
		reg:     reg,
		resub:   resub,
		clock:   clock,
		pending: make(map[string]*entry),
		initial: make(map[string]*initialEntry),
		haMap:   make(map[string]Redirect),
	}
}

// Enqueue marks topic as needing a reconnect attempt, implementing
// parser.ReconnectSink.
func (c *Controller) Enqueue(topic string, attempt int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[topic] = &entry{topic: topic, lastTry: now, attempt: attempt}
}

// EnqueueInitial records a failed initial subscribe in the initial-resub
// queue, which retries the negotiation from scratch (rotating through
// req.BackupSites) instead of resuming against a registry entry that was
// never created. onSuccess runs once the retry succeeds, so the caller
// (which has already returned an error to its own caller) can finish the
// subscription bookkeeping a successful synchronous Subscribe would have
// done.
func (c *Controller) EnqueueInitial(req InitialRequest, onSuccess func(topic string, columnNames []string), now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialSeq++
	key := req.Table + "/" + req.Action + "#" + strconv.Itoa(c.initialSeq)
	c.initial[key] = &initialEntry{req: req, lastTry: now, onSuccess: onSuccess}
}

// Run starts the poll loop and returns a cleanup func that cancels it and
// waits for it to exit.
func (c *Controller) Run(ctx context.Context) (cleanup func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
	return func() {
		cancel()
		<-c.done
	}
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.NewTimerChan(pollSlack):
		}
		c.scanOnce(ctx)
	}
}

func (c *Controller) scanOnce(ctx context.Context) {
	now := c.clock.Now()
	due := c.dueEntries(now)
	for _, e := range due {
		c.attempt(ctx, e)
	}
	for _, key := range c.dueInitialKeys(now) {
		c.attemptInitial(ctx, key)
	}
}

func (c *Controller) dueEntries(now time.Time) []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*entry
	for _, e := range c.pending {
		ent, ok := c.reg.Get(e.topic)
		timeout := 0
		if ok {
			timeout = ent.ResubTimeout
		}
		if now.Sub(e.lastTry) < time.Duration(timeout)*time.Millisecond {
			continue
		}
		due = append(due, e)
	}
	return due
}

func (c *Controller) dueInitialKeys(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []string
	for key, e := range c.initial {
		if now.Sub(e.lastTry) < time.Duration(e.req.ResubTimeoutMS)*time.Millisecond {
			continue
		}
		due = append(due, key)
	}
	return due
}

// attemptInitial retries an initial subscribe against req.Host/Port first,
// then rotates through req.BackupSites on each subsequent attempt, mirroring
// attemptWithBackupList's round-robin shape for a request that has no
// registry entry (and so no HA pool) to rotate through yet.
func (c *Controller) attemptInitial(ctx context.Context, key string) {
	c.mu.Lock()
	e, ok := c.initial[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	sites := append([]string{e.req.Host + ":" + e.req.Port}, e.req.BackupSites...)
	site := sites[e.attempt%len(sites)]

	topic, columnNames, err := c.resub.ResubscribeInitial(ctx, site, e.req)
	if err != nil {
		c.mu.Lock()
		if pe := c.initial[key]; pe != nil {
			pe.attempt++
			pe.lastTry = c.clock.Now()
		}
		c.mu.Unlock()
		xlogger.Warning("reconnect: initial subscribe retry failed for", e.req.Table, ":", err)
		return
	}

	c.mu.Lock()
	delete(c.initial, key)
	c.mu.Unlock()

	if e.onSuccess != nil {
		e.onSuccess(topic, columnNames)
	}
}

func (c *Controller) attempt(ctx context.Context, e *entry) {
	ent, ok := c.reg.Get(e.topic)
	if !ok {
		c.removePending(e.topic)
		return
	}

	var err error
	if ent.Pool == nil {
		err = c.attemptNoBackupList(ctx, ent)
	} else {
		err = c.attemptWithBackupList(ctx, ent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		pe := c.pending[e.topic]
		if pe != nil {
			pe.attempt++
			pe.lastTry = c.clock.Now()
		}
		xlogger.Warning("reconnect: attempt failed for", e.topic, ":", err)
		return
	}
	delete(c.pending, e.topic)
}

// attemptNoBackupList: try the current (host, port) up to 3 times; on
// NotLeader redirect to the new leader and retry; on generic failure fall
// back to a random ha_sites entry.
func (c *Controller) attemptNoBackupList(ctx context.Context, ent *registry.Entry) error {
	site := ent.Site
	var lastErr error
	for i := 0; i < 3; i++ {
		newTopic, err := c.resub.Resubscribe(ctx, ent.Topic, site)
		if err == nil {
			c.onResubscribeSuccess(ent, newTopic, site)
			return nil
		}
		lastErr = err
		if r, ok := extractRedirect(err); ok {
			leader := addrString(r.Host, r.Port)
			c.recordHAInfo(ent.Topic, r)
			site = leader
			continue
		}
	}
	if len(ent.HASites) > 0 {
		site = ent.HASites[rand.Intn(len(ent.HASites))]
		newTopic, err := c.resub.Resubscribe(ctx, ent.Topic, site)
		if err == nil {
			c.onResubscribeSuccess(ent, newTopic, site)
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// attemptWithBackupList: round-robin through available sites, two tries
// each; sub_once removes the originally-failed site from rotation once a
// different site succeeds.
func (c *Controller) attemptWithBackupList(ctx context.Context, ent *registry.Entry) error {
	pool := ent.Pool
	if pool == nil {
		return xerrors.New(xerrors.Configuration, "entry has HASites but no pool attached")
	}

	originalSite := ent.Site
	originalIdx := pool.IndexOf(originalSite)
	if originalIdx < 0 {
		originalIdx = ent.LastSiteIdx
	}

	var lastErr error
	n := pool.Len()
	for offset := 0; offset < n; offset++ {
		idx := (originalIdx + offset) % n
		site := pool.At(idx)
		for try := 0; try < 2; try++ {
			newTopic, err := c.resub.Resubscribe(ctx, ent.Topic, site)
			if err == nil {
				c.onResubscribeSuccess(ent, newTopic, site)
				successTopic := ent.Topic
				if newTopic != "" && newTopic != ent.Topic {
					successTopic = newTopic
				}
				c.reg.Upsert(successTopic, func(e *registry.Entry) {
					e.LastSiteIdx = idx
					e.RetryCount = 0
				})
				if ent.SubOnce && site != originalSite {
					c.removeSiteFromRotation(successTopic, originalSite)
				}
				return nil
			}
			lastErr = err
		}
	}
	c.reg.Upsert(ent.Topic, func(e *registry.Entry) {
		e.RetryCount++
	})
	return lastErr
}

func (c *Controller) onResubscribeSuccess(ent *registry.Entry, newTopic, site string) {
	if newTopic != "" && newTopic != ent.Topic {
		c.reg.Upsert(newTopic, func(ne *registry.Entry) {
			*ne = *ent
			ne.Topic = newTopic
			ne.Site = site
		})
		c.reg.Remove(ent.Topic)
		return
	}
	c.reg.Upsert(ent.Topic, func(e *registry.Entry) {
		e.Site = site
	})
}

func (c *Controller) removePending(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, topic)
}

// ClearPending drops topic's pending reconnect entry, if any, implementing
// parser.ReconnectSink's schema-frame hook: a schema frame completes the
// handshake for those topics and clears any pending reconnect entries
// for them.
func (c *Controller) ClearPending(topic string) {
	c.removePending(topic)
}

func (c *Controller) recordHAInfo(topic string, r Redirect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haMap[topic] = r
}

// Translate returns the leader redirect recorded for topic (its
// HAStreamTableInfo), used by unsubscribe to translate follower->leader.
func (c *Controller) Translate(topic string) (Redirect, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.haMap[topic]
	return r, ok
}

// ForgetRedirect removes topic's HAStreamTableInfo entry, called on
// unsubscribe.
func (c *Controller) ForgetRedirect(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.haMap, topic)
}

// removeSiteFromRotation retires site for good: it is dropped from
// HASites and, if a pool is attached, from the pool's own rotation too, so
// At/IndexOf/Len all agree with HASites and a future attemptWithBackupList
// pass never revisits the site sub_once already moved on from.
func (c *Controller) removeSiteFromRotation(topic, site string) {
	c.reg.Upsert(topic, func(e *registry.Entry) {
		out := e.HASites[:0]
		for _, s := range e.HASites {
			if s != site {
				out = append(out, s)
			}
		}
		e.HASites = out
		if e.Pool != nil {
			e.Pool.Remove(site)
		}
	})
}

func extractRedirect(err error) (Redirect, bool) {
	type redirector interface{ Redirect() (string, int) }
	if r, ok := err.(redirector); ok {
		host, port := r.Redirect()
		return Redirect{Host: host, Port: port}, true
	}
	return Redirect{}, false
}

func addrString(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
