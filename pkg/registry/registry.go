package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tstreamdb/client-go/pkg/ha"
	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// Registry is the subscription bookkeeping shared by the control plane,
// the reconnect controller and the parser workers. All four maps are
// guarded by one mutex: entries are small and each mutation
// (subscribe/unsubscribe/reconnect, plus one offset update per data frame)
// is a short critical section, so fine-grained locking would add
// complexity without a measurable benefit.
type Registry struct {
	mu sync.RWMutex

	byTopic  map[string]*Entry
	bySite   map[string]map[string]struct{} // site -> set of topics
	tableRef map[string]int                 // table -> subscriber refcount
	bySubID  map[SubscriptionID]string      // subscription id -> topic
}

func New() *Registry {
	return &Registry{
		byTopic:  make(map[string]*Entry),
		bySite:   make(map[string]map[string]struct{}),
		tableRef: make(map[string]int),
		bySubID:  make(map[SubscriptionID]string),
	}
}

// TopicName builds the canonical topic key for a table + action name pair.
func TopicName(table, actionName string) string {
	if actionName == "" {
		return table
	}
	return table + "/" + actionName
}

// Upsert inserts or updates the Entry for e.Topic under lock, running fn
// with the current (possibly freshly-created) entry. fn must not block or
// call back into the Registry.
func (r *Registry) Upsert(topic string, fn func(e *Entry)) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byTopic[topic]
	if !ok {
		e = &Entry{Topic: topic}
		r.byTopic[topic] = e
	}
	oldSite := e.Site
	fn(e)

	if oldSite != "" && oldSite != e.Site {
		if set, ok := r.bySite[oldSite]; ok {
			delete(set, topic)
			if len(set) == 0 {
				delete(r.bySite, oldSite)
			}
		}
	}
	if e.Site != "" {
		set, ok := r.bySite[e.Site]
		if !ok {
			set = make(map[string]struct{})
			r.bySite[e.Site] = set
		}
		set[topic] = struct{}{}
	}
	return e
}

// Get returns the Entry for topic, if any.
func (r *Registry) Get(topic string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTopic[topic]
	return e, ok
}

// Remove deletes topic's entry entirely (final unsubscribe for that
// topic, or teardown) and drops it from whichever site set it belonged to.
func (r *Registry) Remove(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTopic[topic]
	if !ok {
		return
	}
	if e.Site != "" {
		if set, ok := r.bySite[e.Site]; ok {
			delete(set, topic)
			if len(set) == 0 {
				delete(r.bySite, e.Site)
			}
		}
	}
	delete(r.byTopic, topic)
}

// TopicsForSite returns the topics currently attached to site.
func (r *Registry) TopicsForSite(site string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySite[site]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// BindSubscription associates a freshly issued subscription id with topic,
// incrementing the table's refcount so multiple subscriptions can share
// one underlying table connection.
func (r *Registry) BindSubscription(table, topic string) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := SubscriptionID(uuid.NewString())
	r.bySubID[id] = topic
	r.tableRef[table]++
	return id
}

// UnbindSubscription removes id's binding and decrements table's refcount,
// reporting whether that was the last subscriber for table.
func (r *Registry) UnbindSubscription(id SubscriptionID, table string) (topic string, lastForTable bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topic, ok := r.bySubID[id]
	if !ok {
		return "", false, xerrors.New(xerrors.User, "unknown subscription id")
	}
	delete(r.bySubID, id)
	if n, ok := r.tableRef[table]; ok {
		n--
		if n <= 0 {
			delete(r.tableRef, table)
			return topic, true, nil
		}
		r.tableRef[table] = n
	}
	return topic, false, nil
}

// TopicForSubscription resolves a subscription id back to its topic.
func (r *Registry) TopicForSubscription(id SubscriptionID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubID[id]
	return t, ok
}

// AttachPool records the HA pool for topic's entry, built once when the
// entry first gains a non-empty HASites list.
func (r *Registry) AttachPool(topic string, sites []string) *ha.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTopic[topic]
	if !ok || len(sites) == 0 {
		return nil
	}
	if e.Pool == nil {
		e.Pool = ha.NewPool(sites)
	}
	return e.Pool
}

// AllTopics returns every currently registered topic.
func (r *Registry) AllTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		out = append(out, t)
	}
	return out
}
