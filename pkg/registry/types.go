// Package registry tracks the bookkeeping needed across
// subscribe/unsubscribe/reconnect: which topics are subscribed, which sites
// serve which topics, how many subscriptions reference a given table, and
// which subscription id maps to which topic. It follows the same
// map-plus-mutex-plus-upsert-closure shape as an in-process pub/sub broker:
// all map mutation sits behind dedicated methods, and the one callback the
// Registry invokes (Upsert's fn) runs under its lock, so it must not block
// or call back into the Registry.
package registry

import "github.com/tstreamdb/client-go/pkg/ha"

// Entry is the per-topic subscription state.
type Entry struct {
	Topic       string
	Table       string
	ActionName  string
	Site        string // currently connected site, "host:port"
	HASites     []string
	MsgAsTable  bool
	SubOnce     bool
	ResubTimeout int // milliseconds between reconnect attempts; <=0 retries on every poll

	// LastSiteIdx is the index into Pool's rotation of the site that last
	// succeeded, so a reconnect after a transient drop resumes from the same
	// site rather than restarting rotation from the top.
	LastSiteIdx int
	// RetryCount counts consecutive failed reconnect attempts against the
	// current HASites rotation; reset to 0 on a successful (re)connect.
	RetryCount int

	Offset int64 // next expected offset: last offset delivered for this topic + 1

	Pool *ha.Pool // backup sites plus HASites; nil if both are empty
}

// SubscriptionID is the opaque handle returned by Subscribe, backed by a
// uuid so it is safe to hand to callers as an opaque string.
type SubscriptionID string
