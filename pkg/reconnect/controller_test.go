package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tstreamdb/client-go/internal/xclock"
	"github.com/tstreamdb/client-go/pkg/registry"
)

type fakeResubscriber struct {
	failTimes int
	calls     int
	newTopic  string
}

func (f *fakeResubscriber) Resubscribe(ctx context.Context, topic, site string) (string, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return "", errTransient
	}
	return f.newTopic, nil
}

func (f *fakeResubscriber) ResubscribeInitial(ctx context.Context, site string, req InitialRequest) (string, []string, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return "", nil, errTransient
	}
	return f.newTopic, nil, nil
}

var errTransient = &simpleErr{"transient"}

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

func TestAttemptNoBackupListSucceedsWithinThreeTries(t *testing.T) {
	reg := registry.New()
	topic := "h:p/t/a"
	reg.Upsert(topic, func(e *registry.Entry) { e.Site = "h:p"; e.ResubTimeout = 0 })

	resub := &fakeResubscriber{failTimes: 2}
	c := New(reg, resub, xclock.New())
	c.Enqueue(topic, 0, time.Now().Add(-time.Second))

	c.scanOnce(context.Background())

	require.Equal(t, 3, resub.calls)
	_, pending := c.pending[topic]
	require.False(t, pending)
}

func TestAttemptWithBackupListRotatesAndHonorsSubOnce(t *testing.T) {
	reg := registry.New()
	topic := "h:p/t/a"
	reg.Upsert(topic, func(e *registry.Entry) {
		e.Site = "p:1"
		e.HASites = []string{"p:1", "b1:2", "b2:3"}
		e.SubOnce = true
		e.ResubTimeout = 0
	})
	reg.AttachPool(topic, []string{"p:1", "b1:2", "b2:3"})

	// primary fails twice, b1 succeeds on its first try (2 failures before
	// success overall: primary try1, primary try2, b1 try1=success).
	resub := &fakeResubscriber{failTimes: 2}
	c := New(reg, resub, xclock.New())
	c.Enqueue(topic, 0, time.Now().Add(-time.Second))

	c.scanOnce(context.Background())

	ent, ok := reg.Get(topic)
	require.True(t, ok)
	require.Equal(t, "b1:2", ent.Site)
	require.NotContains(t, ent.HASites, "p:1")
}

func TestDueEntriesRespectsResubTimeout(t *testing.T) {
	reg := registry.New()
	topic := "h:p/t/a"
	reg.Upsert(topic, func(e *registry.Entry) { e.ResubTimeout = 100000 })

	c := New(reg, &fakeResubscriber{}, xclock.New())
	c.Enqueue(topic, 0, time.Now())

	due := c.dueEntries(time.Now())
	require.Empty(t, due)
}

func TestRunAndCleanupStopsLoop(t *testing.T) {
	reg := registry.New()
	c := New(reg, &fakeResubscriber{}, xclock.New())
	cleanup := c.Run(context.Background())
	cleanup()
}
