package parser

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tstreamdb/client-go/pkg/queue"
	"github.com/tstreamdb/client-go/pkg/registry"
	"github.com/tstreamdb/client-go/pkg/wire"
)

type fakeSink struct {
	enqueued []string
}

func (f *fakeSink) Enqueue(topic string, attempt int, now time.Time) {
	f.enqueued = append(f.enqueued, topic)
}

func (f *fakeSink) ClearPending(topic string) {}

func TestRunDeliversRowsWithIncrementingOffsets(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := registry.New()
	topic := "h:p/t/a"
	reg.Upsert(topic, func(e *registry.Entry) { e.Table = "t" })

	q := queue.New(0)
	sub := &Subscriber{Topic: topic, Queue: q}
	lookup := func(tp string) (*Subscriber, bool) {
		if tp == topic {
			return sub, true
		}
		return nil, false
	}

	sink := &fakeSink{}
	w := New(client, reg, lookup, sink)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	go func() {
		f := &wire.Frame{
			Offset: 42,
			Topics: []string{topic},
			Form:   wire.FormVector,
			AnyVector: &wire.AnyVector{Columns: []wire.Vector{
				{ElemType: wire.TypeInt64, Values: []wire.Value{{Type: wire.TypeInt64, Int64: 1}, {Type: wire.TypeInt64, Int64: 2}, {Type: wire.TypeInt64, Int64: 3}}},
			}},
		}
		require.NoError(t, wire.Encode(server, f))
		server.Close()
	}()

	m1, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(40), m1.Offset)
	m2, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(41), m2.Offset)
	m3, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(42), m3.Offset)

	e, ok := reg.Get(topic)
	require.True(t, ok)
	require.Equal(t, int64(43), e.Offset)

	<-done
}

func TestRunSkipsSchemaFrameWithoutPushingAMessage(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := registry.New()
	topic := "h:p/t/a"
	q := queue.New(0)
	sub := &Subscriber{Topic: topic, Queue: q}
	lookup := func(tp string) (*Subscriber, bool) { return sub, tp == topic }

	w := New(client, reg, lookup, nil)
	go w.Run()

	go func() {
		schema := &wire.Frame{
			Topics: []string{topic},
			Form:   wire.FormTable,
			Table:  &wire.Table{ColumnNames: []string{"sym"}, Columns: []wire.Vector{{ElemType: wire.TypeSymbol}}},
		}
		require.NoError(t, wire.Encode(server, schema))

		data := &wire.Frame{
			Offset: 5,
			Topics: []string{topic},
			Form:   wire.FormVector,
			AnyVector: &wire.AnyVector{Columns: []wire.Vector{
				{ElemType: wire.TypeInt64, Values: []wire.Value{{Type: wire.TypeInt64, Int64: 9}}},
			}},
		}
		require.NoError(t, wire.Encode(server, data))
		server.Close()
	}()

	m, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(5), m.Offset)
}

func TestRunEnqueuesReconnectOnDecodeErrorForLiveTopics(t *testing.T) {
	server, client := net.Pipe()

	reg := registry.New()
	topic := "h:p/t/a"
	q := queue.New(0)
	sub := &Subscriber{Topic: topic, Queue: q}
	lookup := func(tp string) (*Subscriber, bool) { return sub, tp == topic }

	sink := &fakeSink{}
	w := New(client, reg, lookup, sink)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	go func() {
		f := &wire.Frame{
			Offset:    1,
			Topics:    []string{topic},
			Form:      wire.FormVector,
			AnyVector: &wire.AnyVector{Columns: []wire.Vector{{ElemType: wire.TypeInt64, Values: []wire.Value{{Type: wire.TypeInt64, Int64: 1}}}}},
		}
		require.NoError(t, wire.Encode(server, f))
		server.Close() // abrupt close after one good frame
	}()

	_, ok := q.Pop()
	require.True(t, ok)
	<-done
	require.Contains(t, sink.enqueued, topic)
}
