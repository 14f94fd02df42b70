package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tstreamdb/client-go/pkg/queue"
	"github.com/tstreamdb/client-go/pkg/wire"
)

func TestRunThreadedRowDeliversBatchThenStops(t *testing.T) {
	q := queue.New(0)
	q.Push(queue.Message{Offset: 1})
	q.Push(queue.Message{Offset: 2})
	q.Push(queue.Message{Offset: 3})

	stopped := &Stopped{}
	var got []queue.Message
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		RunThreadedRow(context.Background(), q, stopped, ThreadedRowConfig{BatchSize: 10, ThrottleMS: 50}, func(batch []queue.Message) {
			mu.Lock()
			got = append(got, batch...)
			mu.Unlock()
			if len(got) >= 3 {
				stopped.Set()
				q.PushStop()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
}

func TestRunThreadedTableCoalescesUpToBatchSize(t *testing.T) {
	q := queue.New(0)
	mkTableMsg := func(rows int, offset int64) queue.Message {
		vals := make([]wire.Value, rows)
		for i := range vals {
			vals[i] = wire.Value{Type: wire.TypeInt64, Int64: int64(i)}
		}
		return queue.Message{
			Offset: offset,
			Frame: &wire.Frame{
				Offset: offset,
				Form:   wire.FormTable,
				Table:  &wire.Table{ColumnNames: []string{"v"}, Columns: []wire.Vector{{ElemType: wire.TypeInt64, Values: vals}}},
			},
		}
	}
	q.Push(mkTableMsg(100, 99))
	q.Push(mkTableMsg(100, 199))

	stopped := &Stopped{}
	done := make(chan queue.Message, 1)

	go RunThreadedTable(context.Background(), q, stopped, ThreadedTableConfig{BatchSize: 150, ThrottleMS: 50}, func(msg queue.Message) {
		done <- msg
		stopped.Set()
		q.PushStop()
	})

	select {
	case msg := <-done:
		require.Equal(t, 150, msg.Frame.Table.NumRows())
	case <-time.After(2 * time.Second):
		t.Fatal("table coalescing did not deliver")
	}
}

func TestThreadPoolSharesQueueAcrossWorkers(t *testing.T) {
	q := queue.New(0)
	for i := 0; i < 10; i++ {
		q.Push(queue.Message{Offset: int64(i)})
	}

	stopped := &Stopped{}
	var mu sync.Mutex
	count := 0

	cleanup := ThreadPool(context.Background(), q, stopped, 3, nil, func(msg queue.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	stopped.Set()
	q.PushStop()
	cleanup()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, count)
}

func TestThreadPoolHonorsThrottler(t *testing.T) {
	q := queue.New(0)
	for i := 0; i < 5; i++ {
		q.Push(queue.Message{Offset: int64(i)})
	}

	stopped := &Stopped{}
	throttler := NewThrottler(1000, 5) // generous: shouldn't block this test
	var mu sync.Mutex
	count := 0

	cleanup := ThreadPool(context.Background(), q, stopped, 2, throttler, func(msg queue.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	stopped.Set()
	q.PushStop()
	cleanup()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, count)
}

func TestRunEventLogsAndContinuesOnDecodeFailure(t *testing.T) {
	q := queue.New(0)
	q.Push(queue.Message{Frame: &wire.Frame{AnyVector: &wire.AnyVector{}}})

	stopped := &Stopped{}
	decoder := failingDecoder{}

	done := make(chan struct{})
	go func() {
		RunEvent(context.Background(), q, stopped, decoder, func(eventType string, attrs []wire.Value) {})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	stopped.Set()
	q.PushStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not exit after stop")
	}
}

type failingDecoder struct{}

func (failingDecoder) Decode(av *wire.AnyVector) ([]DecodedEvent, error) {
	return nil, errDecodeFailed
}

var errDecodeFailed = decodeErr("boom")

type decodeErr string

func (e decodeErr) Error() string { return string(e) }
