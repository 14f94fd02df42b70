package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(0)
	q.Push(Message{Topic: "a", Offset: 1})
	q.Push(Message{Topic: "a", Offset: 2})

	m1, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(1), m1.Offset)

	m2, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(2), m2.Offset)
}

func TestPushBlocksAtCapacityThenUnblocks(t *testing.T) {
	q := New(1)
	q.Push(Message{Offset: 1})

	done := make(chan struct{})
	go func() {
		q.Push(Message{Offset: 2})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push should have blocked while queue is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Pop()
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after space freed")
	}
}

func TestPopBatchRespectsMax(t *testing.T) {
	q := New(0)
	for i := 0; i < 5; i++ {
		q.Push(Message{Offset: int64(i)})
	}
	batch := q.PopBatch(3)
	require.Len(t, batch, 3)
	require.Equal(t, 2, q.Size())
}

func TestPushStopUnblocksPopWithoutLosingQueuedMessages(t *testing.T) {
	q := New(0)
	q.Push(Message{Offset: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	var popped Message
	var ok bool
	go func() {
		defer wg.Done()
		popped, ok = q.Pop()
	}()
	wg.Wait()
	require.True(t, ok)
	require.Equal(t, int64(1), popped.Offset)

	wg.Add(1)
	var secondOK bool
	go func() {
		defer wg.Done()
		_, secondOK = q.Pop()
	}()
	q.PushStop()
	wg.Wait()
	require.False(t, secondOK)
}

func TestPushStopIsIdempotent(t *testing.T) {
	q := New(0)
	q.PushStop()
	q.PushStop()
	_, ok := q.Pop()
	require.False(t, ok)
}
