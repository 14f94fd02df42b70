package asyncpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	statuses []TaskStatus
}

func (s *recordingSink) Publish(st TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

type scriptedWorker struct {
	fail map[string]bool
}

func (w *scriptedWorker) Execute(ctx context.Context, task Task) (interface{}, error) {
	if w.fail[task.Identity] {
		return nil, errors.New("io exception")
	}
	return "ok", nil
}

func (w *scriptedWorker) Close() error { return nil }

func TestPoolIsolatesTaskFailureAndKeepsWorkerAlive(t *testing.T) {
	sink := &recordingSink{}
	worker := &scriptedWorker{fail: map[string]bool{"t2": true}}
	factory := func() (Worker, error) { return worker, nil }

	pool, err := New(1, factory, sink)
	require.NoError(t, err)
	cleanup := pool.Run(context.Background())

	require.NoError(t, pool.Insert(Task{Identity: "t1", Script: "1+1"}))
	require.NoError(t, pool.Insert(Task{Identity: "t2", Script: "boom"}))
	require.NoError(t, pool.Insert(Task{Identity: "t3", Script: "2+2"}))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cleanup()

	byID := map[string]Status{}
	for _, s := range sink.snapshot() {
		byID[s.Identity] = s.Status
	}
	require.Equal(t, Finished, byID["t1"])
	require.Equal(t, Errored, byID["t2"])
	require.Equal(t, Finished, byID["t3"])
}

func TestInsertRejectsAfterShutdown(t *testing.T) {
	sink := &recordingSink{}
	factory := func() (Worker, error) { return &scriptedWorker{fail: map[string]bool{}}, nil }
	pool, err := New(1, factory, sink)
	require.NoError(t, err)
	cleanup := pool.Run(context.Background())
	cleanup()

	err = pool.Insert(Task{Identity: "late"})
	require.Error(t, err)
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	_, err := New(0, func() (Worker, error) { return nil, nil }, &recordingSink{})
	require.Error(t, err)
}
