// Package asyncpool implements the async RPC worker pool: independent of
// the streaming path, N workers each own a persistent session, pull tasks
// from a shared queue, and publish per-task terminal status. A failed
// task is never retried; the failure is terminal for that task but not
// for the worker.
package asyncpool

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/pkg/queue"
	"github.com/tstreamdb/client-go/pkg/xerrors"
)

// Status is a task's terminal state: it moves
// Pending -> (Finished | Errored) and stays there.
type Status int

const (
	Pending Status = iota
	Finished
	Errored
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Finished:
		return "finished"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Task is one unit of async work: a login/script RPC shape generalized
// to arbitrary scripts/function calls.
type Task struct {
	Identity    string
	Script      string
	Arguments   []interface{}
	IsFunction  bool
	Priority    int
	Parallelism int
	FetchSize   int
	ClearMemory bool
}

// TaskStatus is the published outcome for a task.
type TaskStatus struct {
	Identity string
	Status   Status
	Result   interface{}
	Message  string
}

// Worker executes one task against a persistent session. Session
// establishment/authentication is an external collaborator, mirrored
// here as an interface so this package stays transport-free.
type Worker interface {
	// Execute runs the task's script (as a function call or free script
	// per IsFunction) and returns its result or an I/O-classified error.
	Execute(ctx context.Context, task Task) (result interface{}, err error)
	// Close releases the worker's persistent session.
	Close() error
}

// WorkerFactory builds a fresh Worker, one per pool slot.
type WorkerFactory func() (Worker, error)

// StatusSink receives each task's terminal status, keyed by an identity
// unique per pool.
type StatusSink interface {
	Publish(TaskStatus)
}

// Pool is the async RPC worker pool: N RPC worker goroutines sharing one
// task queue.
type Pool struct {
	tasks   *queue.Queue
	sink    StatusSink
	factory WorkerFactory
	size    int

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	shutdown chan struct{}
	once     sync.Once
}

// New builds a Pool with n workers sharing tasks and publishing terminal
// statuses to sink.
func New(n int, factory WorkerFactory, sink StatusSink) (*Pool, error) {
	if n <= 0 {
		return nil, xerrors.New(xerrors.Configuration, "asyncpool: size must be > 0")
	}
	p := &Pool{
		tasks:    queue.New(0),
		sink:     sink,
		factory:  factory,
		size:     n,
		shutdown: make(chan struct{}),
	}
	return p, nil
}

// Run starts the pool's worker goroutines and returns a cleanup func that
// pushes the shutdown sentinel and waits for every worker to finish its
// current task and exit.
func (p *Pool) Run(ctx context.Context) (cleanup func()) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
	return func() {
		p.Shutdown()
		cancel()
		p.wg.Wait()
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()

	w, err := p.factory()
	if err != nil {
		xlogger.Error("asyncpool: worker session setup failed:", err)
		return
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := p.tasks.Pop()
		if !ok {
			return
		}
		task, ok := msg.Payload.(Task)
		if !ok {
			continue
		}

		result, execErr := w.Execute(ctx, task)
		if execErr != nil {
			p.sink.Publish(TaskStatus{Identity: task.Identity, Status: Errored, Message: execErr.Error()})
			continue
		}
		p.sink.Publish(TaskStatus{Identity: task.Identity, Status: Finished, Result: result})
	}
}

// Insert enqueues task, returning a rejection error if the pool is
// shutting down. A task either eventually produces exactly one terminal
// status or is rejected up front; never both, never neither.
func (p *Pool) Insert(task Task) error {
	select {
	case <-p.shutdown:
		return xerrors.New(xerrors.User, "asyncpool: pool is shutting down")
	default:
	}
	if task.Identity == "" {
		task.Identity = uuid.NewString()
	}
	p.tasks.Push(queue.Message{Payload: task})
	return nil
}

// Shutdown is idempotent and unblocks every worker's blocking pop.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		close(p.shutdown)
		p.tasks.PushStop()
	})
}
