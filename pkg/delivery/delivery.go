// Package delivery implements the four front-ends: Polling, Threaded (row
// and table mode), ThreadPool, and Event. All share a drain loop that
// terminates on the subscription's stopped flag or the sentinel observed
// by the underlying queue.
package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/pkg/queue"
	"github.com/tstreamdb/client-go/pkg/wire"
)

// Stopped is the shared atomic-ish flag every drain loop checks alongside
// the queue's sentinel. The two signals are kept distinct, but a drain
// loop consuming from a closed/stopped queue always exits without
// invoking the callback.
type Stopped struct {
	mu      sync.Mutex
	stopped bool
}

func (s *Stopped) Set() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Stopped) Get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RowHandler receives a batch of messages for row-mode delivery.
type RowHandler func(batch []queue.Message)

// TableHandler receives one coalesced table message.
type TableHandler func(msg queue.Message)

// EventHandler receives one decoded event.
type EventHandler func(eventType string, attributes []wire.Value)

// EventDecoder splits a frame's any-vector payload into discrete events
// for the event client.
type EventDecoder interface {
	Decode(av *wire.AnyVector) (events []DecodedEvent, err error)
}

// DecodedEvent is one (type, attributes) tuple produced by an EventDecoder.
type DecodedEvent struct {
	Type       string
	Attributes []wire.Value
}

// Polling exposes the raw queue handle for callers that want to pop
// messages themselves.
func Polling(q *queue.Queue) *queue.Queue { return q }

// ThreadedRowConfig parameterizes row-mode Threaded delivery.
type ThreadedRowConfig struct {
	BatchSize  int
	// ThrottleMS is the pop timeout in milliseconds; <= 0 is treated as 1ms.
	// BatchSize <= 0 takes every queued message in one pop; it does not
	// change the throttle.
	ThrottleMS int
}

// RunThreadedRow runs the single drain goroutine for row-mode Threaded
// delivery until ctx is cancelled or stopped is set. It pops a batch of up
// to BatchSize messages with a throttle timeout and invokes handler with
// the non-empty batch.
func RunThreadedRow(ctx context.Context, q *queue.Queue, stopped *Stopped, cfg ThreadedRowConfig, handler RowHandler) {
	throttle := time.Duration(cfg.ThrottleMS) * time.Millisecond
	if cfg.ThrottleMS <= 0 {
		throttle = time.Millisecond
	}
	for {
		if stopped.Get() {
			return
		}
		batch, ok := q.PopBatchTimeout(cfg.BatchSize, throttle)
		if !ok {
			if stopped.Get() || ctx.Err() != nil {
				return
			}
			continue
		}
		if stopped.Get() {
			return
		}
		if len(batch) > 0 {
			handler(batch)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ThreadedTableConfig parameterizes table-mode Threaded delivery, which
// pops one table message at a time and coalesces tables up to BatchSize
// rows.
type ThreadedTableConfig struct {
	BatchSize  int
	ThrottleMS int
}

// RunThreadedTable runs the coalescing drain loop: pop one table message,
// then keep popping and column-appending further tables into the first
// while the throttle window has time left and the row count is still
// under BatchSize.
func RunThreadedTable(ctx context.Context, q *queue.Queue, stopped *Stopped, cfg ThreadedTableConfig, handler TableHandler) {
	for {
		if stopped.Get() {
			return
		}
		first, ok := q.Pop()
		if !ok {
			return
		}
		start := time.Now()
		coalesced := first
		for {
			rows := tableRowCount(coalesced.Frame)
			elapsed := time.Since(start)
			remaining := time.Duration(cfg.ThrottleMS)*time.Millisecond - elapsed
			if remaining <= 0 || rows >= cfg.BatchSize {
				break
			}
			next, ok := q.PopBatchTimeout(1, remaining)
			if !ok || len(next) == 0 {
				break
			}
			coalesced.Frame = appendTable(coalesced.Frame, next[0].Frame, cfg.BatchSize)
		}
		if stopped.Get() {
			return
		}
		handler(coalesced)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ThreadPool spawns N drain goroutines sharing one queue, each invoking
// handler per message. throttler, if non-nil, is waited on before every
// handler call, rate-limiting callback invocations across all N workers
// together rather than per worker. It returns a cleanup func that waits
// for all goroutines to exit after stopped is observed.
func ThreadPool(ctx context.Context, q *queue.Queue, stopped *Stopped, n int, throttler *Throttler, handler func(queue.Message)) (cleanup func()) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if stopped.Get() {
					return
				}
				msg, ok := q.Pop()
				if !ok {
					return
				}
				if throttler != nil {
					if err := throttler.Wait(ctx); err != nil {
						return
					}
				}
				if stopped.Get() {
					return
				}
				handler(msg)
			}
		}()
	}
	return wg.Wait
}

// RunEvent runs the Event client's drain loop: pop, decode via decoder,
// invoke handler once per decoded event. Decode failures are logged and
// the loop continues without dropping the connection.
func RunEvent(ctx context.Context, q *queue.Queue, stopped *Stopped, decoder EventDecoder, handler EventHandler) {
	for {
		if stopped.Get() {
			return
		}
		msg, ok := q.Pop()
		if !ok || stopped.Get() {
			return
		}
		if msg.Frame == nil || msg.Frame.AnyVector == nil {
			continue
		}
		events, err := decoder.Decode(msg.Frame.AnyVector)
		if err != nil {
			xlogger.Error("delivery: event decode failed:", err)
			continue
		}
		for _, e := range events {
			handler(e.Type, e.Attributes)
		}
	}
}

// Throttler wraps golang.org/x/time/rate for front-ends that want a token
// bucket instead of the raw pop-timeout throttle: ThreadPool waits on one
// shared Throttler across its N workers so the handler callback rate is
// capped independent of worker count, rather than throttling each pop.
type Throttler struct {
	limiter *rate.Limiter
}

func NewThrottler(eventsPerSecond float64, burst int) *Throttler {
	return &Throttler{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

func (t *Throttler) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func tableRowCount(f *wire.Frame) int {
	if f == nil || f.Table == nil {
		return 0
	}
	return f.Table.NumRows()
}

func appendTable(dst, src *wire.Frame, maxRows int) *wire.Frame {
	if dst == nil || dst.Table == nil || src == nil || src.Table == nil {
		return dst
	}
	room := maxRows - dst.Table.NumRows()
	for i := range dst.Table.Columns {
		if i >= len(src.Table.Columns) {
			break
		}
		toAppend := src.Table.Columns[i].Values
		if room >= 0 && len(toAppend) > room {
			toAppend = toAppend[:room]
		}
		dst.Table.Columns[i].Values = append(dst.Table.Columns[i].Values, toAppend...)
	}
	dst.Offset = src.Offset
	return dst
}
