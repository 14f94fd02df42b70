// Package parser implements the per-stream decode loop: read frames until
// EOF or error, route rows to the right topic queues, split or group them
// per subscriber contract, and keep each topic's offset current.
package parser

import (
	"bufio"
	"net"
	"time"

	"github.com/tstreamdb/client-go/internal/xlogger"
	"github.com/tstreamdb/client-go/pkg/queue"
	"github.com/tstreamdb/client-go/pkg/registry"
	"github.com/tstreamdb/client-go/pkg/wire"
)

// Subscriber is the decode-time contract for one topic, resolved through
// the Worker's Lookup for every topic of every data frame.
type Subscriber struct {
	Topic      string
	Queue      *queue.Queue
	IsEvent    bool
	MsgAsTable bool
	HasDeserializer bool
	Deserializer    Deserializer
	ColumnNames     []string
}

// Deserializer splits a BLOB column's r values into r rows with symbol
// tags, for subscribers that attach one instead of taking raw rows.
type Deserializer interface {
	Deserialize(blob []wire.Value) (rows []wire.Vector, symbols []string, err error)
}

// ReconnectSink is where a broken stream's still-live topics go so the
// reconnect controller picks them up.
type ReconnectSink interface {
	Enqueue(topic string, attempt int, now time.Time)
	// ClearPending drops any pending reconnect entry for topic, called when
	// a schema frame completes that topic's handshake.
	ClearPending(topic string)
}

// Lookup resolves a topic name to its live Subscriber, or false if no
// subscription remains for it.
type Lookup func(topic string) (*Subscriber, bool)

// Worker decodes one accepted/dialed stream until EOF or error.
type Worker struct {
	conn     net.Conn
	reg      *registry.Registry
	lookup   Lookup
	sink     ReconnectSink
}

// New builds a Worker bound to conn. reg is used only to update each
// topic's offset under Upsert; the per-topic Subscriber lookup is supplied separately so
// this package does not need to know how the registry maps topics to
// queues/deserializers (that wiring lives in pkg/client).
func New(conn net.Conn, reg *registry.Registry, lookup Lookup, sink ReconnectSink) *Worker {
	return &Worker{conn: conn, reg: reg, lookup: lookup, sink: sink}
}

// Run decodes frames until the stream ends or a frame fails to decode.
// If any topic seen on this stream still has a subscriber, each such topic
// is enqueued on the ReconnectSink; otherwise Run exits quietly.
func (w *Worker) Run() {
	defer w.conn.Close()
	r := bufio.NewReader(w.conn)

	boundTopics := make(map[string]struct{})

	for {
		frame, err := wire.Decode(r)
		if err != nil {
			w.onStreamError(boundTopics)
			return
		}
		for _, t := range frame.Topics {
			boundTopics[t] = struct{}{}
		}

		if frame.IsSchema() {
			for _, t := range frame.Topics {
				if w.sink != nil {
					w.sink.ClearPending(t)
				}
			}
			continue
		}

		w.handleDataFrame(frame)
	}
}

func (w *Worker) onStreamError(boundTopics map[string]struct{}) {
	any := false
	for t := range boundTopics {
		if _, ok := w.lookup(t); ok {
			any = true
			break
		}
	}
	if !any {
		return
	}
	now := time.Now()
	for t := range boundTopics {
		if _, ok := w.lookup(t); ok {
			if w.sink != nil {
				w.sink.Enqueue(t, 0, now)
			}
		}
	}
}

func (w *Worker) handleDataFrame(frame *wire.Frame) {
	rows, cols := frameShape(frame)
	if rows == 1 && frame.Form == wire.FormVector {
		promoteSingleRow(frame.AnyVector)
		rows, cols = frameShape(frame)
	}
	startOffset := frame.Offset - int64(rows) + 1

	var cachedRowSplit []wire.Vector
	for _, topic := range frame.Topics {
		sub, ok := w.lookup(topic)
		if !ok {
			continue
		}

		switch {
		case sub.IsEvent:
			sub.Queue.Push(queue.Message{Topic: topic, Offset: frame.Offset, Frame: frame, Row: -1})
		case sub.HasDeserializer && sub.Deserializer != nil && frame.AnyVector != nil:
			w.pushDeserialized(sub, frame, startOffset)
		case sub.MsgAsTable:
			tbl := anyVectorToTable(frame.AnyVector, sub.ColumnNames)
			pushed := &wire.Frame{Form: wire.FormTable, Table: tbl, Offset: frame.Offset, SentTime: frame.SentTime, Topics: frame.Topics}
			sub.Queue.Push(queue.Message{Topic: topic, Offset: startOffset, Frame: pushed, Row: -1})
		default:
			if cachedRowSplit == nil {
				cachedRowSplit = splitRows(frame.AnyVector)
			}
			for i, rowVec := range cachedRowSplit {
				offset := startOffset + int64(i)
				rowFrame := &wire.Frame{Form: wire.FormVector, AnyVector: &wire.AnyVector{Columns: []wire.Vector{rowVec}}, Offset: offset, SentTime: frame.SentTime, Topics: frame.Topics}
				sub.Queue.Push(queue.Message{Topic: topic, Offset: offset, Frame: rowFrame, Row: i})
			}
		}

		w.reg.Upsert(topic, func(e *registry.Entry) {
			e.Offset = frame.Offset + 1
		})
		_ = cols
	}
}

func (w *Worker) pushDeserialized(sub *Subscriber, frame *wire.Frame, startOffset int64) {
	blobCol := blobColumn(frame.AnyVector)
	if blobCol == nil {
		xlogger.Error("parser: deserializer attached but no BLOB column present")
		return
	}
	rows, _, err := sub.Deserializer.Deserialize(blobCol.Values)
	if err != nil {
		xlogger.Error("parser: deserialize failed:", err)
		return
	}
	for i, rowVec := range rows {
		offset := startOffset + int64(i)
		rowFrame := &wire.Frame{Form: wire.FormVector, AnyVector: &wire.AnyVector{Columns: []wire.Vector{rowVec}}, Offset: offset, SentTime: frame.SentTime, Topics: frame.Topics}
		sub.Queue.Push(queue.Message{Topic: sub.Topic, Offset: offset, Frame: rowFrame, Row: i})
	}
}

func blobColumn(av *wire.AnyVector) *wire.Vector {
	if av == nil {
		return nil
	}
	for i := range av.Columns {
		if av.Columns[i].ElemType == wire.TypeBlob {
			return &av.Columns[i]
		}
	}
	return nil
}

func frameShape(f *wire.Frame) (rows, cols int) {
	switch f.Form {
	case wire.FormVector:
		if f.AnyVector == nil {
			return 0, 0
		}
		return f.AnyVector.NumRows(), f.AnyVector.NumCols()
	case wire.FormTable:
		if f.Table == nil {
			return 0, 0
		}
		return f.Table.NumRows(), len(f.Table.Columns)
	default:
		return 1, 1
	}
}

// promoteSingleRow turns the 1-D per-column vectors reverse mode sometimes
// sends for a single row into a 1xC shape (each column becomes a
// 1-element vector). For this codec's representation a single-row
// AnyVector already holds one value per column; any column that arrived
// empty is given one zero value of its element type, so every column has
// exactly one value.
func promoteSingleRow(av *wire.AnyVector) {
	if av == nil {
		return
	}
	for i := range av.Columns {
		if av.Columns[i].Len() == 0 {
			av.Columns[i].Values = []wire.Value{{Type: av.Columns[i].ElemType}}
		}
	}
}

// splitRows transposes an r x c AnyVector into r single-row Vectors of c
// values each, cached once per frame and shared across topics; the
// deserializer output, unlike this split, is not cached across topics.
func splitRows(av *wire.AnyVector) []wire.Vector {
	if av == nil {
		return nil
	}
	rows := av.NumRows()
	cols := av.NumCols()
	out := make([]wire.Vector, rows)
	for r := 0; r < rows; r++ {
		vals := make([]wire.Value, cols)
		for c := 0; c < cols; c++ {
			vals[c] = av.Columns[c].Values[r]
		}
		out[r] = wire.Vector{ElemType: wire.TypeAny, Values: vals}
	}
	return out
}

func anyVectorToTable(av *wire.AnyVector, columnNames []string) *wire.Table {
	if av == nil {
		return &wire.Table{ColumnNames: columnNames}
	}
	names := columnNames
	if len(names) != len(av.Columns) {
		names = make([]string, len(av.Columns))
		for i := range names {
			names[i] = ""
		}
	}
	return &wire.Table{ColumnNames: names, Columns: av.Columns}
}
