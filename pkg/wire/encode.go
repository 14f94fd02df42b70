package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/valyala/bytebufferpool"
)

// Encode writes f to w using little-endian order, covering the same frame
// shapes Decode reads. The client itself never sends frames; tests use
// Encode to produce publisher-side fixtures.
func Encode(w io.Writer, f *Frame) error {
	order := binary.LittleEndian
	bb := bufPool.Get()
	defer bufPool.Put(bb)
	bb.Reset()

	bb.WriteByte(byte(LittleEndian))
	writeInt64(bb, order, f.SentTime)
	writeInt64(bb, order, f.Offset)
	writeTopicList(bb, order, f.Topics)

	switch f.Form {
	case FormScalar:
		writeUint16(bb, order, uint16(f.Form)<<8|uint16(f.Scalar.Type))
		if err := encodeValue(bb, order, f.Scalar); err != nil {
			return err
		}
	case FormVector:
		writeUint16(bb, order, uint16(f.Form)<<8)
		encodeAnyVector(bb, order, f.AnyVector)
	case FormTable:
		writeUint16(bb, order, uint16(f.Form)<<8)
		encodeTable(bb, order, f.Table)
	}

	_, err := w.Write(bb.B)
	return err
}

func writeInt64(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, v int64) {
	var buf [8]byte
	order.PutUint64(buf[:], uint64(v))
	bb.Write(buf[:])
}

func writeUint32(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, v uint32) {
	var buf [4]byte
	order.PutUint32(buf[:], v)
	bb.Write(buf[:])
}

func writeUint16(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, v uint16) {
	var buf [2]byte
	order.PutUint16(buf[:], v)
	bb.Write(buf[:])
}

func writeString(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, s string) {
	writeUint32(bb, order, uint32(len(s)))
	bb.WriteString(s)
}

func writeTopicList(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, topics []string) {
	writeUint32(bb, order, uint32(len(topics)))
	for _, t := range topics {
		writeString(bb, order, t)
	}
}

func encodeValue(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, v *Value) error {
	switch v.Type {
	case TypeBool:
		if v.Bool {
			bb.WriteByte(1)
		} else {
			bb.WriteByte(0)
		}
	case TypeInt32:
		writeUint32(bb, order, uint32(int32(v.Int64)))
	case TypeInt64:
		writeInt64(bb, order, v.Int64)
	case TypeDouble:
		writeInt64(bb, order, int64(math.Float64bits(v.Double)))
	case TypeString, TypeSymbol:
		writeString(bb, order, v.String)
	case TypeBlob:
		writeUint32(bb, order, uint32(len(v.Bytes)))
		bb.Write(v.Bytes)
	case TypeAny:
		writeUint16(bb, order, uint16(v.Vector.ElemType))
		encodeVector(bb, order, v.Vector)
	}
	return nil
}

func encodeVector(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, vec *Vector) {
	writeUint32(bb, order, uint32(len(vec.Values)))
	for i := range vec.Values {
		encodeValue(bb, order, &vec.Values[i])
	}
}

func encodeAnyVector(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, av *AnyVector) {
	writeUint16(bb, order, uint16(len(av.Columns)))
	for i := range av.Columns {
		writeUint16(bb, order, uint16(av.Columns[i].ElemType))
		encodeVector(bb, order, &av.Columns[i])
	}
}

func encodeTable(bb *bytebufferpool.ByteBuffer, order binary.ByteOrder, t *Table) {
	writeUint16(bb, order, uint16(len(t.Columns)))
	for i := range t.Columns {
		writeString(bb, order, t.ColumnNames[i])
		writeUint16(bb, order, uint16(t.Columns[i].ElemType))
		encodeVector(bb, order, &t.Columns[i])
	}
}
