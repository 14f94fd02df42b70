package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/tstreamdb/client-go/pkg/xerrors"
)

var bufPool bytebufferpool.Pool

// Decode reads exactly one frame from r. It is the per-stream hot path
// driven by the parser worker, so scratch allocation for strings and
// symbol columns is pooled rather than allocated per call.
func Decode(r *bufio.Reader) (*Frame, error) {
	endianByte, err := r.ReadByte()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "read endianness byte", err)
	}
	order, err := byteOrder(Endianness(endianByte))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Protocol, "decode frame header", err)
	}

	f := &Frame{Endian: Endianness(endianByte)}

	if err := readInt64(r, order, &f.SentTime); err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "read sent_time", err)
	}
	if err := readInt64(r, order, &f.Offset); err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "read offset", err)
	}

	topics, err := readTopicList(r, order)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "read topic list", err)
	}
	f.Topics = topics

	formType, err := readUint16(r, order)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "read form/type discriminator", err)
	}
	f.Form = Form(formType >> 8)
	elemType := DataType(formType & 0xff)

	switch f.Form {
	case FormScalar:
		v, err := decodeValue(r, order, elemType)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Protocol, "decode scalar payload", err)
		}
		f.Scalar = v
	case FormVector:
		av, err := decodeAnyVector(r, order)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Protocol, "decode vector payload", err)
		}
		f.AnyVector = av
	case FormTable:
		t, err := decodeTable(r, order)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.Protocol, "decode table payload", err)
		}
		f.Table = t
	default:
		return nil, xerrors.New(xerrors.Protocol, "unknown frame form "+strconv.Itoa(int(f.Form)))
	}

	return f, nil
}

func byteOrder(e Endianness) (binary.ByteOrder, error) {
	switch e {
	case LittleEndian:
		return binary.LittleEndian, nil
	case BigEndian:
		return binary.BigEndian, nil
	default:
		return nil, xerrors.New(xerrors.Protocol, "unrecognized endianness byte")
	}
}

func readInt64(r io.Reader, order binary.ByteOrder, out *int64) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	*out = int64(order.Uint64(buf[:]))
	return nil
}

func readUint32(r io.Reader, order binary.ByteOrder) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint32(buf[:]), nil
}

func readUint16(r io.Reader, order binary.ByteOrder) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint16(buf[:]), nil
}

func readTopicList(r io.Reader, order binary.ByteOrder) ([]string, error) {
	n, err := readUint32(r, order)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r, order)
		if err != nil {
			return nil, err
		}
		topics = append(topics, s)
	}
	return topics, nil
}

func readString(r io.Reader, order binary.ByteOrder) (string, error) {
	n, err := readUint32(r, order)
	if err != nil {
		return "", err
	}
	bb := bufPool.Get()
	defer bufPool.Put(bb)
	bb.B = append(bb.B[:0], make([]byte, n)...)
	if n > 0 {
		if _, err := io.ReadFull(r, bb.B); err != nil {
			return "", err
		}
	}
	return string(bb.B), nil
}

func decodeValue(r io.Reader, order binary.ByteOrder, t DataType) (*Value, error) {
	v := &Value{Type: t}
	switch t {
	case TypeBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		v.Bool = b[0] != 0
	case TypeInt32:
		u, err := readUint32(r, order)
		if err != nil {
			return nil, err
		}
		v.Int64 = int64(int32(u))
	case TypeInt64:
		var i int64
		if err := readInt64(r, order, &i); err != nil {
			return nil, err
		}
		v.Int64 = i
	case TypeDouble:
		var i int64
		if err := readInt64(r, order, &i); err != nil {
			return nil, err
		}
		v.Double = math.Float64frombits(uint64(i))
	case TypeString, TypeSymbol:
		s, err := readString(r, order)
		if err != nil {
			return nil, err
		}
		v.String = s
	case TypeBlob:
		n, err := readUint32(r, order)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
		}
		v.Bytes = buf
	case TypeAny:
		u, err := readUint16(r, order)
		if err != nil {
			return nil, err
		}
		inner := DataType(u & 0xff)
		vec, err := decodeVector(r, order, inner)
		if err != nil {
			return nil, err
		}
		v.Vector = vec
	default:
		return nil, xerrors.New(xerrors.Protocol, "unsupported scalar type "+strconv.Itoa(int(t)))
	}
	return v, nil
}

func decodeVector(r io.Reader, order binary.ByteOrder, elemType DataType) (*Vector, error) {
	n, err := readUint32(r, order)
	if err != nil {
		return nil, err
	}
	vec := &Vector{ElemType: elemType, Values: make([]Value, 0, n)}
	for i := uint32(0); i < n; i++ {
		v, err := decodeValue(r, order, elemType)
		if err != nil {
			return nil, err
		}
		vec.Values = append(vec.Values, *v)
	}
	return vec, nil
}

func decodeAnyVector(r io.Reader, order binary.ByteOrder) (*AnyVector, error) {
	numCols, err := readUint16(r, order)
	if err != nil {
		return nil, err
	}
	av := &AnyVector{Columns: make([]Vector, 0, numCols)}
	for c := uint16(0); c < numCols; c++ {
		colType, err := readUint16(r, order)
		if err != nil {
			return nil, err
		}
		vec, err := decodeVector(r, order, DataType(colType&0xff))
		if err != nil {
			return nil, err
		}
		av.Columns = append(av.Columns, *vec)
	}
	return av, nil
}

func decodeTable(r io.Reader, order binary.ByteOrder) (*Table, error) {
	numCols, err := readUint16(r, order)
	if err != nil {
		return nil, err
	}
	t := &Table{
		ColumnNames: make([]string, 0, numCols),
		Columns:     make([]Vector, 0, numCols),
	}
	for c := uint16(0); c < numCols; c++ {
		name, err := readString(r, order)
		if err != nil {
			return nil, err
		}
		colType, err := readUint16(r, order)
		if err != nil {
			return nil, err
		}
		vec, err := decodeVector(r, order, DataType(colType&0xff))
		if err != nil {
			return nil, err
		}
		t.ColumnNames = append(t.ColumnNames, name)
		t.Columns = append(t.Columns, *vec)
	}
	return t, nil
}

// ParseNotLeaderRedirect parses the one sanctioned string-payload shape the
// wire protocol carries: a scalar string of the form "<NotLeader>host:port"
// returned in place of a subscribe/publish reply when the contacted node is
// not the table's current leader.
func ParseNotLeaderRedirect(s string) (host string, port int, ok bool) {
	const prefix = "<NotLeader>"
	if !strings.HasPrefix(s, prefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(s, prefix)
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", 0, false
	}
	host = rest[:idx]
	p, err := strconv.Atoi(rest[idx+1:])
	if err != nil || host == "" {
		return "", 0, false
	}
	return host, p, true
}
