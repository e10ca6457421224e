package sv

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func numericArrayMsg(t *testing.T, typ DataType, rows, cols uint32, order binary.ByteOrder, values []float64) *Message {
	t.Helper()

	elemSize := typ.ElemSize()
	body := make([]byte, 0, len(values)*elemSize)
	scratch := make([]byte, 8)

	for _, v := range values {
		switch typ {
		case TypeArrDouble:
			order.PutUint64(scratch, math.Float64bits(v))
		case TypeArrFloat:
			order.PutUint32(scratch, math.Float32bits(float32(v)))
		case TypeArrLong:
			order.PutUint32(scratch, uint32(int32(v)))
		case TypeArrULong:
			order.PutUint32(scratch, uint32(v))
		case TypeArrShort:
			order.PutUint16(scratch, uint16(int16(v)))
		case TypeArrUShort:
			order.PutUint16(scratch, uint16(v))
		case TypeArrChar:
			scratch[0] = byte(int8(v))
		case TypeArrUChar:
			scratch[0] = byte(v)
		case TypeArrLong64:
			order.PutUint64(scratch, uint64(int64(v)))
		case TypeArrULong64:
			order.PutUint64(scratch, uint64(v))
		default:
			t.Fatalf("unsupported array type %v", typ)
		}
		body = append(body, scratch[:elemSize]...)
	}

	return &Message{
		Cmd:   CmdReply,
		Type:  typ,
		Rows:  rows,
		Cols:  cols,
		Body:  body,
		order: order,
	}
}

func TestMessage_ToString(t *testing.T) {
	require := require.New(t)

	msg := &Message{Type: TypeString, Body: []byte("hello\x00")}
	s, err := msg.ToString()
	require.NoError(err)
	require.Equal("hello", s)

	msg = &Message{Type: TypeDouble, Body: make([]byte, 8)}
	_, err = msg.ToString()
	require.ErrorIs(err, ErrTypeMismatch)
}

func TestMessage_ToFloat(t *testing.T) {
	require := require.New(t)

	msg := &Message{Type: TypeString, Body: []byte("1.25\x00")}
	v, err := msg.ToFloat()
	require.NoError(err)
	require.InDelta(1.25, v, 1e-12)

	msg = &Message{Type: TypeString, Body: []byte("not-a-number\x00")}
	_, err = msg.ToFloat()
	require.ErrorIs(err, ErrTypeMismatch)

	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, math.Float64bits(-2.5))
	msg = &Message{Type: TypeDouble, Body: body}
	v, err = msg.ToFloat()
	require.NoError(err)
	require.InDelta(-2.5, v, 1e-12)

	msg = &Message{Type: TypeAssoc, Body: nil}
	_, err = msg.ToFloat()
	require.ErrorIs(err, ErrTypeMismatch)
}

func TestMessage_ToBool(t *testing.T) {
	require := require.New(t)

	msg := &Message{Type: TypeString, Body: []byte("1\x00")}
	b, err := msg.ToBool()
	require.NoError(err)
	require.True(b)

	msg = &Message{Type: TypeString, Body: []byte("0\x00")}
	b, err = msg.ToBool()
	require.NoError(err)
	require.False(b)
}

func TestMessage_ToAssoc(t *testing.T) {
	require := require.New(t)

	msg := &Message{
		Type: TypeAssoc,
		Body: []byte("0\x00tth\x001\x00chi\x00\x00"),
	}
	m, err := msg.ToAssoc()
	require.NoError(err)
	require.Equal(map[string]string{"0": "tth", "1": "chi"}, m)

	msg = &Message{Type: TypeAssoc, Body: []byte("key\x00\x00")}
	m, err = msg.ToAssoc()
	require.NoError(err)
	require.Equal(map[string]string{"key": ""}, m)

	msg = &Message{Type: TypeString, Body: []byte("x\x00")}
	_, err = msg.ToAssoc()
	require.ErrorIs(err, ErrTypeMismatch)
}

func TestMessage_ToMatrix(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		description string
		typ         DataType
		order       binary.ByteOrder
	}{
		{"doubles little-endian", TypeArrDouble, binary.LittleEndian},
		{"doubles big-endian", TypeArrDouble, binary.BigEndian},
		{"floats", TypeArrFloat, binary.LittleEndian},
		{"longs", TypeArrLong, binary.LittleEndian},
		{"ulongs", TypeArrULong, binary.BigEndian},
		{"shorts", TypeArrShort, binary.LittleEndian},
		{"ushorts", TypeArrUShort, binary.LittleEndian},
		{"chars", TypeArrChar, binary.LittleEndian},
		{"uchars", TypeArrUChar, binary.LittleEndian},
		{"long64s", TypeArrLong64, binary.BigEndian},
		{"ulong64s", TypeArrULong64, binary.LittleEndian},
	}

	want := [][]float64{{1, 2, 3}, {4, 5, 6}}

	for _, test := range tests {
		msg := numericArrayMsg(t, test.typ, 2, 3, test.order, []float64{1, 2, 3, 4, 5, 6})
		got, err := msg.ToMatrix()
		require.NoError(err, test.description)
		require.Equal(want, got, test.description)
	}
}

func TestMessage_ToMatrix_Negatives(t *testing.T) {
	require := require.New(t)

	msg := numericArrayMsg(t, TypeArrShort, 1, 3, binary.LittleEndian, []float64{-1, 0, -32768})
	got, err := msg.ToMatrix()
	require.NoError(err)
	require.Equal([][]float64{{-1, 0, -32768}}, got)
}

func TestMessage_ToMatrix_ShapeMismatch(t *testing.T) {
	require := require.New(t)

	msg := numericArrayMsg(t, TypeArrDouble, 2, 3, binary.LittleEndian, []float64{1, 2, 3})
	_, err := msg.ToMatrix()
	require.ErrorIs(err, ErrShapeMismatch)

	msg = numericArrayMsg(t, TypeArrDouble, 1, 2, binary.LittleEndian, []float64{1, 2})
	msg.Body = msg.Body[:len(msg.Body)-3]
	_, err = msg.ToMatrix()
	require.ErrorIs(err, ErrShapeMismatch)
}

func TestMessage_ToVector_NotArray(t *testing.T) {
	require := require.New(t)

	msg := &Message{Type: TypeString, Body: []byte("1 2 3\x00")}
	_, err := msg.ToVector()
	require.ErrorIs(err, ErrNotArray)

	msg = &Message{Type: TypeArrString, Cols: 4, Body: []byte("ab\x00\x00cd\x00\x00")}
	_, err = msg.ToVector()
	require.ErrorIs(err, ErrNotArray)
}

func TestMessage_ToStringRows(t *testing.T) {
	require := require.New(t)

	msg := &Message{
		Type: TypeArrString,
		Rows: 2,
		Cols: 4,
		Body: []byte("ab\x00\x00cdef"),
	}
	rows, err := msg.ToStringRows()
	require.NoError(err)
	require.Equal([]string{"ab", "cdef"}, rows)

	msg.Body = []byte("abc")
	_, err = msg.ToStringRows()
	require.ErrorIs(err, ErrShapeMismatch)

	other := &Message{Type: TypeArrDouble}
	_, err = other.ToStringRows()
	require.ErrorIs(err, ErrTypeMismatch)
}

func TestMessage_Shape(t *testing.T) {
	require := require.New(t)

	msg := &Message{Rows: 0, Cols: 5}
	r, c := msg.Shape()
	require.Equal(1, r)
	require.Equal(5, c)

	msg = &Message{Rows: 3, Cols: 2}
	r, c = msg.Shape()
	require.Equal(3, r)
	require.Equal(2, c)
}

func TestGenerateSN(t *testing.T) {
	sn1 := GenerateSN()
	sn2 := GenerateSN()

	if sn1 == sn2 {
		t.Errorf("Expected different serial numbers, got %d and %d", sn1, sn2)
	}
	if sn2 == 0 {
		t.Error("Serial number 0 is reserved and must never be generated")
	}

	gen := &snGenerator{}
	gen.sn.Store(math.MaxUint32)
	if got := gen.genSN(); got == 0 {
		t.Error("generator must skip 0 on wraparound")
	}
}
