package sv

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/SEBv15/go-certifspec/internal/util"
)

// Typed body accessors. The server transmits most scalar values as
// TypeString regardless of their logical type, so the numeric accessors
// accept string bodies and parse them; a body that cannot represent the
// requested view fails with ErrTypeMismatch instead of being coerced.

// ToString returns the body as a string. It accepts TypeString and TypeError
// bodies and strips the trailing NUL the server sends.
func (msg *Message) ToString() (string, error) {
	if msg.Type != TypeString && msg.Type != TypeError {
		return "", fmt.Errorf("%w: cannot view %s body as string", ErrTypeMismatch, msg.Type)
	}
	return strings.TrimRight(string(msg.Body), "\x00"), nil
}

// ErrorText returns the error message of a failure reply, or the empty
// string when the message is not an error.
func (msg *Message) ErrorText() string {
	if !msg.IsError() {
		return ""
	}
	return strings.TrimRight(string(msg.Body), "\x00")
}

// ToFloat returns the body as a float64. It accepts a TypeDouble body and,
// because the server sends numbers as text on most channels, a TypeString
// body that parses as a number.
func (msg *Message) ToFloat() (float64, error) {
	switch msg.Type {
	case TypeDouble:
		if len(msg.Body) != 8 {
			return 0, fmt.Errorf("%w: double body has %d bytes", ErrShapeMismatch, len(msg.Body))
		}
		return math.Float64frombits(msg.ByteOrder().Uint64(msg.Body)), nil

	case TypeString:
		s := strings.TrimSpace(strings.TrimRight(string(msg.Body), "\x00"))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, s)
		}
		return v, nil

	default:
		return 0, fmt.Errorf("%w: cannot view %s body as number", ErrTypeMismatch, msg.Type)
	}
}

// ToBool returns the body interpreted as a boolean: the numeric value
// compared against zero. The server reports flag properties as "0"/"1"
// strings.
func (msg *Message) ToBool() (bool, error) {
	v, err := msg.ToFloat()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ToAssoc parses a TypeAssoc body into its key/value pairs. The wire format
// is a flattened sequence of NUL-terminated strings terminated by an empty
// pair.
func (msg *Message) ToAssoc() (map[string]string, error) {
	if msg.Type != TypeAssoc {
		return nil, fmt.Errorf("%w: cannot view %s body as assoc", ErrTypeMismatch, msg.Type)
	}

	elems := strings.Split(string(msg.Body), "\x00")
	for len(elems) > 0 && elems[len(elems)-1] == "" {
		elems = elems[:len(elems)-1]
	}
	if len(elems)%2 != 0 {
		return nil, ErrMalformedAssoc
	}

	out := make(map[string]string, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		out[elems[i]] = elems[i+1]
	}
	return out, nil
}

// TypedValues decodes a numeric array body into a slice of its natural Go
// element type: []float64 for TypeArrDouble, []int16 for TypeArrShort and so
// on. The result is row-major; the shape lives in the header Rows/Cols.
func (msg *Message) TypedValues() (any, error) {
	if !msg.Type.IsNumericArray() {
		return nil, fmt.Errorf("%w: %s is not a numeric array type", ErrNotArray, msg.Type)
	}

	elemSize := msg.Type.ElemSize()
	if len(msg.Body)%elemSize != 0 {
		return nil, fmt.Errorf("%w: body length %d not a multiple of element size %d",
			ErrShapeMismatch, len(msg.Body), elemSize)
	}

	n := len(msg.Body) / elemSize
	order := msg.ByteOrder()
	b := msg.Body

	switch msg.Type {
	case TypeArrDouble:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(b[i*8:]))
		}
		return out, nil
	case TypeArrFloat:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(order.Uint32(b[i*4:]))
		}
		return out, nil
	case TypeArrLong:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(order.Uint32(b[i*4:]))
		}
		return out, nil
	case TypeArrULong:
		out := make([]uint32, n)
		for i := range out {
			out[i] = order.Uint32(b[i*4:])
		}
		return out, nil
	case TypeArrShort:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(order.Uint16(b[i*2:]))
		}
		return out, nil
	case TypeArrUShort:
		out := make([]uint16, n)
		for i := range out {
			out[i] = order.Uint16(b[i*2:])
		}
		return out, nil
	case TypeArrChar:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(b[i])
		}
		return out, nil
	case TypeArrUChar:
		return util.CloneSlice(b, 0), nil
	case TypeArrLong64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(order.Uint64(b[i*8:]))
		}
		return out, nil
	case TypeArrULong64:
		out := make([]uint64, n)
		for i := range out {
			out[i] = order.Uint64(b[i*8:])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotArray, msg.Type)
	}
}

// ToVector decodes a numeric array body into a flat row-major float64 slice.
func (msg *Message) ToVector() ([]float64, error) {
	values, err := msg.TypedValues()
	if err != nil {
		return nil, err
	}

	switch v := values.(type) {
	case []float64:
		return v, nil
	case []float32:
		return util.Float64Slice(v), nil
	case []int32:
		return util.Float64Slice(v), nil
	case []uint32:
		return util.Float64Slice(v), nil
	case []int16:
		return util.Float64Slice(v), nil
	case []uint16:
		return util.Float64Slice(v), nil
	case []int8:
		return util.Float64Slice(v), nil
	case []byte:
		return util.Float64Slice(v), nil
	case []int64:
		return util.Float64Slice(v), nil
	case []uint64:
		return util.Float64Slice(v), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotArray, msg.Type)
	}
}

// ToMatrix decodes a numeric array body into a rows×cols float64 matrix.
// One-dimensional arrays come back as a single row.
func (msg *Message) ToMatrix() ([][]float64, error) {
	flat, err := msg.ToVector()
	if err != nil {
		return nil, err
	}

	rows, cols := msg.Shape()
	if rows*cols != len(flat) {
		return nil, fmt.Errorf("%w: %d elements for shape %dx%d",
			ErrShapeMismatch, len(flat), rows, cols)
	}

	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		out[r] = flat[r*cols : (r+1)*cols]
	}
	return out, nil
}

// ToStringRows decodes a TypeArrString body: fixed-width rows of Cols bytes
// each, NUL padding stripped.
func (msg *Message) ToStringRows() ([]string, error) {
	if msg.Type != TypeArrString {
		return nil, fmt.Errorf("%w: cannot view %s body as string array", ErrTypeMismatch, msg.Type)
	}

	width := int(msg.Cols)
	if width <= 0 || len(msg.Body)%width != 0 {
		return nil, fmt.Errorf("%w: body length %d for row width %d",
			ErrShapeMismatch, len(msg.Body), width)
	}

	out := make([]string, 0, len(msg.Body)/width)
	for i := 0; i < len(msg.Body); i += width {
		out = append(out, strings.TrimRight(string(msg.Body[i:i+width]), "\x00"))
	}
	return out, nil
}

// Shape returns the effective (rows, cols) of an array body. The server
// reports one-dimensional arrays with one of the two dimensions set to 1 and
// may leave a dimension 0 on scalars; both normalize to at least 1.
func (msg *Message) Shape() (rows int, cols int) {
	rows = int(msg.Rows)
	cols = int(msg.Cols)
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	return rows, cols
}
