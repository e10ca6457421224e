package spec

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/SEBv15/go-certifspec/sv"
)

// ArrayVar is a cached handle on a data array variable with element access.
//
// Whole-array reads come from the Var cache. Element writes address the
// element's own property (var/NAME[row][col]), so their payload stays O(1)
// no matter how large the array is; the full matrix is never retransmitted.
type ArrayVar struct {
	*Var
}

// ArrayVar returns a cached handle on the array variable name.
func (c *Client) ArrayVar(name string) (*ArrayVar, error) {
	v, err := c.Var(name)
	if err != nil {
		return nil, err
	}

	return &ArrayVar{Var: v}, nil
}

// Shape returns the dimensions of the array. One-dimensional arrays report
// one row.
func (av *ArrayVar) Shape(ctx context.Context) (int, int, error) {
	msg, err := av.Read(ctx)
	if err != nil {
		return 0, 0, err
	}

	rows, cols := msg.Shape()

	return rows, cols, nil
}

// At returns the element at row, col.
func (av *ArrayVar) At(ctx context.Context, row int, col int) (float64, error) {
	matrix, err := av.Matrix(ctx)
	if err != nil {
		return 0, err
	}

	if err := checkIndex(matrix, row, col); err != nil {
		return 0, err
	}

	return matrix[row][col], nil
}

// Row returns one row of the array.
func (av *ArrayVar) Row(ctx context.Context, row int) ([]float64, error) {
	matrix, err := av.Matrix(ctx)
	if err != nil {
		return nil, err
	}

	if err := checkIndex(matrix, row, 0); err != nil {
		return nil, err
	}

	return slices.Clone(matrix[row]), nil
}

// SetAt writes one element of the array and waits the error window for the
// server to reject it. The index is checked against the array's shape before
// anything is sent. On success the cached element is patched in place.
func (av *ArrayVar) SetAt(ctx context.Context, row int, col int, value float64) error {
	msg, err := av.Read(ctx)
	if err != nil {
		return err
	}

	rows, cols := msg.Shape()
	if row < 0 || row >= rows || col < 0 || col >= cols {
		return fmt.Errorf("%w: [%d][%d] in %dx%d array", ErrIndexOutOfRange, row, col, rows, cols)
	}

	property := fmt.Sprintf("%s[%d][%d]", av.property(), row, col)
	if rows == 1 || cols == 1 {
		// the server names elements of one-dimensional arrays by their
		// linear index
		property = fmt.Sprintf("%s[%d]", av.property(), row*cols+col)
	}

	text := strconv.FormatFloat(value, 'g', -1, 64)
	if err := av.client.SetWait(ctx, property, text, varWriteErrorWindow); err != nil {
		return err
	}

	av.patchCell(row, col, value)

	return nil
}

// patchCell updates one element of the cached array body. Readers may hold
// the cached message, so the patch goes into a copy.
func (av *ArrayVar) patchCell(row int, col int, value float64) {
	av.mu.Lock()
	defer av.mu.Unlock()

	cached := av.cached
	if cached == nil || !cached.Type.IsNumericArray() {
		return
	}

	_, cols := cached.Shape()
	elemSize := cached.Type.ElemSize()
	offset := (row*cols + col) * elemSize
	if offset+elemSize > len(cached.Body) {
		return
	}

	patched := *cached
	patched.Body = slices.Clone(cached.Body)
	putElem(&patched, offset, value)

	av.gen++
	av.cached = &patched
}

// putElem stores value into the array body at offset, encoded as the array's
// element type in the message's byte order.
func putElem(msg *sv.Message, offset int, value float64) {
	order := msg.ByteOrder()
	b := msg.Body[offset:]

	switch msg.Type {
	case sv.TypeArrDouble:
		order.PutUint64(b, math.Float64bits(value))
	case sv.TypeArrFloat:
		order.PutUint32(b, math.Float32bits(float32(value)))
	case sv.TypeArrLong:
		order.PutUint32(b, uint32(int32(value)))
	case sv.TypeArrULong:
		order.PutUint32(b, uint32(value))
	case sv.TypeArrShort:
		order.PutUint16(b, uint16(int16(value)))
	case sv.TypeArrUShort:
		order.PutUint16(b, uint16(value))
	case sv.TypeArrChar:
		b[0] = byte(int8(value))
	case sv.TypeArrUChar:
		b[0] = byte(value)
	case sv.TypeArrLong64:
		order.PutUint64(b, uint64(int64(value)))
	case sv.TypeArrULong64:
		order.PutUint64(b, uint64(value))
	}
}

func checkIndex(matrix [][]float64, row int, col int) error {
	rows := len(matrix)
	cols := 0
	if rows > 0 {
		cols = len(matrix[0])
	}

	if row < 0 || row >= rows || col < 0 || col >= cols {
		return fmt.Errorf("%w: [%d][%d] in %dx%d array", ErrIndexOutOfRange, row, col, rows, cols)
	}

	return nil
}
