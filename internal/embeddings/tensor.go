package embeddings

import (
	"fmt"
)

// Tensor is the numeric array returned by a Model. It is kept independent of
// any inference runtime so pooling can run over plain in-memory data.
type Tensor interface {
	// Shape returns the size of every axis.
	Shape() []int
	// Data returns the elements in row-major order.
	Data() []float32
	// ReduceMean averages along axis and drops it from the shape.
	ReduceMean(axis int) (Tensor, error)
	// Rows converts a rank-2 tensor to nested slices.
	Rows() ([][]float32, error)
}

// DenseTensor is a row-major float32 tensor.
type DenseTensor struct {
	shape []int
	data  []float32
}

// NewDenseTensor creates a tensor over data. The data slice is not copied.
func NewDenseTensor(shape []int, data []float32) (*DenseTensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: scalar tensors are not supported", ErrShapeMismatch)
	}
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
		size *= dim
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrShapeMismatch, len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &DenseTensor{shape: s, data: data}, nil
}

// Shape returns a copy of the tensor shape.
func (t *DenseTensor) Shape() []int {
	s := make([]int, len(t.shape))
	copy(s, t.shape)
	return s
}

// Data returns the underlying elements.
func (t *DenseTensor) Data() []float32 {
	return t.data
}

// ReduceMean averages along axis. Reducing an axis of size 0 yields zeros.
func (t *DenseTensor) ReduceMean(axis int) (Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for shape %v", ErrShapeMismatch, axis, t.shape)
	}

	outer := 1
	for _, dim := range t.shape[:axis] {
		outer *= dim
	}
	inner := 1
	for _, dim := range t.shape[axis+1:] {
		inner *= dim
	}
	n := t.shape[axis]

	out := make([]float32, outer*inner)
	for o := 0; o < outer; o++ {
		dst := out[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			src := t.data[(o*n+k)*inner : (o*n+k+1)*inner]
			for i, v := range src {
				dst[i] += v
			}
		}
		if n > 0 {
			inv := 1.0 / float32(n)
			for i := range dst {
				dst[i] *= inv
			}
		}
	}

	shape := make([]int, 0, len(t.shape)-1)
	shape = append(shape, t.shape[:axis]...)
	shape = append(shape, t.shape[axis+1:]...)
	return &DenseTensor{shape: shape, data: out}, nil
}

// Rows converts a rank-2 tensor into one slice per row.
func (t *DenseTensor) Rows() ([][]float32, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("%w: rows need rank 2, got shape %v", ErrShapeMismatch, t.shape)
	}
	rows, cols := t.shape[0], t.shape[1]
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		copy(row, t.data[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}
