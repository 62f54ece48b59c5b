package nn

import "fmt"

// Tensor is a dense row-major float64 array. Everything the toy network
// needs: no views, no broadcasting, no autograd graph.
type Tensor struct {
	Shape []int
	Data  []float64
}

func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, size)}
}

func (t *Tensor) Size() int {
	return len(t.Data)
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Reshape returns a tensor sharing t's data with a new shape of equal size.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(t.Data) {
		panic(fmt.Sprintf("cannot reshape tensor of size %d to %v", len(t.Data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}
}

func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Argmax over the last axis, one result per row. Used for predictions on
// (batch, classes) logits.
func (t *Tensor) Argmax() []int {
	cols := t.Shape[len(t.Shape)-1]
	rows := len(t.Data) / cols

	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}
