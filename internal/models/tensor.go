package models

import "fmt"

// Tensor is a dense float32 array shaped (batch, height, width, channels)
// stored in row-major order.
type Tensor struct {
	// Shape is the size of each of the 4 axes
	Shape [4]int

	// Data is the flat storage, len(Data) == Shape[0]*Shape[1]*Shape[2]*Shape[3]
	Data []float32
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor(batch, height, width, channels int) *Tensor {
	return &Tensor{
		Shape: [4]int{batch, height, width, channels},
		Data:  make([]float32, batch*height*width*channels),
	}
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Index returns the flat offset of element (b, y, x, c).
func (t *Tensor) Index(b, y, x, c int) int {
	return ((b*t.Shape[1]+y)*t.Shape[2]+x)*t.Shape[3] + c
}

// At returns element (b, y, x, c).
func (t *Tensor) At(b, y, x, c int) float32 {
	return t.Data[t.Index(b, y, x, c)]
}

// Set stores v at (b, y, x, c).
func (t *Tensor) Set(b, y, x, c int, v float32) {
	t.Data[t.Index(b, y, x, c)] = v
}

// Frame returns the storage of batch entry b. The returned slice aliases Data.
func (t *Tensor) Frame(b int) []float32 {
	size := t.Shape[1] * t.Shape[2] * t.Shape[3]
	return t.Data[b*size : (b+1)*size]
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%dx%dx%d)", t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3])
}
