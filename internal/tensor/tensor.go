// Package tensor holds the dense float32 tensor shared by the checkpoint,
// model, preprocessing and inference packages.
package tensor

import (
	"fmt"
	"strings"
)

// Device names the execution target a tensor or model is pinned to.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
)

// ParseDevice accepts "cpu", "cuda" and "cuda:N".
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == string(CPU):
		return CPU, nil
	case s == string(CUDA) || strings.HasPrefix(s, "cuda:"):
		return Device(s), nil
	default:
		return "", fmt.Errorf("unsupported device %q (valid: cpu, cuda, cuda:N)", s)
	}
}

// IsCUDA reports whether d selects a CUDA device.
func (d Device) IsCUDA() bool {
	return strings.HasPrefix(string(d), string(CUDA))
}

// Tensor is a contiguous row-major float32 tensor.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device Device
}

// New wraps data with the given shape. The element count must match.
func New(shape []int, data []float32) (*Tensor, error) {
	if n := Numel(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data, Device: CPU}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   make([]float32, Numel(shape)),
		Device: CPU,
	}
}

// Numel returns the number of elements a shape describes. A rank-0 shape
// holds one element.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the element count, 0 for a nil tensor.
func (t *Tensor) Numel() int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}

// HasShape reports whether t has exactly the given shape.
func (t *Tensor) HasShape(shape ...int) bool {
	if t == nil || len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   append([]float32(nil), t.Data...),
		Device: t.Device,
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v(%s)", t.Shape, t.Device)
}
