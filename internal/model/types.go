package model

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

var (
	ErrTrainingMode = errors.New("classifier is not in inference mode")
	ErrBadInput     = errors.New("input tensor does not match the classifier")
)

// Config describes the convolutional classifier. DefaultConfig is the
// architecture every shipped checkpoint was trained with.
type Config struct {
	InputSize  int
	InChannels int
	Widths     []int
	Hidden     int
	Classes    int
	Dropout    float32
	Eps        float32
	Seed       uint64
}

func DefaultConfig() Config {
	return Config{
		InputSize:  224,
		InChannels: 1,
		Widths:     []int{32, 64, 128, 256},
		Hidden:     512,
		Classes:    14,
		Dropout:    0.5,
		Eps:        1e-5,
		Seed:       20240101,
	}
}

func (c Config) Validate() error {
	if c.InChannels < 1 || c.Hidden < 1 || c.Classes < 1 {
		return fmt.Errorf("channels, hidden and classes must be positive")
	}
	if len(c.Widths) == 0 {
		return fmt.Errorf("at least one convolution block is required")
	}
	if c.InputSize <= 0 || c.InputSize%(1<<len(c.Widths)) != 0 {
		return fmt.Errorf("input size %d is not divisible by %d", c.InputSize, 1<<len(c.Widths))
	}
	return nil
}

// FeatureSize is the spatial size after the last pooling stage.
func (c Config) FeatureSize() int {
	return c.InputSize >> len(c.Widths)
}

// FlatFeatures is the width of the first linear layer's input.
func (c Config) FlatFeatures() int {
	s := c.FeatureSize()
	return c.Widths[len(c.Widths)-1] * s * s
}

// InputShape is the single-image batch shape the classifier accepts.
func (c Config) InputShape() []int {
	return []int{1, c.InChannels, c.InputSize, c.InputSize}
}

// NamedTensor is one state-dict entry offered for binding.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// BindReport is the outcome of reconciling a state dict with the
// classifier's parameters.
type BindReport struct {
	Matched         []string
	Missing         []string
	Unexpected      []string
	ShapeMismatched []string
}

// Complete reports whether every parameter was bound and nothing was left over.
func (r BindReport) Complete() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.ShapeMismatched) == 0
}

func (r BindReport) String() string {
	return fmt.Sprintf("matched=%d missing=%d unexpected=%d shape_mismatched=%d",
		len(r.Matched), len(r.Missing), len(r.Unexpected), len(r.ShapeMismatched))
}
