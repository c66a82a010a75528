// Package inference runs the bound classifier and turns its logits into
// per-condition probabilities.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/conditions"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// Backend executes the classifier's forward pass.
type Backend interface {
	Name() string
	Device() tensor.Device
	// InputShape is the exact tensor shape Forward accepts.
	InputShape() []int
	Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	Close() error
}

// Engine is safe for concurrent use when its backend is.
type Engine struct {
	backend Backend
	logger  *slog.Logger
}

func NewEngine(backend Backend, logger *slog.Logger) *Engine {
	return &Engine{backend: backend, logger: logger}
}

// Ready reports whether a backend is bound.
func (e *Engine) Ready() bool {
	return e != nil && e.backend != nil
}

func (e *Engine) Device() tensor.Device {
	if !e.Ready() {
		return ""
	}
	return e.backend.Device()
}

// Infer returns one independent probability per condition. Scores do not
// sum to one.
func (e *Engine) Infer(ctx context.Context, x *tensor.Tensor) (conditions.Scores, error) {
	var none conditions.Scores
	if !e.Ready() {
		return none, apperr.New(apperr.ModelNotInitialized, "Model not initialized")
	}
	want := e.backend.InputShape()
	if x == nil || x.Numel() == 0 || !x.HasShape(want...) {
		return none, apperr.Wrap(apperr.InvalidTensor, "Invalid input tensor",
			fmt.Errorf("got shape %v, want %v", shapeOf(x), want))
	}
	if x.Numel() != tensor.Numel(x.Shape) {
		return none, apperr.Wrap(apperr.InvalidTensor, "Invalid input tensor",
			fmt.Errorf("shape %v but %d values", x.Shape, x.Numel()))
	}

	logits, err := e.forward(ctx, x)
	if err != nil {
		return none, apperr.Wrap(apperr.InferenceFailed, "Model inference failed", err)
	}
	if logits.Numel() != conditions.Count {
		return none, apperr.Wrap(apperr.InferenceFailed, "Model inference failed",
			fmt.Errorf("model produced %d logits, want %d", logits.Numel(), conditions.Count))
	}

	probs := make([]float64, conditions.Count)
	for i, l := range logits.Data {
		probs[i] = Sigmoid(float64(l))
	}
	scores, err := conditions.FromProbabilities(probs)
	if err != nil {
		return none, apperr.Wrap(apperr.InferenceFailed, "Model inference failed", err)
	}

	logger.FromContext(ctx, e.logger).Debug("inference complete", "backend", e.backend.Name())
	return scores, nil
}

func (e *Engine) forward(ctx context.Context, x *tensor.Tensor) (out *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%s forward panicked: %v", e.backend.Name(), r)
		}
	}()
	return e.backend.Forward(ctx, x)
}

func (e *Engine) Close() error {
	if !e.Ready() {
		return nil
	}
	return e.backend.Close()
}

// Sigmoid is the logistic function, stable for large magnitudes.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	z := math.Exp(x)
	return z / (1 + z)
}

func shapeOf(x *tensor.Tensor) []int {
	if x == nil {
		return nil
	}
	return x.Shape
}
