package inference

import (
	"context"

	"github.com/Brownie44l1/cxr-api/internal/checkpoint"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// Native runs the Go classifier bound from a checkpoint. The classifier is
// read-only after binding, so Forward needs no locking.
type Native struct {
	bound *checkpoint.BoundModel
}

func NewNative(bound *checkpoint.BoundModel) *Native {
	return &Native{bound: bound}
}

func (n *Native) Name() string { return "native" }

func (n *Native) Device() tensor.Device { return n.bound.Device }

func (n *Native) InputShape() []int { return n.bound.Model.Config().InputShape() }

func (n *Native) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return n.bound.Model.Forward(ctx, x)
}

func (n *Native) Close() error { return nil }

// Bound exposes the checkpoint details for reporting.
func (n *Native) Bound() *checkpoint.BoundModel { return n.bound }
