package model

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// conv2d is a 3x3, stride 1, padding 1 convolution.
type conv2d struct {
	in, out int
	weight  *tensor.Tensor // [out, in, 3, 3]
	bias    *tensor.Tensor // [out]
}

// batchNorm uses running statistics only; training-time batch statistics
// are never computed here.
type batchNorm struct {
	eps         float32
	weight      *tensor.Tensor
	bias        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	numBatches  *tensor.Tensor
}

type linear struct {
	in, out int
	weight  *tensor.Tensor // [out, in]
	bias    *tensor.Tensor // [out]
}

func workers() int {
	return runtime.GOMAXPROCS(0)
}

// block runs conv -> batch norm -> relu -> 2x2 max pool over a CHW input.
// Each output channel is owned by one goroutine and accumulated in a fixed
// order, so results do not depend on scheduling.
func block(ctx context.Context, conv conv2d, bn batchNorm, in []float32, h, w int) ([]float32, error) {
	ph, pw := h/2, w/2
	out := make([]float32, conv.out*ph*pw)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers())
	for oc := 0; oc < conv.out; oc++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plane := make([]float32, h*w)
			conv.accumulate(oc, in, plane, h, w)
			bn.applyRelu(oc, plane)
			maxPool2(plane, out[oc*ph*pw:(oc+1)*ph*pw], h, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c conv2d) accumulate(oc int, in, plane []float32, h, w int) {
	b := c.bias.Data[oc]
	for i := range plane {
		plane[i] = b
	}
	kernels := c.weight.Data[oc*c.in*9 : (oc+1)*c.in*9]
	for ic := 0; ic < c.in; ic++ {
		src := in[ic*h*w : (ic+1)*h*w]
		k := kernels[ic*9 : ic*9+9]
		for ky := 0; ky < 3; ky++ {
			dy := ky - 1
			y0, y1 := max(0, -dy), min(h, h-dy)
			for kx := 0; kx < 3; kx++ {
				dx := kx - 1
				x0, x1 := max(0, -dx), min(w, w-dx)
				wv := k[ky*3+kx]
				for y := y0; y < y1; y++ {
					dst := plane[y*w : y*w+w]
					row := src[(y+dy)*w : (y+dy)*w+w]
					for x := x0; x < x1; x++ {
						// explicit conversion blocks FMA fusion so results match across architectures
						dst[x] += float32(wv * row[x+dx])
					}
				}
			}
		}
	}
}

func (bn batchNorm) applyRelu(c int, plane []float32) {
	inv := float32(1 / math.Sqrt(float64(bn.runningVar.Data[c]+bn.eps)))
	scale := bn.weight.Data[c] * inv
	shift := bn.bias.Data[c] - float32(bn.runningMean.Data[c]*scale)
	for i, v := range plane {
		v = float32(v*scale) + shift
		if v < 0 {
			v = 0
		}
		plane[i] = v
	}
}

// maxPool2 is a 2x2, stride 2 max pool; odd trailing rows/columns are dropped.
func maxPool2(plane, out []float32, h, w int) {
	pw := w / 2
	for y := 0; y < h/2; y++ {
		r0 := plane[2*y*w:]
		r1 := plane[(2*y+1)*w:]
		for x := 0; x < pw; x++ {
			m := r0[2*x]
			if v := r0[2*x+1]; v > m {
				m = v
			}
			if v := r1[2*x]; v > m {
				m = v
			}
			if v := r1[2*x+1]; v > m {
				m = v
			}
			out[y*pw+x] = m
		}
	}
}

const linearChunk = 16

// apply computes weight·in + bias, splitting output units across workers.
func (l linear) apply(ctx context.Context, in []float32) ([]float32, error) {
	out := make([]float32, l.out)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers())
	for start := 0; start < l.out; start += linearChunk {
		end := min(start+linearChunk, l.out)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for o := start; o < end; o++ {
				row := l.weight.Data[o*l.in : (o+1)*l.in]
				sum := l.bias.Data[o]
				for k, v := range in {
					sum += float32(row[k] * v)
				}
				out[o] = sum
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func relu(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}
