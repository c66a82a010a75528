// Package model implements the chest X-ray classifier: four conv blocks
// followed by a two-layer head producing one logit per condition.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

type param struct {
	name string
	t    *tensor.Tensor
}

// Classifier is safe for concurrent Forward calls once it is in inference
// mode; nothing mutates it after LoadWeights.
type Classifier struct {
	cfg    Config
	convs  []conv2d
	norms  []batchNorm
	fc1    linear
	fc2    linear
	params []param
	index  map[string]int

	// dropout only exists so the layer indices line up with trained
	// checkpoints; inference mode never applies it.
	dropout float32
	eval    bool
	device  tensor.Device
}

// New builds a classifier in training mode with deterministic initial
// weights derived from cfg.Seed.
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	c := &Classifier{
		cfg:     cfg,
		index:   make(map[string]int),
		dropout: cfg.Dropout,
		device:  tensor.CPU,
	}

	in := cfg.InChannels
	for i, out := range cfg.Widths {
		// features.Sequential layout: conv, bn, relu, pool per block
		convIdx, bnIdx := 4*i, 4*i+1
		conv := conv2d{
			in:     in,
			out:    out,
			weight: c.register(fmt.Sprintf("features.%d.weight", convIdx), out, in, 3, 3),
			bias:   c.register(fmt.Sprintf("features.%d.bias", convIdx), out),
		}
		bn := batchNorm{
			eps:         cfg.Eps,
			weight:      c.register(fmt.Sprintf("features.%d.weight", bnIdx), out),
			bias:        c.register(fmt.Sprintf("features.%d.bias", bnIdx), out),
			runningMean: c.register(fmt.Sprintf("features.%d.running_mean", bnIdx), out),
			runningVar:  c.register(fmt.Sprintf("features.%d.running_var", bnIdx), out),
			numBatches:  c.register(fmt.Sprintf("features.%d.num_batches_tracked", bnIdx)),
		}
		c.convs = append(c.convs, conv)
		c.norms = append(c.norms, bn)
		in = out
	}

	// classifier.Sequential: flatten, linear, relu, dropout, linear
	c.fc1 = linear{
		in:     cfg.FlatFeatures(),
		out:    cfg.Hidden,
		weight: c.register("classifier.1.weight", cfg.Hidden, cfg.FlatFeatures()),
		bias:   c.register("classifier.1.bias", cfg.Hidden),
	}
	c.fc2 = linear{
		in:     cfg.Hidden,
		out:    cfg.Classes,
		weight: c.register("classifier.4.weight", cfg.Classes, cfg.Hidden),
		bias:   c.register("classifier.4.bias", cfg.Classes),
	}

	c.initialize()
	return c, nil
}

func (c *Classifier) register(name string, shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	c.index[name] = len(c.params)
	c.params = append(c.params, param{name: name, t: t})
	return t
}

// initialize mirrors the framework defaults: uniform(-1/sqrt(fan_in),
// 1/sqrt(fan_in)) for conv and linear layers, identity batch norm.
func (c *Classifier) initialize() {
	rng := rand.New(rand.NewPCG(c.cfg.Seed, c.cfg.Seed^0x9e3779b97f4a7c15))
	uniform := func(t *tensor.Tensor, fanIn int) {
		bound := float32(1 / math.Sqrt(float64(fanIn)))
		for i := range t.Data {
			t.Data[i] = (rng.Float32()*2 - 1) * bound
		}
	}

	for i, conv := range c.convs {
		uniform(conv.weight, conv.in*9)
		uniform(conv.bias, conv.in*9)
		bn := c.norms[i]
		fill(bn.weight, 1)
		fill(bn.runningVar, 1)
	}
	for _, l := range []linear{c.fc1, c.fc2} {
		uniform(l.weight, l.in)
		uniform(l.bias, l.in)
	}
}

func fill(t *tensor.Tensor, v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

func (c *Classifier) Config() Config { return c.cfg }

// Eval switches to inference mode: dropout becomes inert and Forward is allowed.
func (c *Classifier) Eval() *Classifier {
	c.eval = true
	return c
}

// Training reports whether the classifier is still in training mode.
func (c *Classifier) Training() bool { return !c.eval }

// To pins the classifier to a device. The Go forward pass only runs on CPU.
func (c *Classifier) To(device tensor.Device) (*Classifier, error) {
	if device != tensor.CPU {
		return nil, fmt.Errorf("native classifier cannot run on %s; export the model to ONNX for GPU inference", device)
	}
	c.device = device
	return c, nil
}

func (c *Classifier) Device() tensor.Device { return c.device }

// ParameterNames lists state-dict names in registration order.
func (c *Classifier) ParameterNames() []string {
	names := make([]string, len(c.params))
	for i, p := range c.params {
		names[i] = p.name
	}
	return names
}

// Parameter returns a copy of a named parameter.
func (c *Classifier) Parameter(name string) (*tensor.Tensor, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.params[i].t.Clone(), true
}

// LoadWeights copies matching entries into the classifier. Entries that do
// not name a parameter, or whose shape differs, are skipped and reported;
// parameters without an entry keep their current values.
func (c *Classifier) LoadWeights(weights []NamedTensor) BindReport {
	var report BindReport
	seen := make(map[string]bool, len(weights))

	for _, w := range weights {
		i, ok := c.index[w.Name]
		if !ok || w.Tensor == nil {
			report.Unexpected = append(report.Unexpected, w.Name)
			continue
		}
		dst := c.params[i].t
		if !w.Tensor.HasShape(dst.Shape...) {
			report.ShapeMismatched = append(report.ShapeMismatched,
				fmt.Sprintf("%s: checkpoint %v, model %v", w.Name, w.Tensor.Shape, dst.Shape))
			seen[w.Name] = true
			continue
		}
		copy(dst.Data, w.Tensor.Data)
		if !seen[w.Name] {
			report.Matched = append(report.Matched, w.Name)
		}
		seen[w.Name] = true
	}

	for _, p := range c.params {
		if !seen[p.name] {
			report.Missing = append(report.Missing, p.name)
		}
	}
	slices.Sort(report.Unexpected)
	return report
}

// Forward maps a [N, C, H, W] batch to [N, classes] logits.
func (c *Classifier) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if !c.eval {
		return nil, ErrTrainingMode
	}
	if x == nil || len(x.Shape) != 4 || x.Shape[0] < 1 ||
		!slices.Equal(x.Shape[1:], c.cfg.InputShape()[1:]) {
		return nil, fmt.Errorf("%w: got %v, want [N %d %d %d]", ErrBadInput, shapeOf(x),
			c.cfg.InChannels, c.cfg.InputSize, c.cfg.InputSize)
	}

	n := x.Shape[0]
	per := tensor.Numel(x.Shape[1:])
	out := tensor.Zeros(n, c.cfg.Classes)
	out.Device = c.device

	for b := 0; b < n; b++ {
		logits, err := c.forwardOne(ctx, x.Data[b*per:(b+1)*per])
		if err != nil {
			return nil, err
		}
		copy(out.Data[b*c.cfg.Classes:], logits)
	}
	return out, nil
}

func (c *Classifier) forwardOne(ctx context.Context, act []float32) ([]float32, error) {
	h, w := c.cfg.InputSize, c.cfg.InputSize
	var err error
	for i := range c.convs {
		act, err = block(ctx, c.convs[i], c.norms[i], act, h, w)
		if err != nil {
			return nil, err
		}
		h, w = h/2, w/2
	}

	hidden, err := c.fc1.apply(ctx, act)
	if err != nil {
		return nil, err
	}
	relu(hidden)
	return c.fc2.apply(ctx, hidden)
}

func shapeOf(x *tensor.Tensor) []int {
	if x == nil {
		return nil
	}
	return x.Shape
}
