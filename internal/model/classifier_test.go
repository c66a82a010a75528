package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.InputSize = 16
	cfg.Widths = []int{2, 4, 4, 8}
	cfg.Hidden = 6
	return cfg
}

func newEval(t *testing.T, cfg Config) *Classifier {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c.Eval()
}

func rampInput(cfg Config) *tensor.Tensor {
	x := tensor.Zeros(cfg.InputShape()...)
	for i := range x.Data {
		x.Data[i] = float32(i%17)/8 - 1
	}
	return x
}

func TestNewRegistersStateDictLayout(t *testing.T) {
	c, err := New(smallConfig())
	require.NoError(t, err)

	names := c.ParameterNames()
	assert.Len(t, names, 4*7+4)
	assert.Equal(t, "features.0.weight", names[0])
	assert.Contains(t, names, "features.13.running_var")
	assert.Contains(t, names, "features.13.num_batches_tracked")
	assert.Equal(t, "classifier.4.bias", names[len(names)-1])

	w, ok := c.Parameter("classifier.1.weight")
	require.True(t, ok)
	assert.Equal(t, []int{6, 8}, w.Shape)

	conv, ok := c.Parameter("features.4.weight")
	require.True(t, ok)
	assert.Equal(t, []int{4, 2, 3, 3}, conv.Shape)

	_, ok = c.Parameter("features.2.weight")
	assert.False(t, ok, "relu/pool slots carry no parameters")
}

func TestDefaultConfigGeometry(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 14, cfg.FeatureSize())
	assert.Equal(t, 256*14*14, cfg.FlatFeatures())
	assert.Equal(t, []int{1, 1, 224, 224}, cfg.InputShape())
}

func TestConfigValidate(t *testing.T) {
	cfg := smallConfig()
	cfg.InputSize = 20
	assert.Error(t, cfg.Validate())

	cfg = smallConfig()
	cfg.Widths = nil
	assert.Error(t, cfg.Validate())

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestForwardRequiresInferenceMode(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg)
	require.NoError(t, err)
	assert.True(t, c.Training())

	_, err = c.Forward(context.Background(), rampInput(cfg))
	assert.ErrorIs(t, err, ErrTrainingMode)

	c.Eval()
	assert.False(t, c.Training())
	out, err := c.Forward(context.Background(), rampInput(cfg))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 14}, out.Shape)
}

func TestForwardRejectsBadShapes(t *testing.T) {
	cfg := smallConfig()
	c := newEval(t, cfg)

	tests := map[string]*tensor.Tensor{
		"nil":        nil,
		"rank3":      tensor.Zeros(1, 16, 16),
		"channels":   tensor.Zeros(1, 3, 16, 16),
		"resolution": tensor.Zeros(1, 1, 32, 32),
		"empty":      tensor.Zeros(0, 1, 16, 16),
	}
	for name, x := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Forward(context.Background(), x)
			assert.ErrorIs(t, err, ErrBadInput)
		})
	}
}

func TestForwardIsDeterministic(t *testing.T) {
	cfg := smallConfig()
	x := rampInput(cfg)

	a := newEval(t, cfg)
	first, err := a.Forward(context.Background(), x)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := a.Forward(context.Background(), x)
		require.NoError(t, err)
		assert.Equal(t, first.Data, again.Data)
	}

	// a second instance with the same seed starts from identical weights
	b := newEval(t, cfg)
	other, err := b.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, first.Data, other.Data)
}

func TestForwardBatch(t *testing.T) {
	cfg := smallConfig()
	c := newEval(t, cfg)
	one := rampInput(cfg)

	batch := tensor.Zeros(2, 1, 16, 16)
	copy(batch.Data, one.Data)
	copy(batch.Data[len(one.Data):], one.Data)

	single, err := c.Forward(context.Background(), one)
	require.NoError(t, err)
	both, err := c.Forward(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, single.Data, both.Data[:14])
	assert.Equal(t, single.Data, both.Data[14:])
}

func TestForwardHonorsCancellation(t *testing.T) {
	cfg := smallConfig()
	c := newEval(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Forward(ctx, rampInput(cfg))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForwardKnownValues(t *testing.T) {
	cfg := Config{InputSize: 2, InChannels: 1, Widths: []int{1}, Hidden: 1, Classes: 1, Eps: 0}
	c := newEval(t, cfg)

	identity := tensor.Zeros(1, 1, 3, 3)
	identity.Data[4] = 1
	report := c.LoadWeights([]NamedTensor{
		{Name: "features.0.weight", Tensor: identity},
		{Name: "features.0.bias", Tensor: tensor.Zeros(1)},
		{Name: "features.1.weight", Tensor: &tensor.Tensor{Shape: []int{1}, Data: []float32{1}}},
		{Name: "features.1.bias", Tensor: tensor.Zeros(1)},
		{Name: "features.1.running_mean", Tensor: tensor.Zeros(1)},
		{Name: "features.1.running_var", Tensor: &tensor.Tensor{Shape: []int{1}, Data: []float32{1}}},
		{Name: "classifier.1.weight", Tensor: &tensor.Tensor{Shape: []int{1, 1}, Data: []float32{2}}},
		{Name: "classifier.1.bias", Tensor: &tensor.Tensor{Shape: []int{1}, Data: []float32{0.5}}},
		{Name: "classifier.4.weight", Tensor: &tensor.Tensor{Shape: []int{1, 1}, Data: []float32{1}}},
		{Name: "classifier.4.bias", Tensor: &tensor.Tensor{Shape: []int{1}, Data: []float32{-1}}},
	})
	assert.Equal(t, []string{"features.1.num_batches_tracked"}, report.Missing)

	x := &tensor.Tensor{Shape: []int{1, 1, 2, 2}, Data: []float32{1, 2, 3, 4}}
	out, err := c.Forward(context.Background(), x)
	require.NoError(t, err)
	// max(1,2,3,4)=4 -> 2*4+0.5=8.5 -> relu -> 8.5-1
	assert.Equal(t, []float32{7.5}, out.Data)
}

func TestLoadWeightsReport(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg)
	require.NoError(t, err)

	before, _ := c.Parameter("features.0.bias")

	good := tensor.Zeros(2, 1, 3, 3)
	for i := range good.Data {
		good.Data[i] = 0.25
	}
	report := c.LoadWeights([]NamedTensor{
		{Name: "features.0.weight", Tensor: good},
		{Name: "features.0.bias", Tensor: tensor.Zeros(3)},
		{Name: "head.weight", Tensor: tensor.Zeros(1)},
	})

	assert.Equal(t, []string{"features.0.weight"}, report.Matched)
	assert.Equal(t, []string{"head.weight"}, report.Unexpected)
	require.Len(t, report.ShapeMismatched, 1)
	assert.Contains(t, report.ShapeMismatched[0], "features.0.bias")
	assert.NotContains(t, report.Missing, "features.0.weight")
	assert.NotContains(t, report.Missing, "features.0.bias")
	assert.Contains(t, report.Missing, "classifier.4.weight")
	assert.False(t, report.Complete())

	got, _ := c.Parameter("features.0.weight")
	assert.Equal(t, good.Data, got.Data)
	after, _ := c.Parameter("features.0.bias")
	assert.Equal(t, before.Data, after.Data, "mismatched parameters keep their initial values")
}

func TestLoadWeightsCopiesData(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg)
	require.NoError(t, err)

	src := tensor.Zeros(2)
	src.Data[0] = 3
	c.LoadWeights([]NamedTensor{{Name: "features.0.bias", Tensor: src}})
	src.Data[0] = 9

	got, _ := c.Parameter("features.0.bias")
	assert.Equal(t, float32(3), got.Data[0])
}

func TestToDevice(t *testing.T) {
	c, err := New(smallConfig())
	require.NoError(t, err)

	_, err = c.To(tensor.CUDA)
	assert.Error(t, err)

	same, err := c.To(tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, tensor.CPU, same.Device())
}
