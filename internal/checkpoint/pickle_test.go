package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

func TestReadPickleStorages(t *testing.T) {
	tests := []struct {
		file  string
		want  []float32
		delta float64
	}{
		{"tensor_float32_proto2_zip.pt", []float32{1.2, -3.4, 5.6, -7.8}, 1e-6},
		{"tensor_float16_proto2_zip.pt", []float32{1.2, -3.4, 5.6, -7.8}, 0.005},
		{"tensor_bfloat16_proto2_zip.pt", []float32{1.2, -3.4, 5.6, -7.8}, 0.013},
		{"tensor_float64_proto2.pt", []float32{1.2, -3.4, 5.6, -7.8}, 1e-6},
		{"tensor_int64_proto4_zip.pt", []float32{1, -2, 3, -4}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.file, func(t *testing.T) {
			v, err := readPickle(filepath.Join("testdata", tc.file))
			require.NoError(t, err)

			got, ok := v.(*tensor.Tensor)
			require.True(t, ok, "got %T", v)
			assert.Equal(t, []int{4}, got.Shape)
			assert.Equal(t, tensor.CPU, got.Device)
			assert.InDeltaSlice(t, tc.want, got.Data, tc.delta)
		})
	}
}

func TestReadArtifactDispatchesPickle(t *testing.T) {
	v, err := ReadArtifact(filepath.Join("testdata", "tensor_bfloat16_proto2_zip.pt"))
	require.NoError(t, err)
	assert.IsType(t, &tensor.Tensor{}, v)

	_, err = readPickle(filepath.Join(t.TempDir(), "absent.pth"))
	assert.Error(t, err)
}

func floatTensor(shape, stride []int, data ...float32) *pytorch.Tensor {
	return &pytorch.Tensor{Source: &pytorch.FloatStorage{Data: data}, Size: shape, Stride: stride}
}

func TestConvertWrappedStateDict(t *testing.T) {
	sd := types.NewOrderedDict()
	sd.Set("module.features.0.weight", floatTensor([]int{2, 2}, []int{2, 1}, 1, 2, 3, 4))
	// transposed view of the same storage layout
	sd.Set("module.features.0.bias", floatTensor([]int{2, 2}, []int{1, 2}, 1, 2, 3, 4))
	sd.Set("module.features.1.num_batches_tracked", &pytorch.Tensor{Source: &pytorch.LongStorage{Data: []int64{42}}})
	sd.Set("module.classifier.4.bias", &pytorch.Tensor{
		Source:        &pytorch.BFloat16Storage{Data: []float32{9, 0.5, -1}},
		StorageOffset: 1,
		Size:          []int{2},
		Stride:        []int{1},
	})

	wrapper := types.NewDict()
	wrapper.Set("epoch", 7)
	wrapper.Set("model_state_dict", sd)
	wrapper.Set("optimizer", "adam")

	artifact, err := convert(wrapper)
	require.NoError(t, err)

	ckpt, err := Resolve(artifact)
	require.NoError(t, err)
	wrapped, ok := ckpt.(WrappedCheckpoint)
	require.True(t, ok)
	assert.Equal(t, "model_state_dict", wrapped.ContainerKey)
	assert.Equal(t, "adam", wrapped.Metadata["optimizer"])
	epoch, ok := Epoch(ckpt)
	require.True(t, ok)
	assert.Equal(t, 7, epoch)

	weights, prefix := NormalizeKeys(ckpt.WeightMapping())
	assert.Equal(t, "module.", prefix)
	assert.Equal(t, []any{
		"features.0.weight",
		"features.0.bias",
		"features.1.num_batches_tracked",
		"classifier.4.bias",
	}, weights.Keys())

	get := func(name string) *tensor.Tensor {
		v, ok := weights.Get(name)
		require.True(t, ok, name)
		return v.(*tensor.Tensor)
	}
	assert.Equal(t, []float32{1, 2, 3, 4}, get("features.0.weight").Data)
	assert.Equal(t, []float32{1, 3, 2, 4}, get("features.0.bias").Data)
	assert.Equal(t, []float32{42}, get("features.1.num_batches_tracked").Data)
	assert.Empty(t, get("features.1.num_batches_tracked").Shape)
	assert.Equal(t, []float32{0.5, -1}, get("classifier.4.bias").Data)
}

func TestConvertPlainDictWithOpaqueKey(t *testing.T) {
	d := types.Dict{
		{Key: "model.fc.weight", Value: floatTensor([]int{1}, nil, 3)},
		{Key: types.List{"fc", 0}, Value: 1},
	}

	artifact, err := convert(d)
	require.NoError(t, err)
	m, ok := artifact.(*Mapping)
	require.True(t, ok)
	require.Equal(t, 2, m.Len())

	keys := m.Keys()
	assert.Equal(t, "model.fc.weight", keys[0])
	assert.IsType(t, opaqueKey(""), keys[1])

	// a non-string key blocks prefix stripping
	out, prefix := NormalizeKeys(m)
	assert.Empty(t, prefix)
	assert.Same(t, m, out)
}

func TestConvertRejectsUnknownStorage(t *testing.T) {
	sd := types.NewOrderedDict()
	sd.Set("features.0.weight", &pytorch.Tensor{Size: []int{1}})
	_, err := convert(sd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "features.0.weight")
	assert.Contains(t, err.Error(), "unsupported tensor storage")
}

func TestConvertBoolAndSmallIntStorages(t *testing.T) {
	got, err := convertTensor(&pytorch.Tensor{Source: &pytorch.BoolStorage{Data: []bool{true, false}}, Size: []int{2}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Data)

	got, err = convertTensor(&pytorch.Tensor{Source: &pytorch.ByteStorage{Data: []uint8{255, 1}}, Size: []int{2}})
	require.NoError(t, err)
	assert.Equal(t, []float32{255, 1}, got.Data)

	got, err = convertTensor(&pytorch.Tensor{Source: &pytorch.CharStorage{Data: []int8{-3}}, Size: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, []float32{-3}, got.Data)
}
