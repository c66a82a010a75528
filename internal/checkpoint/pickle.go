package checkpoint

import (
	"fmt"
	"reflect"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// opaqueKey stands in for a decoded key that cannot be compared, such as a
// list. It is deliberately not a string so normalization leaves it alone.
type opaqueKey string

// readPickle decodes a PyTorch checkpoint (zip or legacy format).
func readPickle(path string) (_ any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode pytorch checkpoint: %v", r)
		}
	}()
	raw, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("decode pytorch checkpoint: %w", err)
	}
	return convert(raw)
}

// convert rewrites gopickle values into Mapping, tensor.Tensor and scalars.
func convert(v any) (any, error) {
	switch x := v.(type) {
	case *types.OrderedDict:
		m := NewMapping()
		for el := x.List.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*types.OrderedDictEntry)
			val, err := convert(entry.Value)
			if err != nil {
				return nil, fmt.Errorf("key %v: %w", entry.Key, err)
			}
			m.entries = append(m.entries, Entry{Key: mappingKey(entry.Key), Value: val})
		}
		return m, nil
	case *types.Dict:
		return convertDict(reflect.ValueOf(x).Elem())
	case types.Dict:
		return convertDict(reflect.ValueOf(x))
	case *pytorch.Tensor:
		return convertTensor(x)
	default:
		return v, nil
	}
}

// convertDict accepts both the map-backed and the ordered slice-backed
// representations gopickle has used for plain dicts.
func convertDict(rv reflect.Value) (*Mapping, error) {
	m := NewMapping()
	add := func(k, v any) error {
		val, err := convert(v)
		if err != nil {
			return fmt.Errorf("key %v: %w", k, err)
		}
		m.entries = append(m.entries, Entry{Key: mappingKey(k), Value: val})
		return nil
	}

	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := add(iter.Key().Interface(), iter.Value().Interface()); err != nil {
				return nil, err
			}
		}
	case reflect.Slice:
		for i := 0; i < rv.Len(); i++ {
			e := reflect.Indirect(rv.Index(i))
			if e.Kind() != reflect.Struct {
				return nil, fmt.Errorf("unsupported dict entry %s", e.Type())
			}
			if err := add(e.FieldByName("Key").Interface(), e.FieldByName("Value").Interface()); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dict representation %s", rv.Type())
	}
	return m, nil
}

func mappingKey(k any) any {
	if k == nil {
		return nil
	}
	if !reflect.TypeOf(k).Comparable() {
		return opaqueKey(fmt.Sprintf("%v", k))
	}
	return k
}

func convertTensor(t *pytorch.Tensor) (*tensor.Tensor, error) {
	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.BFloat16Storage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = widen(s.Data)
	case *pytorch.LongStorage:
		src = widen(s.Data)
	case *pytorch.IntStorage:
		src = widen(s.Data)
	case *pytorch.ShortStorage:
		src = widen(s.Data)
	case *pytorch.CharStorage:
		src = widen(s.Data)
	case *pytorch.ByteStorage:
		src = widen(s.Data)
	case *pytorch.BoolStorage:
		src = make([]float32, len(s.Data))
		for i, b := range s.Data {
			if b {
				src[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", t.Source)
	}

	shape := append([]int(nil), t.Size...)
	n := tensor.Numel(shape)
	data := make([]float32, n)
	if n == 0 {
		return &tensor.Tensor{Shape: shape, Data: data, Device: tensor.CPU}, nil
	}

	stride := t.Stride
	if len(stride) != len(shape) {
		stride = contiguousStride(shape)
	}
	if err := gather(data, src, shape, stride, t.StorageOffset); err != nil {
		return nil, err
	}
	return &tensor.Tensor{Shape: shape, Data: data, Device: tensor.CPU}, nil
}

type number interface {
	~float64 | ~int64 | ~int32 | ~int16 | ~int8 | ~uint8
}

func widen[T number](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

// gather copies a strided view of src into the dense row-major dst.
func gather(dst, src []float32, shape, stride []int, offset int) error {
	idx := make([]int, len(shape))
	for i := range dst {
		pos := offset
		for d := range shape {
			pos += idx[d] * stride[d]
		}
		if pos < 0 || pos >= len(src) {
			return fmt.Errorf("tensor view %v/%v at offset %d exceeds storage of %d elements",
				shape, stride, offset, len(src))
		}
		dst[i] = src[pos]

		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nil
}
