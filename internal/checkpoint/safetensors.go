package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

const maxSafetensorsHeader = 100 << 20

type safetensorsEntry struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func readSafetensors(path string) (*Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeSafetensors(raw)
}

// decodeSafetensors parses the 8-byte header length, the JSON header and the
// little-endian payload. Entries are ordered by their payload offset.
func decodeSafetensors(raw []byte) (*Mapping, error) {
	if len(raw) < 8 {
		return nil, errors.New("safetensors file is truncated")
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if n > maxSafetensorsHeader || n > uint64(len(raw)-8) {
		return nil, fmt.Errorf("safetensors header length %d is invalid", n)
	}
	payload := raw[8+n:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("parse safetensors header: %w", err)
	}
	delete(header, "__metadata__")

	type named struct {
		name string
		safetensorsEntry
	}
	entries := make([]named, 0, len(header))
	for name, msg := range header {
		var e safetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		entries = append(entries, named{name: name, safetensorsEntry: e})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DataOffsets[0] != entries[j].DataOffsets[0] {
			return entries[i].DataOffsets[0] < entries[j].DataOffsets[0]
		}
		return entries[i].name < entries[j].name
	})

	m := NewMapping()
	for _, e := range entries {
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(payload)) {
			return nil, fmt.Errorf("tensor %q: offsets [%d, %d) outside payload of %d bytes",
				e.name, begin, end, len(payload))
		}
		t, err := decodeSafetensor(e.Dtype, e.Shape, payload[begin:end])
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", e.name, err)
		}
		m.entries = append(m.entries, Entry{Key: e.name, Value: t})
	}
	return m, nil
}

func decodeSafetensor(dtype string, shape []int, buf []byte) (*tensor.Tensor, error) {
	var size int
	var read func(b []byte) float32
	le := binary.LittleEndian
	switch dtype {
	case "F32":
		size, read = 4, func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) }
	case "F64":
		size, read = 8, func(b []byte) float32 { return float32(math.Float64frombits(le.Uint64(b))) }
	case "F16":
		size, read = 2, func(b []byte) float32 { return halfToFloat32(le.Uint16(b)) }
	case "BF16":
		size, read = 2, func(b []byte) float32 { return math.Float32frombits(uint32(le.Uint16(b)) << 16) }
	case "I64":
		size, read = 8, func(b []byte) float32 { return float32(int64(le.Uint64(b))) }
	case "I32":
		size, read = 4, func(b []byte) float32 { return float32(int32(le.Uint32(b))) }
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}

	n := tensor.Numel(shape)
	if len(buf) != n*size {
		return nil, fmt.Errorf("shape %v %s needs %d bytes, got %d", shape, dtype, n*size, len(buf))
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = read(buf[i*size:])
	}
	return tensor.New(shape, data)
}

// halfToFloat32 expands an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: renormalize into a float32 exponent
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}
