package checkpoint

import (
	"fmt"

	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// Entry is one key/value pair of a decoded mapping. Keys are usually
// strings but decoded pickles may carry ints or tuples.
type Entry struct {
	Key   any
	Value any
}

// Mapping is an insertion-ordered dictionary as it appeared in the artifact.
// Values are *tensor.Tensor, *Mapping or plain scalars.
type Mapping struct {
	entries []Entry
}

func NewMapping(entries ...Entry) *Mapping {
	return &Mapping{entries: append([]Entry(nil), entries...)}
}

func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Set appends key, or replaces its value in place when already present.
func (m *Mapping) Set(key, value any) {
	for i := range m.entries {
		if m.entries[i].Key == key {
			m.entries[i].Value = value
			return
		}
	}
	m.entries = append(m.entries, Entry{Key: key, Value: value})
}

func (m *Mapping) Get(key any) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, e := range m.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Entries returns a copy of the entries in order.
func (m *Mapping) Entries() []Entry {
	if m == nil {
		return nil
	}
	return append([]Entry(nil), m.entries...)
}

// Keys returns the keys in order.
func (m *Mapping) Keys() []any {
	keys := make([]any, 0, m.Len())
	for _, e := range m.Entries() {
		keys = append(keys, e.Key)
	}
	return keys
}

// NamedTensors flattens the mapping for binding. Non-string keys and
// non-tensor values are kept under a printable name so the bind report
// lists them as unexpected.
func (m *Mapping) NamedTensors() []model.NamedTensor {
	out := make([]model.NamedTensor, 0, m.Len())
	for _, e := range m.Entries() {
		name, ok := e.Key.(string)
		if !ok {
			name = fmt.Sprintf("%v", e.Key)
		}
		t, _ := e.Value.(*tensor.Tensor)
		out = append(out, model.NamedTensor{Name: name, Tensor: t})
	}
	return out
}
