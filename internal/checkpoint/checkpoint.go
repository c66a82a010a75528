// Package checkpoint reads serialized classifier weights, unwraps training
// containers, normalizes key prefixes and binds the result onto a model.
package checkpoint

import (
	"fmt"
	"strings"
)

// ContainerKeys are probed in order; the first one present holds the weights.
var ContainerKeys = []string{"ema_state_dict", "model_state_dict", "state_dict"}

// Prefixes are wrapper prefixes stripped when every key carries one.
var Prefixes = []string{"module.", "model."}

// Checkpoint is either RawWeights or WrappedCheckpoint.
type Checkpoint interface {
	WeightMapping() *Mapping
	isCheckpoint()
}

// RawWeights is an artifact that is itself the weight mapping.
type RawWeights struct {
	Weights *Mapping
}

// WrappedCheckpoint is a training checkpoint with the weights under
// ContainerKey and everything else kept as metadata.
type WrappedCheckpoint struct {
	ContainerKey string
	Weights      *Mapping
	Metadata     map[string]any
}

func (r RawWeights) WeightMapping() *Mapping        { return r.Weights }
func (w WrappedCheckpoint) WeightMapping() *Mapping { return w.Weights }
func (RawWeights) isCheckpoint()                    {}
func (WrappedCheckpoint) isCheckpoint()             {}

// Resolve locates the weight mapping inside a decoded artifact.
func Resolve(artifact any) (Checkpoint, error) {
	m, ok := artifact.(*Mapping)
	if !ok || m == nil {
		return nil, fmt.Errorf("checkpoint root is %T, not a mapping", artifact)
	}

	for _, key := range ContainerKeys {
		v, ok := m.Get(key)
		if !ok {
			continue
		}
		weights, ok := v.(*Mapping)
		if !ok {
			return nil, fmt.Errorf("container %q holds %T, not a mapping", key, v)
		}
		meta := make(map[string]any)
		for _, e := range m.Entries() {
			k, ok := e.Key.(string)
			if !ok || k == key {
				continue
			}
			meta[k] = e.Value
		}
		return WrappedCheckpoint{ContainerKey: key, Weights: weights, Metadata: meta}, nil
	}
	return RawWeights{Weights: m}, nil
}

// NormalizeKeys strips the first prefix in Prefixes shared by all keys and
// returns it. Mappings with a non-string key, or where only some keys carry
// the prefix, come back unchanged with an empty prefix.
func NormalizeKeys(m *Mapping) (*Mapping, string) {
	if m.Len() == 0 {
		return m, ""
	}
	keys := make([]string, 0, m.Len())
	for _, e := range m.Entries() {
		k, ok := e.Key.(string)
		if !ok {
			return m, ""
		}
		keys = append(keys, k)
	}

	for _, prefix := range Prefixes {
		if !allHavePrefix(keys, prefix) {
			continue
		}
		out := &Mapping{entries: make([]Entry, 0, len(keys))}
		for i, e := range m.Entries() {
			out.entries = append(out.entries, Entry{Key: strings.TrimPrefix(keys[i], prefix), Value: e.Value})
		}
		return out, prefix
	}
	return m, ""
}

func allHavePrefix(keys []string, prefix string) bool {
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			return false
		}
	}
	return true
}

// Epoch reads the training epoch from checkpoint metadata, if recorded.
func Epoch(c Checkpoint) (int, bool) {
	w, ok := c.(WrappedCheckpoint)
	if !ok {
		return 0, false
	}
	switch v := w.Metadata["epoch"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
