// Package conditions fixes the CheXpert label order shared by the model
// output and every consumer of its scores.
package conditions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Count is the number of model outputs.
const Count = 14

// Names is the positional contract between output index and condition.
// It must not be reordered for a given model artifact.
var Names = [Count]string{
	"No Finding",
	"Enlarged Cardiomediastinum",
	"Cardiomegaly",
	"Lung Opacity",
	"Lung Lesion",
	"Edema",
	"Consolidation",
	"Pneumonia",
	"Atelectasis",
	"Pneumothorax",
	"Pleural Effusion",
	"Pleural Other",
	"Fracture",
	"Support Devices",
}

// Score is one condition's probability.
type Score struct {
	Condition   string
	Probability float64
}

// Scores holds one independent probability per condition, in Names order.
type Scores struct {
	probs [Count]float64
}

// FromProbabilities zips probs against Names.
func FromProbabilities(probs []float64) (Scores, error) {
	var s Scores
	if len(probs) != Count {
		return s, fmt.Errorf("expected %d probabilities, got %d", Count, len(probs))
	}
	for i, p := range probs {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return s, fmt.Errorf("probability for %q out of range: %v", Names[i], p)
		}
	}
	copy(s.probs[:], probs)
	return s, nil
}

// Get returns the probability for a condition name.
func (s Scores) Get(condition string) (float64, bool) {
	for i, n := range Names {
		if n == condition {
			return s.probs[i], true
		}
	}
	return 0, false
}

// List returns the scores in Names order.
func (s Scores) List() []Score {
	out := make([]Score, Count)
	for i, n := range Names {
		out[i] = Score{Condition: n, Probability: s.probs[i]}
	}
	return out
}

// Map returns the scores keyed by condition name.
func (s Scores) Map() map[string]float64 {
	m := make(map[string]float64, Count)
	for i, n := range Names {
		m[n] = s.probs[i]
	}
	return m
}

// MarshalJSON writes an object whose keys keep Names order.
func (s Scores) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range Names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.probs[i])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON requires exactly the known condition keys.
func (s *Scores) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != Count {
		return fmt.Errorf("expected %d conditions, got %d", Count, len(m))
	}
	probs := make([]float64, Count)
	for i, n := range Names {
		p, ok := m[n]
		if !ok {
			return fmt.Errorf("missing condition %q", n)
		}
		probs[i] = p
	}
	parsed, err := FromProbabilities(probs)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
