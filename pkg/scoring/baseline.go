package scoring

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"gopkg.in/yaml.v3"
)

// FeatureNames lists the model inputs in FeatureVector.Slice order.
var FeatureNames = []string{
	"cpu_pct",
	"mem_pct",
	"disk_pct",
	"net_sent_mb",
	"net_recv_mb",
	"process_count",
	"suspicious_flag",
}

// FeatureStats is the learned distribution of one input.
type FeatureStats struct {
	Name string  `yaml:"name"`
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std"`
}

// BaselineModel flags observations that sit far from a learned per-feature
// mean. Its deviation is the largest absolute z-score across features;
// anything beyond Threshold standard deviations is anomalous.
type BaselineModel struct {
	Threshold float64        `yaml:"threshold"`
	Samples   int            `yaml:"samples"`
	Features  []FeatureStats `yaml:"features"`
}

// Predict implements Model. The margin is the deviation's distance past the
// threshold, relative to the threshold.
func (m *BaselineModel) Predict(fv events.FeatureVector) (Prediction, error) {
	values := fv.Slice()
	if len(m.Features) != len(values) {
		return Prediction{}, fmt.Errorf("baseline has %d features, vector has %d", len(m.Features), len(values))
	}

	var deviation float64
	for i, st := range m.Features {
		if st.Std <= 0 {
			continue
		}
		if z := math.Abs(values[i]-st.Mean) / st.Std; z > deviation {
			deviation = z
		}
	}

	return Prediction{
		Anomalous: deviation > m.Threshold,
		Margin:    (deviation - m.Threshold) / m.Threshold,
	}, nil
}

func (m *BaselineModel) validate() error {
	if m.Threshold <= 0 {
		return errors.New("threshold must be positive")
	}
	if len(m.Features) != len(FeatureNames) {
		return fmt.Errorf("expected %d features, got %d", len(FeatureNames), len(m.Features))
	}
	for i, st := range m.Features {
		if st.Std < 0 || math.IsNaN(st.Std) || math.IsNaN(st.Mean) {
			return fmt.Errorf("feature %d (%s): invalid statistics", i, st.Name)
		}
	}
	return nil
}

// LoadBaselineModel reads a model file written by Save.
func LoadBaselineModel(path string) (*BaselineModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	var m BaselineModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the model as YAML.
func (m *BaselineModel) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model %s: %w", path, err)
	}
	return nil
}

// FitBaseline learns per-feature mean and population standard deviation
// from normal observations.
func FitBaseline(samples []events.FeatureVector, threshold float64) (*BaselineModel, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples to fit")
	}
	if threshold <= 0 {
		return nil, errors.New("threshold must be positive")
	}

	n := float64(len(samples))
	sums := make([]float64, len(FeatureNames))
	for _, s := range samples {
		for i, v := range s.Slice() {
			sums[i] += v
		}
	}
	m := &BaselineModel{Threshold: threshold, Samples: len(samples)}
	for i, name := range FeatureNames {
		mean := sums[i] / n
		var sq float64
		for _, s := range samples {
			d := s.Slice()[i] - mean
			sq += d * d
		}
		m.Features = append(m.Features, FeatureStats{Name: name, Mean: mean, Std: math.Sqrt(sq / n)})
	}
	return m, nil
}
