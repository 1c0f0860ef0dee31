package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
)

// Alert labels attached by the scorer.
const (
	LabelModelVerdict    = "suspicious activity"
	LabelOutsideHours    = "outside normal hours"
	LabelOutsideLocation = "outside expected location"
	LabelQuotaExceeded   = "quota exceeded"
)

// RuleFloor is the minimum score of an observation that trips any rule.
const RuleFloor = 0.5

// Prediction is a model's verdict on one feature vector. A larger margin
// means more anomalous; zero sits on the decision boundary.
type Prediction struct {
	Anomalous bool
	Margin    float64
}

// Model is a trained classifier over feature vectors.
type Model interface {
	Predict(fv events.FeatureVector) (Prediction, error)
}

// QuotaReader exposes the current daily network usage.
type QuotaReader interface {
	UsageMB() float64
}

// Policy holds the deterministic rules layered over the model.
type Policy struct {
	// NormalHourStart and NormalHourEnd bound the working window [start, end)
	// in local hours. A start after the end wraps past midnight.
	NormalHourStart  int
	NormalHourEnd    int
	ExpectedLocation string
	DailyQuotaMB     float64
}

// Result is a score in [0,1] with the labels that explain it.
type Result struct {
	Score  float64
	Alerts []string
}

// Scorer combines an optional model with the policy rules. It only reads
// the quota counter and is safe for concurrent use.
type Scorer struct {
	model  Model
	policy Policy
	quota  QuotaReader
	faults *faults.Handler
}

// NewScorer builds a scorer. model and quota may be nil.
func NewScorer(model Model, policy Policy, quota QuotaReader, fh *faults.Handler) *Scorer {
	return &Scorer{model: model, policy: policy, quota: quota, faults: fh}
}

// HasModel reports whether a model is loaded.
func (s *Scorer) HasModel() bool {
	return s.model != nil
}

// Score rates one observation taken at the given local time and location.
func (s *Scorer) Score(fv events.FeatureVector, at time.Time, location string) Result {
	res := Result{Alerts: []string{}}

	if s.model != nil {
		pred, err := s.model.Predict(fv)
		if err == nil && (math.IsNaN(pred.Margin) || math.IsInf(pred.Margin, 0)) {
			err = fmt.Errorf("non-finite margin %v", pred.Margin)
		}
		if err != nil {
			_ = s.faults.Handle(context.Background(), faults.NewScoringFault("scorer", err))
		} else {
			res.Score = clamp01((pred.Margin + 1) / 2)
			if pred.Anomalous {
				res.add(LabelModelVerdict)
			}
		}
	}

	if !s.withinNormalHours(at.Hour()) {
		res.raise(LabelOutsideHours)
	}
	if s.policy.ExpectedLocation != "" && location != s.policy.ExpectedLocation {
		res.raise(LabelOutsideLocation)
	}
	if s.quota != nil && s.policy.DailyQuotaMB > 0 && s.quota.UsageMB() > s.policy.DailyQuotaMB {
		res.raise(LabelQuotaExceeded)
	}

	return res
}

func (s *Scorer) withinNormalHours(hour int) bool {
	start, end := s.policy.NormalHourStart, s.policy.NormalHourEnd
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (r *Result) raise(label string) {
	if r.Score < RuleFloor {
		r.Score = RuleFloor
	}
	r.add(label)
}

func (r *Result) add(label string) {
	for _, a := range r.Alerts {
		if a == label {
			return
		}
	}
	r.Alerts = append(r.Alerts, label)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
