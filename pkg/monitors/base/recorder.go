package base

import (
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/lucid-vigil/hostwatch/pkg/scoring"
)

// Sink receives scored events. *buffer.EventBuffer satisfies it.
type Sink interface {
	Append(ev events.ScoredEvent)
}

// FeatureSource exposes the sampler state producers score against.
type FeatureSource interface {
	Latest() sampler.Sample
	Location() string
	Now() time.Time
}

// Recorder turns observations into ScoredEvents and appends them to the
// shared sink. It is safe for concurrent use by every producer.
type Recorder struct {
	sink   Sink
	scorer *scoring.Scorer
	source FeatureSource
}

func NewRecorder(sink Sink, scorer *scoring.Scorer, source FeatureSource) *Recorder {
	return &Recorder{sink: sink, scorer: scorer, source: source}
}

// Append forwards an already built event.
func (r *Recorder) Append(ev events.ScoredEvent) {
	r.sink.Append(ev)
}

// Now returns the sampler clock.
func (r *Recorder) Now() time.Time {
	return r.source.Now()
}

func (r *Recorder) Location() string {
	return r.source.Location()
}

// Latest returns the most recent feature sample.
func (r *Recorder) Latest() sampler.Sample {
	return r.source.Latest()
}

// Scored builds an event for fv scored at the current time and location.
func (r *Recorder) Scored(kind events.ActivityKind, details string, fv events.FeatureVector) events.ScoredEvent {
	now := r.source.Now()
	res := r.scorer.Score(fv, now, r.source.Location())
	return events.NewScoredEvent(now, kind, details, res.Score, res.Alerts)
}

// ScoredLatest scores against the most recent sampler reading.
func (r *Recorder) ScoredLatest(kind events.ActivityKind, details string) events.ScoredEvent {
	return r.Scored(kind, details, r.source.Latest().Features)
}

// Informational builds an unscored event: score 0 and no alerts.
func (r *Recorder) Informational(kind events.ActivityKind, details string) events.ScoredEvent {
	return events.NewScoredEvent(r.source.Now(), kind, details, 0, nil)
}
