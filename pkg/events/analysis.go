package events

// Analyze derives the update summary for a drained batch: the labels of every
// event scoring above AlertThreshold, in batch order, and the summed score
// scaled by RiskMultiplier.
func Analyze(batch []ScoredEvent) Analysis {
	a := Analysis{SuspiciousPatterns: []ActivityKind{}}
	var sum float64
	for _, ev := range batch {
		sum += ev.AnomalyScore
		if ev.AnomalyScore > AlertThreshold {
			a.SuspiciousPatterns = append(a.SuspiciousPatterns, ev.Activity)
		}
	}
	a.RiskScore = sum * RiskMultiplier
	return a
}

// Suspicious returns the events in batch that score above AlertThreshold.
func Suspicious(batch []ScoredEvent) []ScoredEvent {
	var out []ScoredEvent
	for _, ev := range batch {
		if ev.AnomalyScore > AlertThreshold {
			out = append(out, ev)
		}
	}
	return out
}
