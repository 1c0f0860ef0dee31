package sampler

import (
	"math"
	"sync"
	"time"
)

// DailyQuotaCounter accumulates network usage in MB for the current local
// calendar day. The first sample of a new day replaces the total with its
// own delta. The counter never goes negative.
type DailyQuotaCounter struct {
	mu      sync.Mutex
	usageMB float64
	day     int // yyyymmdd of the last reset, 0 before the first sample
	resets  int
}

func NewDailyQuotaCounter() *DailyQuotaCounter {
	return &DailyQuotaCounter{}
}

func dayKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// Add records deltaMB observed at the given local time and returns the new
// total. Negative or NaN deltas count as zero. A clock that moves back to
// an earlier date does not trigger a reset.
func (q *DailyQuotaCounter) Add(deltaMB float64, at time.Time) float64 {
	if deltaMB < 0 || math.IsNaN(deltaMB) {
		deltaMB = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := dayKey(at)
	switch {
	case q.day == 0:
		q.day = key
		q.usageMB = deltaMB
	case key > q.day:
		q.day = key
		q.usageMB = deltaMB
		q.resets++
	default:
		q.usageMB += deltaMB
	}
	return q.usageMB
}

// UsageMB returns the total for the current day.
func (q *DailyQuotaCounter) UsageMB() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usageMB
}

// Resets returns how many day boundaries the counter has crossed.
func (q *DailyQuotaCounter) Resets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resets
}
