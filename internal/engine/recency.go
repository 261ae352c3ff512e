package engine

import (
	"time"

	"github.com/scrypster/mnemos/pkg/types"
)

// recencyHorizon is the age at which the recency boost reaches zero.
const recencyHorizon = 30 * 24 * time.Hour

// RecencyBoost returns the additive score boost for a memory created at
// createdAt: factor for a brand-new memory, falling linearly to zero at 30
// days. It is never negative. A zero createdAt gets no boost; a createdAt in
// the future counts as brand-new.
func RecencyBoost(createdAt, now time.Time, factor float64) float64 {
	if createdAt.IsZero() {
		return 0
	}
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	boost := factor * (1 - float64(age)/float64(recencyHorizon))
	if boost < 0 {
		return 0
	}
	return boost
}

// ApplyRecencyBoost adds the recency boost to every result in place.
func ApplyRecencyBoost(results []types.MemoryResult, now time.Time, factor float64) {
	for i := range results {
		results[i].Score += RecencyBoost(results[i].Memory.CreatedAt, now, factor)
	}
}

// DecaySalience lowers salience by amount, bounded to [0,1].
func DecaySalience(salience, amount float64) float64 {
	return types.ClampSalience(salience - amount)
}

// ReinforceSalience raises salience by increment, capped at 1.0.
func ReinforceSalience(salience, increment float64) float64 {
	return types.ClampSalience(salience + increment)
}

// NextDecayAt returns when a memory touched at t is next due for decay.
func NextDecayAt(t time.Time, interval time.Duration) time.Time {
	return t.Add(interval)
}
