package venue

import (
	"math"
	"sort"
	"time"
)

// PeriodsPerDay infers how often funding settles from sample timestamps. The
// median gap is rounded to whole hours; fewer than two samples yield fallback.
func PeriodsPerDay(times []time.Time, fallback float64) float64 {
	if len(times) < 2 {
		return fallback
	}
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i].Sub(sorted[i-1]).Hours(); d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return fallback
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}
	hours := math.Round(median)
	if hours < 1 {
		hours = 1
	}
	return 24 / hours
}
