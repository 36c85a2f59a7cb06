package strategy

import "funding-rotation-bot/internal/venue"

const daysPerYear = 365

// APR annualises a per-period funding rate, in percent.
func APR(rate, periodsPerDay float64) float64 {
	return rate * periodsPerDay * daysPerYear * 100
}

// HybridMA blends the current rate with the mean of the newest periods-1
// historical samples. history is ordered oldest first.
func HybridMA(current float64, history []float64, periods int, weight float64) float64 {
	n := periods - 1
	if n > len(history) {
		n = len(history)
	}
	if n <= 0 {
		return current
	}
	var sum float64
	for _, r := range history[len(history)-n:] {
		sum += r
	}
	mean := sum / float64(n)
	return weight*current + (1-weight)*mean
}

// StabilizedAPR is the smoothed yield of shorting the B leg against a long A
// leg. Spot legs report zero rates and contribute nothing.
func StabilizedAPR(a, b venue.FundingRates, periods int, weight float64) float64 {
	maA := HybridMA(a.Current, a.History, periods, weight)
	maB := HybridMA(b.Current, b.History, periods, weight)
	return APR(maB, b.PeriodsPerDay) - APR(maA, a.PeriodsPerDay)
}

func InstantAPR(a, b venue.FundingRates) float64 {
	return APR(b.Current, b.PeriodsPerDay) - APR(a.Current, a.PeriodsPerDay)
}

