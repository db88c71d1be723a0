// Package calc provides progress arithmetic for byte counters.
package calc

import (
	"math"
	"time"
)

// Progress calculates the percentage for a given pair of numbers.
// An unknown (non-positive) total yields 0.
func Progress(downloaded, total int64) int {
	if total > 0 {
		return int(math.Round(float64(downloaded) / float64(total) * 100))
	}

	return 0
}

// ETA estimates the remaining time from the rate observed since started.
func ETA(downloaded, total int64, started time.Time) time.Duration {
	if total <= 0 || downloaded <= 0 {
		return 0
	}

	elapsed := time.Since(started)

	return time.Duration(float64(elapsed) * (float64(total)/float64(downloaded) - 1))
}

// Rate returns bytes per second since started.
func Rate(downloaded int64, started time.Time) float64 {
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(downloaded) / elapsed
}
