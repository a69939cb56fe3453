package game

import (
	"math"
	"time"
)

const (
	curveLinear    = 1 / 1.5
	curveQuadratic = 0.005
)

// MultiplierAt computes the multiplier after elapsed time of flight using
// m(t) = 1 + t/1.5 + 0.005t², rounded down to 2 decimal places.
func MultiplierAt(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return MIN_MULTIPLIER
	}
	t := elapsed.Seconds()
	mult := 1.0 + t*curveLinear + t*t*curveQuadratic
	return math.Floor(mult*100+1e-9) / 100
}

// TimeToReach is the inverse of the curve: the flight time after which the
// multiplier reaches m.
func TimeToReach(m float64) time.Duration {
	if m <= MIN_MULTIPLIER {
		return 0
	}
	// 0.005t² + t/1.5 + (1-m) = 0
	a, b, c := curveQuadratic, curveLinear, 1-m
	t := (-b + math.Sqrt(b*b-4*a*c)) / (2 * a)
	return time.Duration(math.Ceil(t * float64(time.Second)))
}
