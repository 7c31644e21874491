package cadence

import (
	"math"
	"math/rand"
)

// Jitter perturbs a polling interval so a fleet of identically-scheduled
// users doesn't all come due at once. jitter(I) = I + U[-J,+J] where
// J = clamp(ceil(0.1*I), 1, 30), floored at 1 minute.
func Jitter(intervalMinutes int64, rng *rand.Rand) int64 {
	j := int64(math.Ceil(0.1 * float64(intervalMinutes)))
	if j < 1 {
		j = 1
	}
	if j > 30 {
		j = 30
	}
	delta := rng.Int63n(2*j+1) - j
	out := intervalMinutes + delta
	if out < 1 {
		out = 1
	}
	return out
}
