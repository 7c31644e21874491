package cadence

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJitter_BoundedWithinWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, interval := range []int64{1, 5, 10, 60, 300, 10080} {
		j := int64(math.Ceil(0.1 * float64(interval)))
		if j < 1 {
			j = 1
		}
		if j > 30 {
			j = 30
		}
		lo := interval - j
		if lo < 1 {
			lo = 1
		}
		hi := interval + j

		for i := 0; i < 100; i++ {
			got := Jitter(interval, rng)
			assert.GreaterOrEqual(t, got, lo)
			assert.LessOrEqual(t, got, hi)
		}
	}
}
