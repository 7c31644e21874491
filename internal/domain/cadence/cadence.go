// Package cadence implements CadenceEngine: a pure function over cadence
// state and newly observed event gaps, with no dependency on storage or
// transport. The sqlite Store invokes it while writing a batch of star
// events and uses Jitter when scheduling the next check.
package cadence

import (
	"math"

	"github.com/followstars/followstars/internal/domain/model"
)

// emaAlpha is the smoothing factor for the inter-star-gap EMA. It weights
// recent behavior heavily while still smoothing single-event bursts.
const emaAlpha = 0.3

// bootstrapThreshold is the star count at which an EMA may first be seeded
// from the historical average of gaps. Below it, cadence stays at the
// default interval so a single early star can't anchor a misleading series.
const bootstrapThreshold = 3

// CadenceInput carries everything CadenceEngine needs to compute a user's
// next polling interval and tier after ingesting a batch of new events.
type CadenceInput struct {
	Config model.CadenceConfig

	// PrevIntervalMinutes, PrevStarCount, and PrevEMAMinutes describe the
	// user's cadence state before this batch.
	PrevIntervalMinutes int64
	PrevStarCount       int64
	PrevEMAMinutes      *float64

	// NewStarCount is the user's total star_count after this batch.
	NewStarCount int64

	// Gaps is the list of strictly-positive minute-gaps between
	// consecutively ingested events (and the pre-batch last_starred_at),
	// in chronological order. Non-positive gaps are never passed in.
	Gaps []float64

	// HistoricalAverageGap is the average of all positive gaps stored for
	// this user, computed across every StarEvent on record (including this
	// batch); used as the EMA bootstrap seed, and as the interval when the
	// batch has no gaps and no EMA exists. When nil, Default applies.
	HistoricalAverageGap *float64
}

// CadenceOutput is what CadenceEngine produces: the new polling interval,
// the new EMA (absent below the bootstrap threshold or with zero stars),
// and the derived activity tier.
type CadenceOutput struct {
	IntervalMinutes int64
	EMAMinutes      *float64
	Tier            model.ActivityTier
}

// ComputeCadence implements the CadenceEngine algorithm: walk Gaps
// left-to-right updating a working star counter and EMA, then use the final
// star count to decide the output, clamped to [min', max'].
func ComputeCadence(in CadenceInput) CadenceOutput {
	cfg := in.Config.Normalize()

	counter := in.PrevStarCount
	ema := in.PrevEMAMinutes
	interval := in.PrevIntervalMinutes

	for _, g := range in.Gaps {
		if g < 1 {
			g = 1
		}
		counter++

		if counter < bootstrapThreshold {
			ema = nil
			interval = cfg.DefaultIntervalMinutes
			continue
		}

		if ema == nil {
			seed := cfg.DefaultIntervalMinutes
			if in.HistoricalAverageGap != nil {
				seed = clampInt64(int64(math.Round(*in.HistoricalAverageGap)), cfg.MinIntervalMinutes, cfg.MaxIntervalMinutes)
			}
			seedF := float64(seed)
			ema = &seedF
		}

		next := clampFloat(emaAlpha*g+(1-emaAlpha)*(*ema), float64(cfg.MinIntervalMinutes), float64(cfg.MaxIntervalMinutes))
		ema = &next
		interval = int64(math.Round(next))
	}

	switch {
	case in.NewStarCount == 0:
		ema = nil
		interval = cfg.MaxIntervalMinutes
	case in.NewStarCount < bootstrapThreshold:
		ema = nil
		interval = cfg.DefaultIntervalMinutes
	case len(in.Gaps) == 0:
		switch {
		case ema != nil:
			interval = int64(math.Round(*ema))
		case in.HistoricalAverageGap != nil:
			avg := clampInt64(int64(math.Round(*in.HistoricalAverageGap)), cfg.MinIntervalMinutes, cfg.MaxIntervalMinutes)
			interval = avg
		default:
			interval = cfg.DefaultIntervalMinutes
		}
	}

	interval = clampInt64(interval, cfg.MinIntervalMinutes, cfg.MaxIntervalMinutes)

	return CadenceOutput{
		IntervalMinutes: interval,
		EMAMinutes:      ema,
		Tier:            model.TierForInterval(interval),
	}
}

func clampInt64(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
