package cadence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/followstars/followstars/internal/domain/model"
)

func cfg(min, max, def int64) model.CadenceConfig {
	return model.CadenceConfig{MinIntervalMinutes: min, MaxIntervalMinutes: max, DefaultIntervalMinutes: def}
}

func f(v float64) *float64 { return &v }

func TestComputeCadence_SparseHistoryInsufficientSamples(t *testing.T) {
	out := ComputeCadence(CadenceInput{
		Config:              cfg(10, 10080, 60),
		PrevIntervalMinutes: 60,
		PrevStarCount:       1,
		NewStarCount:        2,
		Gaps:                []float64{30},
	})
	assert.EqualValues(t, 60, out.IntervalMinutes)
	assert.Equal(t, model.TierHigh, out.Tier)
	assert.Nil(t, out.EMAMinutes)
}

func TestComputeCadence_EMASmoothingUpdate(t *testing.T) {
	out := ComputeCadence(CadenceInput{
		Config:              cfg(10, 10080, 60),
		PrevIntervalMinutes: 90,
		PrevStarCount:       3,
		PrevEMAMinutes:      f(90),
		NewStarCount:        4,
		Gaps:                []float64{30},
	})
	assert.EqualValues(t, 72, out.IntervalMinutes)
	assert.Equal(t, model.TierMedium, out.Tier)
	requireNotNil(t, out.EMAMinutes)
	assert.InDelta(t, 72, *out.EMAMinutes, 0.001)
}

func TestComputeCadence_BootstrapOnThirdEvent(t *testing.T) {
	out := ComputeCadence(CadenceInput{
		Config:               cfg(10, 10080, 60),
		PrevIntervalMinutes:  60,
		PrevStarCount:        2,
		NewStarCount:         3,
		Gaps:                 []float64{720},
		HistoricalAverageGap: f(1080),
	})
	assert.EqualValues(t, 972, out.IntervalMinutes)
	assert.Equal(t, model.TierMedium, out.Tier)
	requireNotNil(t, out.EMAMinutes)
	assert.InDelta(t, 972, *out.EMAMinutes, 0.001)
}

func TestComputeCadence_ZeroStarsSettlesToMax(t *testing.T) {
	out := ComputeCadence(CadenceInput{
		Config:       cfg(10, 10080, 60),
		NewStarCount: 0,
	})
	assert.EqualValues(t, 10080, out.IntervalMinutes)
	assert.Equal(t, model.TierLow, out.Tier)
	assert.Nil(t, out.EMAMinutes)
}

func TestComputeCadence_TierThresholds(t *testing.T) {
	assert.Equal(t, model.TierHigh, model.TierForInterval(60))
	assert.Equal(t, model.TierMedium, model.TierForInterval(61))
	assert.Equal(t, model.TierMedium, model.TierForInterval(1440))
	assert.Equal(t, model.TierLow, model.TierForInterval(1441))
}

func TestComputeCadence_ClampsIntervalIntoBand(t *testing.T) {
	out := ComputeCadence(CadenceInput{
		Config:         cfg(100, 200, 150),
		PrevStarCount:  5,
		PrevEMAMinutes: f(150),
		NewStarCount:   6,
		Gaps:           []float64{1},
	})
	assert.GreaterOrEqual(t, out.IntervalMinutes, int64(100))
	assert.LessOrEqual(t, out.IntervalMinutes, int64(200))
}

func requireNotNil(t *testing.T, v *float64) {
	t.Helper()
	if v == nil {
		t.Fatal("expected non-nil EMA")
	}
}
