package services

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rillcall/internal/core/domain"
)

func goodSample() domain.NetworkSample {
	return domain.NetworkSample{BitrateKbps: 2500, LossPercent: 0, RTTMs: 30, JitterMs: 5, Timestamp: time.Now()}
}

func badSample() domain.NetworkSample {
	return domain.NetworkSample{BitrateKbps: 10, LossPercent: 50, RTTMs: 2000, JitterMs: 500, Timestamp: time.Now()}
}

func newTestPredictor() *QualityPredictor {
	return NewQualityPredictor(DefaultPredictorWeights(), len(DefaultLadder())-1)
}

func TestQualityPredictor_GoodNetworkUpgradesOnceStable(t *testing.T) {
	p := newTestPredictor()

	for i := 1; i <= 4; i++ {
		res := p.Observe(goodSample(), 2)
		assert.Greater(t, res.Score, 0.8)
		assert.Equal(t, domain.ActionMaintain, res.Action, "sample %d", i)
		assert.Equal(t, 2, res.SuggestedRung)
	}

	res := p.Observe(goodSample(), 2)
	assert.Greater(t, res.Score, 0.8)
	assert.Greater(t, res.Confidence, 0.7)
	assert.Equal(t, domain.ActionUpgrade, res.Action)
	assert.Greater(t, res.SuggestedRung, 2)

	stable, degraded := p.Counters()
	assert.Equal(t, 5, stable)
	assert.Equal(t, 0, degraded)
}

func TestQualityPredictor_SingleBadSampleDoesNotDowngrade(t *testing.T) {
	p := newTestPredictor()

	res := p.Observe(badSample(), 3)
	assert.Less(t, res.Score, 0.4)
	assert.Equal(t, domain.ActionMaintain, res.Action)

	res = p.Observe(badSample(), 3)
	assert.Less(t, res.Score, 0.35)
	assert.Equal(t, domain.ActionDowngrade, res.Action)
	assert.Less(t, res.SuggestedRung, 3)
}

func TestQualityPredictor_ClampsSuggestionToLadder(t *testing.T) {
	top := len(DefaultLadder()) - 1

	p := newTestPredictor()
	for i := 0; i < 20; i++ {
		res := p.Observe(domain.NetworkSample{BitrateKbps: 1e9}, top)
		assert.LessOrEqual(t, res.SuggestedRung, top)
	}

	p = newTestPredictor()
	for i := 0; i < 20; i++ {
		res := p.Observe(domain.NetworkSample{LossPercent: 100, RTTMs: 1e9, JitterMs: 1e9}, 0)
		assert.GreaterOrEqual(t, res.SuggestedRung, 0)
		assert.Equal(t, 0, res.SuggestedRung)
	}
}

func TestQualityPredictor_EvaluateIsIdempotent(t *testing.T) {
	p := newTestPredictor()
	p.Observe(goodSample(), 1)
	p.Observe(badSample(), 1)
	p.Observe(goodSample(), 1)

	first := p.Evaluate(1)
	second := p.Evaluate(1)
	assert.Equal(t, first, second)
}

func TestQualityPredictor_DegenerateInput(t *testing.T) {
	p := newTestPredictor()

	inputs := []domain.NetworkSample{
		{},
		{BitrateKbps: math.NaN(), LossPercent: math.Inf(1), RTTMs: -5, JitterMs: math.Inf(-1)},
		{BitrateKbps: math.MaxFloat64, LossPercent: math.MaxFloat64, RTTMs: math.MaxFloat64, JitterMs: math.MaxFloat64},
	}
	for _, in := range inputs {
		res := p.Observe(in, 0)
		assert.Greater(t, res.Score, 0.0)
		assert.Less(t, res.Score, 1.0)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
		assert.NotEmpty(t, res.Reasoning)
	}
}

func TestQualityPredictor_ConfidenceDefaultsBelowThreeSamples(t *testing.T) {
	p := newTestPredictor()
	assert.Equal(t, 0.5, p.Observe(goodSample(), 0).Confidence)
	assert.Equal(t, 0.5, p.Observe(goodSample(), 0).Confidence)
	assert.InDelta(t, 0.65, p.Observe(goodSample(), 0).Confidence, 1e-9)
}

func TestQualityPredictor_WindowEvictsOldest(t *testing.T) {
	p := newTestPredictor()
	for i := 0; i < PredictorWindow; i++ {
		p.Observe(badSample(), 0)
	}
	for i := 0; i < PredictorWindow; i++ {
		p.Observe(goodSample(), 0)
	}

	f := p.Features()
	assert.Equal(t, PredictorWindow, f.Samples)
	assert.Equal(t, 2500.0, f.MeanBitrate)
	assert.Equal(t, 0.0, f.BitrateVariance)
	assert.Equal(t, 0.0, f.Trend)
}

func TestQualityPredictor_TrendFollowsBitrate(t *testing.T) {
	p := newTestPredictor()
	for _, kbps := range []float64{500, 500, 1000, 1000} {
		p.Observe(domain.NetworkSample{BitrateKbps: kbps}, 0)
	}
	f := p.Features()
	assert.InDelta(t, 0.5, f.Trend, 1e-9)

	p = newTestPredictor()
	p.Observe(domain.NetworkSample{BitrateKbps: 1000}, 0)
	p.Observe(domain.NetworkSample{BitrateKbps: 0}, 0)
	require.Equal(t, 0.0, p.Features().Trend, "fewer than three samples")
}

func TestQualityPredictor_ResetCounters(t *testing.T) {
	p := newTestPredictor()
	p.Observe(badSample(), 2)
	p.Observe(badSample(), 2)
	p.ResetCounters()

	stable, degraded := p.Counters()
	assert.Zero(t, stable)
	assert.Zero(t, degraded)
	assert.Equal(t, domain.ActionMaintain, p.Evaluate(2).Action)
}

func TestQualityPredictor_CountersHoldWhileMoveIsPending(t *testing.T) {
	top := len(DefaultLadder()) - 1
	p := newTestPredictor()

	for i := 0; i < 5; i++ {
		p.Observe(goodSample(), top)
	}
	stable, _ := p.Counters()
	require.Equal(t, 5, stable)

	// Already at the top rung, so the controller never applies the upgrade.
	for i := 0; i < 20; i++ {
		res := p.Observe(goodSample(), top)
		assert.Equal(t, domain.ActionUpgrade, res.Action)
	}
	stable, degraded := p.Counters()
	assert.Equal(t, 5, stable)
	assert.Zero(t, degraded)

	p.ResetCounters()
	p.Observe(goodSample(), top)
	stable, _ = p.Counters()
	assert.Equal(t, 1, stable)
}

func TestQualityPredictor_PendingDowngradeHoldsDegraded(t *testing.T) {
	p := newTestPredictor()

	p.Observe(badSample(), 0)
	res := p.Observe(badSample(), 0)
	require.Equal(t, domain.ActionDowngrade, res.Action)

	for i := 0; i < 10; i++ {
		res = p.Observe(badSample(), 0)
		assert.Equal(t, domain.ActionDowngrade, res.Action)
	}
	_, degraded := p.Counters()
	assert.Equal(t, 2, degraded)
}
