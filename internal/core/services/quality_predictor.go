package services

import (
	"fmt"
	"math"

	"rillcall/internal/core/domain"
)

const (
	// PredictorWindow is the number of samples kept per metric.
	PredictorWindow = 10

	upgradeScore      = 0.70
	upgradeConfidence = 0.70
	upgradeStable     = 5
	downgradeScore    = 0.35
	downgradeDegraded = 2
	stableScore       = 0.6
	degradedScore     = 0.4

	refBitrateKbps = 2000.0
	refLossPercent = 20.0
	refRTTMs       = 500.0
	refJitterMs    = 100.0

	maxLogit = 30.0
)

// PredictorWeights are the logistic model coefficients.
type PredictorWeights struct {
	Bias    float64
	Bitrate float64
	Loss    float64
	RTT     float64
	Jitter  float64
	Trend   float64
}

// DefaultPredictorWeights: bitrate and trend push the score up, loss, rtt and jitter push it down.
func DefaultPredictorWeights() PredictorWeights {
	return PredictorWeights{
		Bias:    -0.5,
		Bitrate: 0.025,
		Loss:    -0.1,
		RTT:     -0.01,
		Jitter:  -0.05,
		Trend:   0.5,
	}
}

type window struct {
	values []float64
	size   int
}

func newWindow(size int) *window {
	return &window{values: make([]float64, 0, size), size: size}
}

func (w *window) push(v float64) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)
}

func (w *window) last() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.values[len(w.values)-1]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// QualityFeatures is the model input derived from the windows.
type QualityFeatures struct {
	Bitrate         float64
	Loss            float64
	RTT             float64
	Jitter          float64
	MeanBitrate     float64
	MeanLoss        float64
	Trend           float64
	BitrateVariance float64
	LossVariance    float64
	Samples         int
}

// QualityPredictor scores a rolling window of network samples and recommends a profile action.
// It is not safe for concurrent use; the session's quality monitor owns it.
type QualityPredictor struct {
	weights  PredictorWeights
	topRung  int
	bitrate  *window
	loss     *window
	rtt      *window
	jitter   *window
	stable   int
	degraded int

	// Action returned by the last Observe; counters advance only while it is MAINTAIN.
	emitted domain.Action
}

// NewQualityPredictor creates a predictor for a ladder whose highest rung index is topRung.
func NewQualityPredictor(weights PredictorWeights, topRung int) *QualityPredictor {
	if topRung < 0 {
		topRung = 0
	}
	return &QualityPredictor{
		weights: weights,
		topRung: topRung,
		bitrate: newWindow(PredictorWindow),
		loss:    newWindow(PredictorWindow),
		rtt:     newWindow(PredictorWindow),
		jitter:  newWindow(PredictorWindow),
		emitted: domain.ActionMaintain,
	}
}

// Observe appends a sample and evaluates against currentRung. The hysteresis counters advance
// only when the previous Observe returned MAINTAIN; an UPGRADE or DOWNGRADE that was not
// applied holds them until ResetCounters or a MAINTAIN.
func (p *QualityPredictor) Observe(sample domain.NetworkSample, currentRung int) domain.PredictionResult {
	p.bitrate.push(sanitize(sample.BitrateKbps))
	p.loss.push(sanitize(sample.LossPercent))
	p.rtt.push(sanitize(sample.RTTMs))
	p.jitter.push(sanitize(sample.JitterMs))

	if p.emitted == domain.ActionMaintain {
		p.advanceCounters(p.score(p.Features()))
	}

	result := p.Evaluate(currentRung)
	p.emitted = result.Action
	return result
}

func (p *QualityPredictor) advanceCounters(score float64) {
	switch {
	case score > stableScore:
		p.stable++
		if p.degraded > 0 {
			p.degraded--
		}
	case score < degradedScore:
		p.degraded++
		if p.stable > 0 {
			p.stable--
		}
	}
}

// Evaluate is a pure function of the windows and counters.
func (p *QualityPredictor) Evaluate(currentRung int) domain.PredictionResult {
	f := p.Features()
	score := p.score(f)
	confidence := p.confidence(f)

	action := domain.ActionMaintain
	switch {
	case score > upgradeScore && confidence > upgradeConfidence && p.stable >= upgradeStable:
		action = domain.ActionUpgrade
	case score < downgradeScore && p.degraded >= downgradeDegraded:
		action = domain.ActionDowngrade
	}

	return domain.PredictionResult{
		Score:         score,
		Confidence:    confidence,
		Action:        action,
		SuggestedRung: p.suggest(action, currentRung, score),
		Reasoning: fmt.Sprintf("%s: score=%.3f confidence=%.2f trend=%+.2f stable=%d degraded=%d samples=%d",
			action, score, confidence, f.Trend, p.stable, p.degraded, f.Samples),
	}
}

// ResetCounters clears hysteresis after the controller applied a transition.
func (p *QualityPredictor) ResetCounters() {
	p.stable = 0
	p.degraded = 0
	p.emitted = domain.ActionMaintain
}

// Counters returns the stable and degraded counters.
func (p *QualityPredictor) Counters() (stable, degraded int) {
	return p.stable, p.degraded
}

// Features computes the model input from the current windows.
func (p *QualityPredictor) Features() QualityFeatures {
	b := p.bitrate.values
	f := QualityFeatures{
		Bitrate:         p.bitrate.last(),
		Loss:            p.loss.last(),
		RTT:             p.rtt.last(),
		Jitter:          p.jitter.last(),
		MeanBitrate:     mean(b),
		MeanLoss:        mean(p.loss.values),
		BitrateVariance: variance(b),
		LossVariance:    variance(p.loss.values),
		Samples:         len(b),
	}

	if len(b) >= 3 {
		peak := 0.0
		for _, v := range b {
			peak = math.Max(peak, v)
		}
		if peak > 0 {
			half := len(b) / 2
			f.Trend = clamp((mean(b[half:])-mean(b[:half]))/peak, -1, 1)
		}
	}
	return f
}

func (p *QualityPredictor) score(f QualityFeatures) float64 {
	w := p.weights
	z := w.Bias +
		w.Bitrate*(f.Bitrate/refBitrateKbps)*100 +
		w.Loss*(f.Loss/refLossPercent)*10 +
		w.RTT*(f.RTT/refRTTMs)*100 +
		w.Jitter*(f.Jitter/refJitterMs)*10 +
		w.Trend*f.Trend
	if math.IsNaN(z) {
		z = 0
	}
	z = clamp(z, -maxLogit, maxLogit)
	return 1 / (1 + math.Exp(-z))
}

func (p *QualityPredictor) confidence(f QualityFeatures) float64 {
	if f.Samples < 3 {
		return 0.5
	}
	fill := math.Min(float64(f.Samples)/PredictorWindow, 1)
	stability := 1 - math.Min(f.BitrateVariance/100000, 0.5)
	return clamp(0.5*fill+0.5*stability, 0, 1)
}

func (p *QualityPredictor) suggest(action domain.Action, current int, score float64) int {
	target := int(score * float64(p.topRung+1))
	switch action {
	case domain.ActionUpgrade:
		if current+1 > target {
			target = current + 1
		}
	case domain.ActionDowngrade:
		if current-1 < target {
			target = current - 1
		}
	default:
		target = current
	}
	if target < 0 {
		return 0
	}
	if target > p.topRung {
		return p.topRung
	}
	return target
}
