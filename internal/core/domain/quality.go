package domain

import "time"

// Action is what the predictor recommends for the current profile.
type Action string

const (
	ActionUpgrade   Action = "UPGRADE"
	ActionMaintain  Action = "MAINTAIN"
	ActionDowngrade Action = "DOWNGRADE"
)

// QualityProfile is one rung of the ladder. Priority is unique and ascends from most
// conservative to richest.
type QualityProfile struct {
	Name               string
	Priority           int
	VideoWidth         int
	VideoHeight        int
	FPS                int
	MaxVideoBitrateBps int
	MaxAudioBitrateBps int
	VideoEnabled       bool
}

// MediaParameters is what the media engine is told to apply.
type MediaParameters struct {
	Rung               int
	Profile            string
	Width              int
	Height             int
	FPS                int
	MaxVideoBitrateBps int
	MaxAudioBitrateBps int
	VideoEnabled       bool
}

// Parameters converts the profile into engine parameters for the given rung index.
func (p QualityProfile) Parameters(rung int) MediaParameters {
	return MediaParameters{
		Rung:               rung,
		Profile:            p.Name,
		Width:              p.VideoWidth,
		Height:             p.VideoHeight,
		FPS:                p.FPS,
		MaxVideoBitrateBps: p.MaxVideoBitrateBps,
		MaxAudioBitrateBps: p.MaxAudioBitrateBps,
		VideoEnabled:       p.VideoEnabled,
	}
}

// PredictionResult is recomputed on every sample and never persisted.
type PredictionResult struct {
	Score         float64
	Confidence    float64
	Action        Action
	SuggestedRung int
	Reasoning     string
}

// ConnectivityClass is the coarse network type used to pick a starting rung.
type ConnectivityClass string

const (
	ConnectivityNone ConnectivityClass = "none"
	Connectivity2G   ConnectivityClass = "2g"
	Connectivity3G   ConnectivityClass = "3g"
	Connectivity4G   ConnectivityClass = "4g"
	Connectivity5G   ConnectivityClass = "5g"
	ConnectivityLAN  ConnectivityClass = "lan"
)

// QualityBucket tags telemetry snapshots.
type QualityBucket string

const (
	BucketGood     QualityBucket = "good"
	BucketModerate QualityBucket = "moderate"
	BucketPoor     QualityBucket = "poor"
)

// BucketForScore maps a predictor score to its bucket.
func BucketForScore(score float64) QualityBucket {
	switch {
	case score > 0.6:
		return BucketGood
	case score >= 0.4:
		return BucketModerate
	default:
		return BucketPoor
	}
}

type QualityDistribution struct {
	Good     int
	Moderate int
	Poor     int
}

// Add counts one snapshot in its bucket.
func (d *QualityDistribution) Add(b QualityBucket) {
	switch b {
	case BucketGood:
		d.Good++
	case BucketModerate:
		d.Moderate++
	default:
		d.Poor++
	}
}

// ProfileChange is reported to listeners whenever a rung is applied.
type ProfileChange struct {
	CallID     CallID
	From       int
	To         int
	Parameters MediaParameters
	Prediction PredictionResult
	At         time.Time
}
