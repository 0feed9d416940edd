package domain

import "time"

// NetworkSample is one predictor input.
type NetworkSample struct {
	BitrateKbps float64
	LossPercent float64
	RTTMs       float64
	JitterMs    float64
	Timestamp   time.Time
}

// MediaCounters is what the media engine exposes. Bytes and packets are cumulative,
// RTT and jitter are the engine's current estimates.
type MediaCounters struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     int64
	RTTMs           float64
	JitterMs        float64
	Timestamp       time.Time
}

// TelemetrySnapshot is one saved sample, tagged with the quality bucket at save time.
type TelemetrySnapshot struct {
	Timestamp          time.Time
	SendBitrateKbps    float64
	ReceiveBitrateKbps float64
	PacketLossPercent  float64
	RTTMs              float64
	JitterMs           float64
	Score              float64
	Bucket             QualityBucket
	Rung               int
}

// TelemetryAggregate is built once when a call ends.
type TelemetryAggregate struct {
	SampleCount        int
	AvgSendBitrate     float64
	AvgRecvBitrate     float64
	AvgLoss            float64
	AvgRTT             float64
	TotalDataUsedBytes int64
	Buckets            QualityDistribution
	RawSamples         []TelemetrySnapshot
}

// CallSummary is the relay's in-memory roll-up of call outcomes since start.
type CallSummary struct {
	ActiveCalls        int
	VideoCalls         int
	Completed          int
	Missed             int
	Rejected           int
	TotalTalkTime      time.Duration
	AverageTalkTime    time.Duration
	AverageSetupTime   time.Duration
	ReportedQuality    QualityDistribution
	AverageReportedRTT float64
	HealthScore        float64
	Timestamp          time.Time
}
