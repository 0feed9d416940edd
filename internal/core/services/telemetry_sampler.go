package services

import (
	"context"
	"time"

	"rillcall/internal/core/domain"
)

const (
	DefaultSampleInterval = time.Second
	DefaultSaveInterval   = 3 * time.Second
)

// CounterSource exposes cumulative media counters.
type CounterSource interface {
	Counters(ctx context.Context) (domain.MediaCounters, error)
}

// TelemetryReading is one derived interval measurement.
type TelemetryReading struct {
	SendBitrateKbps    float64
	ReceiveBitrateKbps float64
	LossPercent        float64
	RTTMs              float64
	JitterMs           float64
	Timestamp          time.Time
}

// NetworkSample is the predictor view of the reading; the predictor tracks the busier direction.
func (r TelemetryReading) NetworkSample() domain.NetworkSample {
	bitrate := r.SendBitrateKbps
	if r.ReceiveBitrateKbps > bitrate {
		bitrate = r.ReceiveBitrateKbps
	}
	return domain.NetworkSample{
		BitrateKbps: bitrate,
		LossPercent: r.LossPercent,
		RTTMs:       r.RTTMs,
		JitterMs:    r.JitterMs,
		Timestamp:   r.Timestamp,
	}
}

// TelemetrySampler turns cumulative engine counters into interval readings and keeps
// periodic snapshots for the end-of-call aggregate. Owned by a single quality monitor.
type TelemetrySampler struct {
	source       CounterSource
	saveInterval time.Duration

	prev      *domain.MediaCounters
	lastSave  time.Time
	dataUsed  int64
	snapshots []domain.TelemetrySnapshot
}

func NewTelemetrySampler(source CounterSource, saveInterval time.Duration) *TelemetrySampler {
	if saveInterval <= 0 {
		saveInterval = DefaultSaveInterval
	}
	return &TelemetrySampler{
		source:       source,
		saveInterval: saveInterval,
	}
}

// Sample reads the counters once. The first read only establishes a baseline and
// returns ready=false.
func (s *TelemetrySampler) Sample(ctx context.Context, now time.Time) (TelemetryReading, bool, error) {
	cur, err := s.source.Counters(ctx)
	if err != nil {
		return TelemetryReading{}, false, err
	}
	if cur.Timestamp.IsZero() {
		cur.Timestamp = now
	}

	prev := s.prev
	s.prev = &cur
	if prev == nil {
		return TelemetryReading{}, false, nil
	}

	sentBytes := counterDelta(prev.BytesSent, cur.BytesSent)
	recvBytes := counterDelta(prev.BytesReceived, cur.BytesReceived)
	s.dataUsed += sentBytes + recvBytes

	elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	reading := TelemetryReading{
		LossPercent: LossPercent(counterDelta(prev.PacketsSent, cur.PacketsSent), cur.PacketsLost-prev.PacketsLost),
		RTTMs:       sanitize(cur.RTTMs),
		JitterMs:    sanitize(cur.JitterMs),
		Timestamp:   cur.Timestamp,
	}
	if elapsed > 0 {
		reading.SendBitrateKbps = float64(sentBytes) * 8 / 1000 / elapsed
		reading.ReceiveBitrateKbps = float64(recvBytes) * 8 / 1000 / elapsed
	}
	return reading, true, nil
}

// Record keeps a snapshot of the reading if the save interval has passed since the last one.
func (s *TelemetrySampler) Record(reading TelemetryReading, score float64, rung int) bool {
	if !s.lastSave.IsZero() && reading.Timestamp.Sub(s.lastSave) < s.saveInterval {
		return false
	}
	s.lastSave = reading.Timestamp
	s.snapshots = append(s.snapshots, domain.TelemetrySnapshot{
		Timestamp:          reading.Timestamp,
		SendBitrateKbps:    reading.SendBitrateKbps,
		ReceiveBitrateKbps: reading.ReceiveBitrateKbps,
		PacketLossPercent:  reading.LossPercent,
		RTTMs:              reading.RTTMs,
		JitterMs:           reading.JitterMs,
		Score:              score,
		Bucket:             domain.BucketForScore(score),
		Rung:               rung,
	})
	return true
}

// DataUsed is the running total of bytes sent and received.
func (s *TelemetrySampler) DataUsed() int64 {
	return s.dataUsed
}

// Aggregate summarizes the saved snapshots.
func (s *TelemetrySampler) Aggregate() domain.TelemetryAggregate {
	agg := domain.TelemetryAggregate{
		SampleCount:        len(s.snapshots),
		TotalDataUsedBytes: s.dataUsed,
		RawSamples:         make([]domain.TelemetrySnapshot, len(s.snapshots)),
	}
	copy(agg.RawSamples, s.snapshots)
	if len(s.snapshots) == 0 {
		return agg
	}

	for _, snap := range s.snapshots {
		agg.AvgSendBitrate += snap.SendBitrateKbps
		agg.AvgRecvBitrate += snap.ReceiveBitrateKbps
		agg.AvgLoss += snap.PacketLossPercent
		agg.AvgRTT += snap.RTTMs
		agg.Buckets.Add(snap.Bucket)
	}
	n := float64(len(s.snapshots))
	agg.AvgSendBitrate /= n
	agg.AvgRecvBitrate /= n
	agg.AvgLoss /= n
	agg.AvgRTT /= n
	return agg
}

// LossPercent derives interval loss from packet deltas, clamped to [0,100]. Counter resets
// can make either delta negative or push the ratio past 100%.
func LossPercent(sentDelta, lostDelta int64) float64 {
	if sentDelta <= 0 || lostDelta <= 0 {
		return 0
	}
	return clamp(float64(lostDelta)/float64(sentDelta)*100, 0, 100)
}

// counterDelta treats a decreasing cumulative counter as a reset and reports no progress.
func counterDelta(prev, cur uint64) int64 {
	if cur < prev {
		return 0
	}
	return int64(cur - prev)
}
