package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rillcall/internal/core/domain"
)

type scriptedCounters struct {
	readings []domain.MediaCounters
	err      error
	next     int
}

func (s *scriptedCounters) Counters(context.Context) (domain.MediaCounters, error) {
	if s.err != nil {
		return domain.MediaCounters{}, s.err
	}
	c := s.readings[s.next]
	s.next++
	return c, nil
}

func TestTelemetrySampler_DerivesIntervalMetrics(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	src := &scriptedCounters{readings: []domain.MediaCounters{
		{BytesSent: 1000, BytesReceived: 500, PacketsSent: 100, PacketsLost: 2, Timestamp: base},
		{BytesSent: 126_000, BytesReceived: 250_500, PacketsSent: 200, PacketsLost: 7, RTTMs: 42, JitterMs: 3, Timestamp: base.Add(time.Second)},
	}}
	s := NewTelemetrySampler(src, DefaultSaveInterval)

	_, ready, err := s.Sample(context.Background(), base)
	require.NoError(t, err)
	assert.False(t, ready, "first read is the baseline")

	r, ready, err := s.Sample(context.Background(), base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ready)

	assert.InDelta(t, 1000.0, r.SendBitrateKbps, 1e-9)
	assert.InDelta(t, 2000.0, r.ReceiveBitrateKbps, 1e-9)
	assert.InDelta(t, 5.0, r.LossPercent, 1e-9)
	assert.Equal(t, 42.0, r.RTTMs)
	assert.Equal(t, int64(375_000), s.DataUsed())
	assert.Equal(t, 2000.0, r.NetworkSample().BitrateKbps)
}

func TestLossPercent_ClampsUnderCounterReset(t *testing.T) {
	cases := []struct {
		name string
		sent int64
		lost int64
		want float64
	}{
		{"normal", 200, 10, 5},
		{"no packets sent", 0, 10, 0},
		{"sent counter went backwards", -50, 10, 0},
		{"lost counter went backwards", 100, -30, 0},
		{"lost exceeds sent", 10, 40, 100},
		{"nothing lost", 100, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LossPercent(tc.sent, tc.lost))
		})
	}
}

func TestTelemetrySampler_CounterResetNeverNegative(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	src := &scriptedCounters{readings: []domain.MediaCounters{
		{BytesSent: 90_000, BytesReceived: 90_000, PacketsSent: 900, PacketsLost: 50, Timestamp: base},
		{BytesSent: 1_000, BytesReceived: 2_000, PacketsSent: 10, PacketsLost: 0, Timestamp: base.Add(time.Second)},
	}}
	s := NewTelemetrySampler(src, DefaultSaveInterval)
	_, _, _ = s.Sample(context.Background(), base)

	r, ready, err := s.Sample(context.Background(), base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ready)
	assert.Zero(t, r.SendBitrateKbps)
	assert.Zero(t, r.ReceiveBitrateKbps)
	assert.Zero(t, r.LossPercent)
	assert.Zero(t, s.DataUsed())
}

func TestTelemetrySampler_SourceError(t *testing.T) {
	s := NewTelemetrySampler(&scriptedCounters{err: errors.New("peer connection closed")}, 0)
	_, ready, err := s.Sample(context.Background(), time.Now())
	assert.Error(t, err)
	assert.False(t, ready)
}

func TestTelemetrySampler_SnapshotsEverySaveInterval(t *testing.T) {
	s := NewTelemetrySampler(&scriptedCounters{}, 3*time.Second)
	base := time.Unix(1_700_000_000, 0)

	saved := 0
	for i := 0; i < 10; i++ {
		score := 0.9
		if i >= 6 {
			score = 0.1
		}
		r := TelemetryReading{SendBitrateKbps: float64(100 * i), RTTMs: 20, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if s.Record(r, score, 2) {
			saved++
		}
	}
	// t=0,3,6,9
	assert.Equal(t, 4, saved)

	agg := s.Aggregate()
	assert.Equal(t, 4, agg.SampleCount)
	assert.Len(t, agg.RawSamples, 4)
	assert.InDelta(t, (0+300+600+900)/4.0, agg.AvgSendBitrate, 1e-9)
	assert.Equal(t, 20.0, agg.AvgRTT)
	assert.Equal(t, domain.QualityDistribution{Good: 2, Poor: 2}, agg.Buckets)
}

func TestTelemetrySampler_EmptyAggregate(t *testing.T) {
	agg := NewTelemetrySampler(&scriptedCounters{}, 0).Aggregate()
	assert.Zero(t, agg.SampleCount)
	assert.Zero(t, agg.AvgLoss)
	assert.Empty(t, agg.RawSamples)
}
