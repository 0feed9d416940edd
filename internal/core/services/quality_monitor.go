package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/protocol"
)

// QualityConfig tunes the per-call quality loop.
type QualityConfig struct {
	SampleInterval time.Duration
	SaveInterval   time.Duration
	Cooldown       time.Duration
	Ladder         []domain.QualityProfile
	Weights        PredictorWeights
	Connectivity   domain.ConnectivityClass
	ReportTimeout  time.Duration
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		SampleInterval: DefaultSampleInterval,
		SaveInterval:   DefaultSaveInterval,
		Cooldown:       DefaultProfileCooldown,
		Ladder:         DefaultLadder(),
		Weights:        DefaultPredictorWeights(),
		Connectivity:   domain.Connectivity4G,
		ReportTimeout:  3 * time.Second,
	}
}

// CallInfo identifies the call a monitor reports on.
type CallInfo struct {
	ID       domain.CallID
	CallerID domain.UserID
	CalleeID domain.UserID
	IsVideo  bool
}

// QualityMonitor runs sample → predict → apply on one ticker for a connected call.
// Its goroutine is the only owner of the sampler, predictor and controller walk state.
type QualityMonitor struct {
	call       CallInfo
	cfg        QualityConfig
	sampler    *TelemetrySampler
	predictor  *QualityPredictor
	controller *ProfileController
	transport  ports.SignalingTransport
	onProfile  func(domain.ProfileChange)
	logger     *zap.SugaredLogger

	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once

	mu   sync.Mutex
	last domain.PredictionResult
}

func NewQualityMonitor(
	call CallInfo,
	cfg QualityConfig,
	engine ports.MediaEngine,
	transport ports.SignalingTransport,
	onProfile func(domain.ProfileChange),
	logger *zap.SugaredLogger,
) *QualityMonitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 3 * time.Second
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	log := logger.With("call_id", call.ID)
	controller := NewProfileController(cfg.Ladder, cfg.Connectivity, cfg.Cooldown, engine, log)
	return &QualityMonitor{
		call:       call,
		cfg:        cfg,
		sampler:    NewTelemetrySampler(engine, cfg.SaveInterval),
		predictor:  NewQualityPredictor(cfg.Weights, controller.Top()),
		controller: controller,
		transport:  transport,
		onProfile:  onProfile,
		logger:     log,
		done:       make(chan struct{}),
	}
}

// Controller exposes the profile controller for the pin and audio-only overrides.
func (m *QualityMonitor) Controller() *ProfileController {
	return m.controller
}

// Done is closed once Run has returned and the call stats were handed off.
func (m *QualityMonitor) Done() <-chan struct{} {
	return m.done
}

// Run blocks until ctx is cancelled, then reports the call aggregate once.
func (m *QualityMonitor) Run(ctx context.Context) {
	defer m.stopOnce.Do(func() { close(m.done) })

	m.startedAt = time.Now()
	m.controller.Start(ctx)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.report()
			return
		case now := <-ticker.C:
			m.Tick(ctx, now)
		}
	}
}

// Tick performs one sampling step.
func (m *QualityMonitor) Tick(ctx context.Context, now time.Time) {
	reading, ready, err := m.sampler.Sample(ctx, now)
	if err != nil {
		m.logger.Warnw("failed to read media counters", "error", err)
		return
	}
	if !ready {
		return
	}

	rung := m.controller.Current()
	result := m.predictor.Observe(reading.NetworkSample(), rung)
	m.mu.Lock()
	m.last = result
	m.mu.Unlock()
	m.sampler.Record(reading, result.Score, rung)

	if result.Action == domain.ActionMaintain {
		return
	}
	params, applied := m.controller.ApplyAction(ctx, result.Action, result.SuggestedRung, now)
	if !applied {
		return
	}
	m.predictor.ResetCounters()
	m.logger.Debugw("prediction applied", "reasoning", result.Reasoning)

	if m.onProfile != nil {
		m.onProfile(domain.ProfileChange{
			CallID:     m.call.ID,
			From:       rung,
			To:         params.Rung,
			Parameters: params,
			Prediction: result,
			At:         now,
		})
	}
}

// LastPrediction returns the most recent predictor output.
func (m *QualityMonitor) LastPrediction() domain.PredictionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *QualityMonitor) report() {
	if m.transport == nil {
		return
	}
	msg := CallStatsMessage(m.call, time.Since(m.startedAt), m.sampler.Aggregate())

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReportTimeout)
	defer cancel()
	if err := m.transport.Send(ctx, msg); err != nil {
		m.logger.Warnw("dropping call stats", "error", err)
		return
	}
	m.logger.Infow("call stats reported",
		"samples", msg.TotalSamples,
		"data_used_bytes", msg.TotalDataUsedBytes,
	)
}

// CallStatsMessage converts an aggregate into the wire report.
func CallStatsMessage(call CallInfo, duration time.Duration, agg domain.TelemetryAggregate) *protocol.CallStats {
	samples := make([]protocol.StatsSample, 0, len(agg.RawSamples))
	for _, s := range agg.RawSamples {
		samples = append(samples, protocol.StatsSample{
			Timestamp:          s.Timestamp.UnixMilli(),
			SendBitrateKbps:    s.SendBitrateKbps,
			ReceiveBitrateKbps: s.ReceiveBitrateKbps,
			PacketLossPercent:  s.PacketLossPercent,
			RTTMs:              s.RTTMs,
			JitterMs:           s.JitterMs,
			Score:              s.Score,
			Quality:            string(s.Bucket),
			Rung:               s.Rung,
		})
	}
	return &protocol.CallStats{
		CallID:                string(call.ID),
		Caller:                string(call.CallerID),
		Callee:                string(call.CalleeID),
		IsVideo:               call.IsVideo,
		Duration:              duration.Seconds(),
		TotalSamples:          agg.SampleCount,
		AvgSendBitrateKbps:    agg.AvgSendBitrate,
		AvgReceiveBitrateKbps: agg.AvgRecvBitrate,
		AvgPacketLossPercent:  agg.AvgLoss,
		AvgRTTMs:              agg.AvgRTT,
		TotalDataUsedBytes:    agg.TotalDataUsedBytes,
		QualityDistribution: protocol.QualityDistribution{
			Good:     agg.Buckets.Good,
			Moderate: agg.Buckets.Moderate,
			Poor:     agg.Buckets.Poor,
		},
		Samples: samples,
	}
}

// CallStatsFromMessage converts a client report into the stored form.
func CallStatsFromMessage(msg *protocol.CallStats, reporter domain.UserID, receivedAt time.Time) *domain.CallStats {
	samples := make([]domain.TelemetrySnapshot, 0, len(msg.Samples))
	for _, s := range msg.Samples {
		samples = append(samples, domain.TelemetrySnapshot{
			Timestamp:          time.UnixMilli(s.Timestamp),
			SendBitrateKbps:    s.SendBitrateKbps,
			ReceiveBitrateKbps: s.ReceiveBitrateKbps,
			PacketLossPercent:  s.PacketLossPercent,
			RTTMs:              s.RTTMs,
			JitterMs:           s.JitterMs,
			Score:              s.Score,
			Bucket:             domain.QualityBucket(s.Quality),
			Rung:               s.Rung,
		})
	}
	return &domain.CallStats{
		CallID:                domain.CallID(msg.CallID),
		CallerID:              domain.UserID(msg.Caller),
		CalleeID:              domain.UserID(msg.Callee),
		IsVideo:               msg.IsVideo,
		DurationSeconds:       msg.Duration,
		TotalSamples:          msg.TotalSamples,
		AvgSendBitrateKbps:    msg.AvgSendBitrateKbps,
		AvgReceiveBitrateKbps: msg.AvgReceiveBitrateKbps,
		AvgPacketLossPercent:  msg.AvgPacketLossPercent,
		AvgRTTMs:              msg.AvgRTTMs,
		TotalDataUsedBytes:    msg.TotalDataUsedBytes,
		QualityDistribution: domain.QualityDistribution{
			Good:     msg.QualityDistribution.Good,
			Moderate: msg.QualityDistribution.Moderate,
			Poor:     msg.QualityDistribution.Poor,
		},
		Samples:    samples,
		ReportedBy: reporter,
		ReceivedAt: receivedAt,
	}
}
