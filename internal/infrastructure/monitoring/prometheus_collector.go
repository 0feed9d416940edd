package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rillcall/internal/core/domain"
	"rillcall/pkg/circuitbreaker"
)

// PrometheusCollector exports relay and call metrics. It satisfies the relay's Metrics
// interface and the ledger's CallObserver.
type PrometheusCollector struct {
	connections   prometheus.Gauge
	usersOnline   prometheus.Gauge
	messagesTotal *prometheus.CounterVec
	messageTime   *prometheus.HistogramVec
	droppedTotal  *prometheus.CounterVec

	callsActive   prometheus.Gauge
	callsTotal    *prometheus.CounterVec
	callDuration  prometheus.Histogram
	callSetupTime prometheus.Histogram

	reportedSamples *prometheus.CounterVec
	reportedRTT     prometheus.Histogram

	breakerState *prometheus.GaugeVec
}

// NewPrometheusCollector registers every metric on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_ws_connections",
			Help: "Open signaling connections",
		}),

		usersOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_users_online",
			Help: "Registered users with a live connection",
		}),

		messagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signal_messages_total",
			Help: "Signaling messages handled, by type",
		}, []string{"type"}),

		messageTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillcall_signal_message_duration_seconds",
			Help:    "Time spent handling one signaling message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"type"}),

		droppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signal_messages_dropped_total",
			Help: "Signaling messages dropped, by reason",
		}, []string{"reason"}),

		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_calls_active",
			Help: "Calls between offer and outcome",
		}),

		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_calls_total",
			Help: "Finalized calls, by outcome",
		}, []string{"status"}),

		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_call_duration_seconds",
			Help:    "Talk time of completed calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		callSetupTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_call_setup_seconds",
			Help:    "Time from offer to answer",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),

		reportedSamples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_reported_quality_samples_total",
			Help: "Client telemetry samples, by quality bucket",
		}, []string{"quality"}),

		reportedRTT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcall_reported_rtt_seconds",
			Help:    "Average RTT reported per call",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() { p.connections.Inc() }
func (p *PrometheusCollector) ConnectionClosed() { p.connections.Dec() }

func (p *PrometheusCollector) MessageHandled(msgType string, d time.Duration) {
	p.messagesTotal.WithLabelValues(msgType).Inc()
	p.messageTime.WithLabelValues(msgType).Observe(d.Seconds())
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	p.droppedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) PresenceChanged(online int) {
	p.usersOnline.Set(float64(online))
}

func (p *PrometheusCollector) CallStarted(domain.CallSession) {
	p.callsActive.Inc()
}

func (p *PrometheusCollector) CallAnswered(session domain.CallSession) {
	if session.AnsweredAt != nil {
		p.callSetupTime.Observe(session.AnsweredAt.Sub(session.StartTime).Seconds())
	}
}

func (p *PrometheusCollector) CallFinalized(record domain.CallRecord) {
	p.callsActive.Dec()
	p.callsTotal.WithLabelValues(string(record.Status)).Inc()
	if record.Status == domain.CallStatusCompleted {
		p.callDuration.Observe(record.Duration.Seconds())
	}
}

func (p *PrometheusCollector) StatsReceived(stats domain.CallStats) {
	d := stats.QualityDistribution
	p.reportedSamples.WithLabelValues(string(domain.BucketGood)).Add(float64(d.Good))
	p.reportedSamples.WithLabelValues(string(domain.BucketModerate)).Add(float64(d.Moderate))
	p.reportedSamples.WithLabelValues(string(domain.BucketPoor)).Add(float64(d.Poor))
	if stats.TotalSamples > 0 {
		p.reportedRTT.Observe(stats.AvgRTTMs / 1000)
	}
}

// RecordBreakerState matches circuitbreaker.CircuitBreaker.OnStateChange.
func (p *PrometheusCollector) RecordBreakerState(name string, _, to circuitbreaker.State) {
	p.breakerState.WithLabelValues(name).Set(float64(to))
}
