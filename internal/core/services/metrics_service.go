package services

import (
	"sync"
	"time"

	"rillcall/internal/core/domain"
)

// MetricsService keeps relay-wide call counters for the HTTP API. It is a CallObserver.
type MetricsService struct {
	mu sync.RWMutex

	active     map[domain.CallID]domain.CallSession
	byStatus   map[domain.CallStatus]int
	videoCalls int

	talkTime   time.Duration
	setupTime  time.Duration
	answered   int
	quality    domain.QualityDistribution
	rttSum     float64
	rttReports int

	now func() time.Time
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		active:   make(map[domain.CallID]domain.CallSession),
		byStatus: make(map[domain.CallStatus]int),
		now:      time.Now,
	}
}

func (m *MetricsService) CallStarted(session domain.CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[session.ID] = session
	if session.IsVideo {
		m.videoCalls++
	}
}

func (m *MetricsService) CallAnswered(session domain.CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.AnsweredAt == nil {
		return
	}
	m.active[session.ID] = session
	m.setupTime += session.AnsweredAt.Sub(session.StartTime)
	m.answered++
}

func (m *MetricsService) CallFinalized(record domain.CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, record.CallID)
	m.byStatus[record.Status]++
	m.talkTime += record.Duration
}

func (m *MetricsService) StatsReceived(stats domain.CallStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality.Good += stats.QualityDistribution.Good
	m.quality.Moderate += stats.QualityDistribution.Moderate
	m.quality.Poor += stats.QualityDistribution.Poor
	if stats.TotalSamples > 0 {
		m.rttSum += stats.AvgRTTMs
		m.rttReports++
	}
}

func (m *MetricsService) Summary() domain.CallSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := domain.CallSummary{
		ActiveCalls:     len(m.active),
		VideoCalls:      m.videoCalls,
		Completed:       m.byStatus[domain.CallStatusCompleted],
		Missed:          m.byStatus[domain.CallStatusMissed],
		Rejected:        m.byStatus[domain.CallStatusRejected],
		TotalTalkTime:   m.talkTime,
		ReportedQuality: m.quality,
		Timestamp:       m.now(),
	}
	if s.Completed > 0 {
		s.AverageTalkTime = m.talkTime / time.Duration(s.Completed)
	}
	if m.answered > 0 {
		s.AverageSetupTime = m.setupTime / time.Duration(m.answered)
	}
	if m.rttReports > 0 {
		s.AverageReportedRTT = m.rttSum / float64(m.rttReports)
	}
	s.HealthScore = healthScore(s)
	return s
}

// healthScore is the completed share of finished calls scaled to 0..70, plus up to 30 for
// the share of good reported samples.
func healthScore(s domain.CallSummary) float64 {
	finished := s.Completed + s.Missed + s.Rejected
	if finished == 0 {
		return 100
	}
	score := 70 * float64(s.Completed) / float64(finished)

	samples := s.ReportedQuality.Good + s.ReportedQuality.Moderate + s.ReportedQuality.Poor
	if samples == 0 {
		score += 30
	} else {
		score += 30 * float64(s.ReportedQuality.Good) / float64(samples)
	}
	return score
}
