package domain

import "time"

type CallID string

// CallState is the client-side signaling state of a call.
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateCalling   CallState = "calling"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
)

// CallStatus is the finalized outcome of a call.
type CallStatus string

const (
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCompleted CallStatus = "completed"
)

// CallSession is the relay's view of an active call. AnsweredAt is nil until the callee answers.
type CallSession struct {
	ID         CallID
	CallerID   UserID
	CalleeID   UserID
	IsVideo    bool
	StartTime  time.Time
	AnsweredAt *time.Time
}

// Involves reports whether the user is either party of the call.
func (s *CallSession) Involves(userID UserID) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// Peer returns the other party of the call.
func (s *CallSession) Peer(userID UserID) UserID {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

// Finalize turns the session into an outcome record ending at now.
func (s *CallSession) Finalize(status CallStatus, now time.Time) *CallRecord {
	record := &CallRecord{
		CallID:    s.ID,
		CallerID:  s.CallerID,
		CalleeID:  s.CalleeID,
		IsVideo:   s.IsVideo,
		Status:    status,
		StartTime: s.StartTime,
		EndTime:   now,
	}
	if status == CallStatusCompleted && s.AnsweredAt != nil {
		if d := now.Sub(*s.AnsweredAt); d > 0 {
			record.Duration = d
		}
	}
	return record
}

// CallRecord is the outcome delivered to storage when a call ends.
type CallRecord struct {
	CallID    CallID
	CallerID  UserID
	CalleeID  UserID
	IsVideo   bool
	Duration  time.Duration
	Status    CallStatus
	StartTime time.Time
	EndTime   time.Time
}

func (r *CallRecord) Peer(userID UserID) UserID {
	if r.CallerID == userID {
		return r.CalleeID
	}
	return r.CallerID
}

// CallStats is the client-reported telemetry aggregate for a finished call.
type CallStats struct {
	CallID                CallID
	CallerID              UserID
	CalleeID              UserID
	IsVideo               bool
	DurationSeconds       float64
	TotalSamples          int
	AvgSendBitrateKbps    float64
	AvgReceiveBitrateKbps float64
	AvgPacketLossPercent  float64
	AvgRTTMs              float64
	TotalDataUsedBytes    int64
	QualityDistribution   QualityDistribution
	Samples               []TelemetrySnapshot
	ReportedBy            UserID
	ReceivedAt            time.Time
}

type CallEventType string

const (
	CallEventCreated  CallEventType = "call.created"
	CallEventAnswered CallEventType = "call.answered"
	CallEventEnded    CallEventType = "call.ended"
)

// CallEvent is published on every relay-side call lifecycle change.
type CallEvent struct {
	Type     CallEventType
	CallID   CallID
	CallerID UserID
	CalleeID UserID
	Status   CallStatus
	Duration time.Duration
	At       time.Time
}
