package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/cache"
	"rillcall/pkg/circuitbreaker"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/tracing"
)

// CallObserver is notified of every relay-side call lifecycle change. Implementations must
// not block.
type CallObserver interface {
	CallStarted(session domain.CallSession)
	CallAnswered(session domain.CallSession)
	CallFinalized(record domain.CallRecord)
	StatsReceived(stats domain.CallStats)
}

// DefaultStatsWindow is how long after a call ends its parties may still report stats.
const DefaultStatsWindow = 10 * time.Minute

// CallLedger is the relay's table of active calls. It derives call outcomes and hands them
// to storage asynchronously; storage failures never reach the signaling path.
type CallLedger struct {
	mu    sync.Mutex
	calls map[domain.CallID]*domain.CallSession

	// Sessions finalized within statsWindow, keyed by call id.
	ended       *cache.Cache[domain.CallSession]
	statsWindow time.Duration

	records   ports.CallRecordRepository
	archive   ports.SampleArchive
	events    ports.EventPublisher
	observers []CallObserver
	breaker   *circuitbreaker.CircuitBreaker
	timeout   time.Duration
	logger    *zap.SugaredLogger

	pending sync.WaitGroup
	now     func() time.Time
	newID   func() domain.CallID
}

type CallLedgerOption func(*CallLedger)

func WithSampleArchive(archive ports.SampleArchive) CallLedgerOption {
	return func(l *CallLedger) { l.archive = archive }
}

func WithEventPublisher(events ports.EventPublisher) CallLedgerOption {
	return func(l *CallLedger) { l.events = events }
}

func WithCallObservers(observers ...CallObserver) CallLedgerOption {
	return func(l *CallLedger) { l.observers = append(l.observers, observers...) }
}

func WithStoreTimeout(d time.Duration) CallLedgerOption {
	return func(l *CallLedger) { l.timeout = d }
}

func WithStatsWindow(d time.Duration) CallLedgerOption {
	return func(l *CallLedger) { l.statsWindow = d }
}

func NewCallLedger(
	records ports.CallRecordRepository,
	breaker *circuitbreaker.CircuitBreaker,
	logger *zap.SugaredLogger,
	opts ...CallLedgerOption,
) *CallLedger {
	l := &CallLedger{
		calls:       make(map[domain.CallID]*domain.CallSession),
		ended:       cache.New[domain.CallSession](time.Minute),
		statsWindow: DefaultStatsWindow,
		records:     records,
		breaker:     breaker,
		timeout:     5 * time.Second,
		logger:      logger,
		now:         time.Now,
		newID:       func() domain.CallID { return domain.CallID(uuid.NewString()) },
	}
	l.ended.SetClock(func() time.Time { return l.now() })
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open allocates a call id and records a ringing session.
func (l *CallLedger) Open(callerID, calleeID domain.UserID, isVideo bool) domain.CallSession {
	l.mu.Lock()
	session := &domain.CallSession{
		ID:        l.newID(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		IsVideo:   isVideo,
		StartTime: l.now(),
	}
	l.calls[session.ID] = session
	snapshot := *session
	l.mu.Unlock()

	for _, o := range l.observers {
		o.CallStarted(snapshot)
	}
	l.publish(domain.CallEvent{
		Type:     domain.CallEventCreated,
		CallID:   snapshot.ID,
		CallerID: snapshot.CallerID,
		CalleeID: snapshot.CalleeID,
		At:       snapshot.StartTime,
	})
	return snapshot
}

// Answer marks the call answered by the callee. A repeated answer keeps the first timestamp.
func (l *CallLedger) Answer(callID domain.CallID, by domain.UserID) (domain.CallSession, error) {
	l.mu.Lock()
	session, ok := l.calls[callID]
	if !ok {
		l.mu.Unlock()
		return domain.CallSession{}, domain.ErrCallNotFound
	}
	if session.CalleeID != by {
		l.mu.Unlock()
		return domain.CallSession{}, apperrors.NewSessionStateError("answer from a user who is not the callee")
	}
	first := session.AnsweredAt == nil
	if first {
		at := l.now()
		session.AnsweredAt = &at
	}
	snapshot := *session
	l.mu.Unlock()

	if first {
		for _, o := range l.observers {
			o.CallAnswered(snapshot)
		}
		l.publish(domain.CallEvent{
			Type:     domain.CallEventAnswered,
			CallID:   snapshot.ID,
			CallerID: snapshot.CallerID,
			CalleeID: snapshot.CalleeID,
			At:       *snapshot.AnsweredAt,
		})
	}
	return snapshot, nil
}

// Reject finalizes the call as rejected.
func (l *CallLedger) Reject(callID domain.CallID, by domain.UserID) (*domain.CallRecord, error) {
	return l.finish(callID, by, func(*domain.CallSession) domain.CallStatus {
		return domain.CallStatusRejected
	})
}

// Hangup finalizes the call as completed when it was answered, otherwise as missed.
func (l *CallLedger) Hangup(callID domain.CallID, by domain.UserID) (*domain.CallRecord, error) {
	return l.finish(callID, by, func(s *domain.CallSession) domain.CallStatus {
		if s.AnsweredAt != nil {
			return domain.CallStatusCompleted
		}
		return domain.CallStatusMissed
	})
}

func (l *CallLedger) finish(callID domain.CallID, by domain.UserID, status func(*domain.CallSession) domain.CallStatus) (*domain.CallRecord, error) {
	l.mu.Lock()
	session, ok := l.calls[callID]
	if !ok {
		l.mu.Unlock()
		return nil, domain.ErrCallNotFound
	}
	if !session.Involves(by) {
		l.mu.Unlock()
		return nil, apperrors.NewSessionStateError("user is not a party of the call")
	}
	delete(l.calls, callID)
	l.ended.Set(string(callID), *session, l.statsWindow)
	record := session.Finalize(status(session), l.now())
	l.mu.Unlock()

	l.deliver(record)
	return record, nil
}

// DisconnectUser finalizes every active call of the user as missed.
func (l *CallLedger) DisconnectUser(userID domain.UserID) []*domain.CallRecord {
	l.mu.Lock()
	now := l.now()
	var records []*domain.CallRecord
	for id, session := range l.calls {
		if !session.Involves(userID) {
			continue
		}
		delete(l.calls, id)
		l.ended.Set(string(id), *session, l.statsWindow)
		records = append(records, session.Finalize(domain.CallStatusMissed, now))
	}
	l.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].CallID < records[j].CallID })
	for _, r := range records {
		l.deliver(r)
	}
	return records
}

func (l *CallLedger) Get(callID domain.CallID) (domain.CallSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.calls[callID]
	if !ok {
		return domain.CallSession{}, false
	}
	return *session, true
}

// ActiveCalls returns a snapshot ordered by start time.
func (l *CallLedger) ActiveCalls() []domain.CallSession {
	l.mu.Lock()
	out := make([]domain.CallSession, 0, len(l.calls))
	for _, s := range l.calls {
		out = append(out, *s)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// SaveStats stores a client telemetry report from one party of the call. Reports are
// accepted while the call is active and for the stats window after it ends. The parties
// stored with the report are the ledger's, not the reporter's.
func (l *CallLedger) SaveStats(report *domain.CallStats) error {
	session, ok := l.Find(report.CallID)
	if !ok {
		return domain.ErrCallNotFound
	}
	if !session.Involves(report.ReportedBy) {
		return apperrors.NewSessionStateError("call stats from a user who is not a party of the call")
	}
	stats := *report
	stats.CallerID = session.CallerID
	stats.CalleeID = session.CalleeID

	for _, o := range l.observers {
		o.StatsReceived(stats)
	}
	l.async("save_stats", stats.CallID, func(ctx context.Context) error {
		if err := l.records.SaveStats(ctx, &stats); err != nil {
			return err
		}
		if l.archive != nil && len(stats.Samples) > 0 {
			return l.archive.Archive(ctx, &stats)
		}
		return nil
	})
	return nil
}

// Find returns an active call or one that ended within the stats window.
func (l *CallLedger) Find(callID domain.CallID) (domain.CallSession, bool) {
	if session, ok := l.Get(callID); ok {
		return session, true
	}
	return l.ended.Get(string(callID))
}

// Wait blocks until every in-flight storage call has returned.
func (l *CallLedger) Wait() {
	l.pending.Wait()
}

// Close stops sweeping ended calls.
func (l *CallLedger) Close() {
	l.ended.Stop()
}

func (l *CallLedger) deliver(record *domain.CallRecord) {
	for _, o := range l.observers {
		o.CallFinalized(*record)
	}
	l.publish(domain.CallEvent{
		Type:     domain.CallEventEnded,
		CallID:   record.CallID,
		CallerID: record.CallerID,
		CalleeID: record.CalleeID,
		Status:   record.Status,
		Duration: record.Duration,
		At:       record.EndTime,
	})
	l.async("save_outcome", record.CallID, func(ctx context.Context) error {
		return l.records.SaveOutcome(ctx, record)
	})
}

func (l *CallLedger) publish(event domain.CallEvent) {
	if l.events == nil {
		return
	}
	l.async("publish_event", event.CallID, func(ctx context.Context) error {
		return l.events.PublishCallEvent(ctx, event)
	})
}

func (l *CallLedger) async(op string, callID domain.CallID, fn func(ctx context.Context) error) {
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		ctx, span := tracing.TraceStoreOperation(ctx, op, string(callID))
		defer span.End()

		run := fn
		if l.breaker != nil {
			run = func(ctx context.Context) error { return l.breaker.Execute(ctx, fn) }
		}
		if err := run(ctx); err != nil {
			tracing.RecordError(ctx, err)
			l.logger.Warnw("Call persistence failed",
				"op", op,
				"call_id", callID,
				"error", apperrors.NewPersistenceError(op, err),
			)
		}
	}()
}
