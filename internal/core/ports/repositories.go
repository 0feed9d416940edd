package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// CallRecordRepository stores call outcomes and client telemetry aggregates. Each party of
// a call keeps its own stats report; GetStats returns them ordered by reporter.
type CallRecordRepository interface {
	SaveOutcome(ctx context.Context, record *domain.CallRecord) error
	GetOutcome(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.CallRecord, error)
	SaveStats(ctx context.Context, stats *domain.CallStats) error
	GetStats(ctx context.Context, id domain.CallID) ([]*domain.CallStats, error)
}

// SampleArchive keeps the raw telemetry samples of a call outside the primary store.
type SampleArchive interface {
	Archive(ctx context.Context, stats *domain.CallStats) error
}
