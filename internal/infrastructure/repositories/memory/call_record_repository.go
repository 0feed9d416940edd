package memory

import (
	"context"
	"sort"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

type MemoryCallRecordRepository struct {
	outcomes map[domain.CallID]*domain.CallRecord
	stats    map[domain.CallID]map[domain.UserID]*domain.CallStats
	mu       sync.RWMutex
}

func NewMemoryCallRecordRepository() *MemoryCallRecordRepository {
	return &MemoryCallRecordRepository{
		outcomes: make(map[domain.CallID]*domain.CallRecord),
		stats:    make(map[domain.CallID]map[domain.UserID]*domain.CallStats),
	}
}

var _ ports.CallRecordRepository = (*MemoryCallRecordRepository)(nil)

// SaveOutcome keeps the first outcome stored for a call id.
func (r *MemoryCallRecordRepository) SaveOutcome(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.outcomes[record.CallID]; exists {
		return nil
	}
	cp := *record
	r.outcomes[record.CallID] = &cp
	return nil
}

func (r *MemoryCallRecordRepository) GetOutcome(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.outcomes[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	cp := *record
	return &cp, nil
}

// ListByUser returns the user's calls, newest first.
func (r *MemoryCallRecordRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	var records []*domain.CallRecord
	for _, record := range r.outcomes {
		if record.CallerID == userID || record.CalleeID == userID {
			cp := *record
			records = append(records, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SaveStats keeps the latest report of each party of a call.
func (r *MemoryCallRecordRepository) SaveStats(ctx context.Context, stats *domain.CallStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *stats
	cp.Samples = append([]domain.TelemetrySnapshot(nil), stats.Samples...)
	reports, ok := r.stats[stats.CallID]
	if !ok {
		reports = make(map[domain.UserID]*domain.CallStats)
		r.stats[stats.CallID] = reports
	}
	reports[stats.ReportedBy] = &cp
	return nil
}

func (r *MemoryCallRecordRepository) GetStats(ctx context.Context, id domain.CallID) ([]*domain.CallStats, error) {
	r.mu.RLock()
	reports := r.stats[id]
	out := make([]*domain.CallStats, 0, len(reports))
	for _, stats := range reports {
		cp := *stats
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	if len(out) == 0 {
		return nil, domain.ErrCallStatsNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedBy < out[j].ReportedBy })
	return out, nil
}

func (r *MemoryCallRecordRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outcomes)
}
