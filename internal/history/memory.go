package history

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

// MemoryService keeps records in process memory. Used for local runs without Postgres.
type MemoryService struct {
	mu      sync.RWMutex
	records map[string]*domain.JobExecutionRecord
	now     func() time.Time
}

// NewMemoryService creates an empty in-memory history
func NewMemoryService() *MemoryService {
	return &MemoryService{
		records: make(map[string]*domain.JobExecutionRecord),
		now:     time.Now,
	}
}

func (m *MemoryService) RecordQueued(ctx context.Context, t Transition) error {
	return m.record(ctx, normalizeQueued(t, m.now))
}

func (m *MemoryService) RecordTransition(ctx context.Context, t Transition) error {
	return m.record(ctx, normalize(t, m.now))
}

func (m *MemoryService) record(ctx context.Context, t Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[t.JobID]
	if !ok {
		rec = &domain.JobExecutionRecord{}
	}
	if applyTransition(rec, t) && !ok {
		m.records[t.JobID] = rec
	}
	return nil
}

func (m *MemoryService) GetExecution(ctx context.Context, jobID string) (*domain.JobExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := cloneRecord(rec)
	return &cp, nil
}

func (m *MemoryService) GetProjectHistory(ctx context.Context, projectID string, limit int) ([]domain.JobExecutionRecord, error) {
	return m.list(ctx, func(rec *domain.JobExecutionRecord) bool {
		return rec.ProjectID == projectID
	}, limit)
}

func (m *MemoryService) GetRecentExecutions(ctx context.Context, limit int) ([]domain.JobExecutionRecord, error) {
	return m.list(ctx, func(*domain.JobExecutionRecord) bool { return true }, limit)
}

func (m *MemoryService) list(ctx context.Context, match func(*domain.JobExecutionRecord) bool, limit int) ([]domain.JobExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]domain.JobExecutionRecord, 0)
	for _, rec := range m.records {
		if match(rec) {
			records = append(records, cloneRecord(rec))
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].JobID > records[j].JobID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit = ClampLimit(limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryService) GetSummary(ctx context.Context, queue string, window time.Duration) (*domain.JobSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	since := m.now().Add(-window)
	summary := &domain.JobSummary{QueueName: queue, WindowMs: window.Milliseconds()}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalMs int64
	var timed int
	for _, rec := range m.records {
		if rec.QueueName != queue || rec.UpdatedAt.Before(since) {
			continue
		}
		summary.Jobs++
		if isFailureStatus(rec.Status) {
			summary.Failures++
		}
		if rec.Status == domain.StatusCompleted && rec.DurationMs != nil {
			totalMs += *rec.DurationMs
			timed++
		}
	}
	if timed > 0 {
		summary.AvgDurationMs = float64(totalMs) / float64(timed)
	}
	return summary, nil
}

func cloneRecord(rec *domain.JobExecutionRecord) domain.JobExecutionRecord {
	cp := *rec
	cp.Events = append([]domain.ExecutionEvent(nil), rec.Events...)
	if rec.Data != nil {
		cp.Data = append(json.RawMessage(nil), rec.Data...)
	}
	return cp
}
