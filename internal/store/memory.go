package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
)

// MemoryStore is the in-process execution log, the default when no database
// is configured. Records live for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*schemas.TaskRecord
	logger  *zap.Logger
}

// NewMemoryStore creates an empty in-memory execution log.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*schemas.TaskRecord),
		logger:  logger.Named("store.memory"),
	}
}

var _ schemas.ExecutionLogStore = (*MemoryStore)(nil)

// AppendResult records the seq-th ActionResult of a task. Results arrive in
// sequence order from the single execution loop, so append suffices.
func (s *MemoryStore) AppendResult(_ context.Context, taskID string, seq int, result schemas.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[taskID]
	if rec == nil {
		rec = &schemas.TaskRecord{TaskID: taskID}
		s.records[taskID] = rec
	}
	if seq != len(rec.Results) {
		s.logger.Warn("Out-of-order result sequence",
			zap.String("task_id", taskID),
			zap.Int("seq", seq),
			zap.Int("expected", len(rec.Results)))
	}
	rec.Results = append(rec.Results, result)
	return nil
}

// FinishTask records the terminal outcome for a task.
func (s *MemoryStore) FinishTask(_ context.Context, outcome *schemas.TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[outcome.TaskID]
	if rec == nil {
		rec = &schemas.TaskRecord{TaskID: outcome.TaskID}
		s.records[outcome.TaskID] = rec
	}
	rec.Outcome = outcome
	return nil
}

// GetTask returns a copy of the task's record, or ErrTaskNotFound.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*schemas.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := &schemas.TaskRecord{
		TaskID:  rec.TaskID,
		Outcome: rec.Outcome,
		Results: make([]schemas.ActionResult, len(rec.Results)),
	}
	copy(out.Results, rec.Results)
	return out, nil
}
