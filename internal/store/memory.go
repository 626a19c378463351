package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fno-automation-engine/internal/models"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Memory keeps jobs and their audit trail in process memory.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]models.Job
	audit map[string][]models.AuditLog
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]models.Job),
		audit: make(map[string][]models.AuditLog),
	}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(job), nil
}

// UpdateJob applies fn atomically. If fn fails nothing is written.
func (m *Memory) UpdateJob(_ context.Context, id string, fn func(*models.Job) error) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job = clone(job)
	if err := fn(&job); err != nil {
		return models.Job{}, err
	}
	m.jobs[id] = job
	return clone(job), nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[jobID] = append(m.audit[jobID], models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (m *Memory) History(_ context.Context, jobID string) ([]models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditLog, len(m.audit[jobID]))
	copy(out, m.audit[jobID])
	return out, nil
}

func clone(j models.Job) models.Job {
	if j.LastError != nil {
		e := *j.LastError
		j.LastError = &e
	}
	return j
}
