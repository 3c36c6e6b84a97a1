// Package jobs links live telemetry to assigned production jobs. The mapper
// writes progress into the context store, publishes job lifecycle events,
// and auto-completes jobs when the produced quantity reaches the target.
//
// Job records themselves are owned by an external scheduling system; only
// the store contract and an in-memory fake live here.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type (
	// Job is the scheduling system's job record as the engine sees it.
	Job struct {
		ID              string  `json:"id"`
		ScheduleID      string  `json:"schedule_id,omitempty"`
		ProductTypeID   string  `json:"product_type_id,omitempty"`
		ProductTypeName string  `json:"product_type_name,omitempty"`
		TargetQuantity  int     `json:"target_quantity"`
		TargetSpeed     float64 `json:"target_speed"`
		Status          Status  `json:"status"`
	}

	// Store is the external job record contract.
	Store interface {
		GetJob(ctx context.Context, id string) (Job, error)
		SetJobStatus(ctx context.Context, id string, status Status) error
	}

	// MemoryStore is the in-memory Store used by tests and the demo binary.
	MemoryStore struct {
		mu   sync.RWMutex
		jobs map[string]Job
	}
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

// PutJob inserts or replaces a job record.
func (s *MemoryStore) PutJob(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

// GetJob implements Store.
func (s *MemoryStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// SetJobStatus implements Store.
func (s *MemoryStore) SetJobStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.Status = status
	s.jobs[id] = j
	return nil
}

// View joins the live context with the job record for one equipment.
type View struct {
	Job                 Job        `json:"job"`
	EquipmentCode       string     `json:"equipment_code"`
	LineID              string     `json:"line_id"`
	ActualQuantity      int        `json:"actual_quantity"`
	TargetQuantity      int        `json:"target_quantity"`
	Progress            float64    `json:"progress"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}
