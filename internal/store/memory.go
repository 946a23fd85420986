package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRuns is an in-memory RunRepository for tests.
type MemoryRuns struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRuns creates an empty in-memory run repository.
func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{runs: make(map[string]*Run)}
}

func (m *MemoryRuns) Create(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryRuns) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryRuns) UpdateStatus(_ context.Context, id string, status RunStatus, fields RunFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", id, ErrRunTerminal)
	}
	run.Status = status
	if fields.PID != nil {
		run.PID = *fields.PID
	}
	if fields.Error != nil {
		run.Error = *fields.Error
	}
	if fields.Result != nil {
		run.Result = *fields.Result
	}
	if fields.CompletedAt != nil {
		t := *fields.CompletedAt
		run.CompletedAt = &t
	}
	return nil
}

func (m *MemoryRuns) UpdateHeartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.LastHeartbeat = at
	return nil
}

func (m *MemoryRuns) ListActive(_ context.Context) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryFeatures is an in-memory FeatureRepository for tests.
type MemoryFeatures struct {
	mu       sync.RWMutex
	features map[string]*Feature
}

// NewMemoryFeatures creates an empty in-memory feature repository.
func NewMemoryFeatures() *MemoryFeatures {
	return &MemoryFeatures{features: make(map[string]*Feature)}
}

func (m *MemoryFeatures) Create(_ context.Context, f *Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[f.ID]; ok {
		return fmt.Errorf("feature %s: %w", f.ID, ErrAlreadyExists)
	}
	cp := *f
	m.features[f.ID] = &cp
	return nil
}

func (m *MemoryFeatures) Get(_ context.Context, id string) (*Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.features[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryFeatures) Update(_ context.Context, f *Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.features[f.ID]; !ok {
		return ErrNotFound
	}
	cp := *f
	cp.UpdatedAt = time.Now().UTC()
	m.features[f.ID] = &cp
	return nil
}

func (m *MemoryFeatures) RecordPR(_ context.Context, featureID string, pr PRRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.features[featureID]
	if !ok {
		return ErrNotFound
	}
	f.PRURL = pr.URL
	f.PRNumber = pr.Number
	f.PRStatus = pr.Status
	f.CommitHash = pr.CommitHash
	f.CIStatus = pr.CIStatus
	f.CIFixAttempts = pr.CIFixAttempts
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryFeatures) SetLifecycle(_ context.Context, featureID string, lc Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.features[featureID]
	if !ok {
		return ErrNotFound
	}
	f.Lifecycle = lc
	f.UpdatedAt = time.Now().UTC()
	return nil
}
