package status

import (
	"context"
	"sync"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

// MemoryStore keeps statuses in process memory. It also records every
// applied transition per job, which tests use to assert status sequences.
type MemoryStore struct {
	mu      sync.Mutex
	current map[string]job.Status
	history map[string][]job.Status
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[string]job.Status),
		history: make(map[string][]job.Status),
	}
}

func (m *MemoryStore) Transition(_ context.Context, jobID string, to job.Status) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.current[jobID]
	change := Change{Previous: prev, Existed: existed}
	if !job.CanTransition(prev, existed, to) {
		return change, nil
	}
	m.current[jobID] = to
	m.history[jobID] = append(m.history[jobID], to)
	change.Applied = true
	return change, nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (job.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.current[jobID]
	return s, ok, nil
}

// History returns the applied statuses for jobID in order.
func (m *MemoryStore) History(jobID string) []job.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Status, len(m.history[jobID]))
	copy(out, m.history[jobID])
	return out
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
