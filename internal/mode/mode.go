// Package mode tracks the active destination partition of a user session.
package mode

import (
	"sync"

	"github.com/kalambet/zettel/internal/note"
)

// Manager holds the partition that subsequent enqueues are tagged with.
// The zero value is ready to use and reports note.Work.
type Manager struct {
	mu      sync.RWMutex
	current note.Partition
}

// New returns a Manager starting in the given partition. An empty value
// starts in note.Work.
func New(initial note.Partition) *Manager {
	return &Manager{current: initial}
}

// Set records p as the active partition.
func (m *Manager) Set(p note.Partition) error {
	valid, err := note.ParsePartition(string(p))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = valid
	m.mu.Unlock()
	return nil
}

// Get returns the active partition.
func (m *Manager) Get() note.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return note.Work
	}
	return m.current
}
