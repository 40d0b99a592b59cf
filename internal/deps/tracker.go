// Package deps buffers inbound updates whose foreign-key targets have not
// arrived yet and releases them once the target is applied.
package deps

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/models"
)

// Stats is a snapshot of the tracker contents.
type Stats struct {
	// ByModel counts buffered updates per model type
	ByModel map[string]int `json:"by_model"`

	// DependencyCount is the number of distinct missing UUIDs
	DependencyCount int `json:"dependency_count"`

	// PendingCount is the total number of buffered updates
	PendingCount int `json:"pending_count"`
}

// Tracker maps a missing record UUID to the updates waiting for it.
// Resolution is keyed lookup, so an arrival never rescans the whole backlog.
type Tracker struct {
	waitingFor map[uuid.UUID][]models.BufferedUpdate
	logger     *slog.Logger
	mu         sync.RWMutex
	pending    int
}

// NewTracker создает пустой трекер зависимостей
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		waitingFor: make(map[uuid.UUID][]models.BufferedUpdate),
		logger:     logger,
	}
}

// AddDependency buffers update until missing is resolved.
func (t *Tracker) AddDependency(missing uuid.UUID, update models.BufferedUpdate) {
	t.mu.Lock()
	t.waitingFor[missing] = append(t.waitingFor[missing], update)
	t.pending++
	waiting := len(t.waitingFor[missing])
	t.mu.Unlock()

	t.logger.Debug("Buffered update on missing dependency",
		"missing_uuid", missing.String(),
		"model_type", update.ModelType(),
		"waiting", waiting)
}

// Resolve removes and returns the updates waiting for resolved in insertion
// order. Unknown UUIDs yield an empty slice.
func (t *Tracker) Resolve(resolved uuid.UUID) []models.BufferedUpdate {
	t.mu.Lock()
	updates, ok := t.waitingFor[resolved]
	if ok {
		delete(t.waitingFor, resolved)
		t.pending -= len(updates)
	}
	t.mu.Unlock()

	if !ok {
		return []models.BufferedUpdate{}
	}

	t.logger.Debug("Released buffered updates",
		"resolved_uuid", resolved.String(),
		"count", len(updates))

	return updates
}

// Waiting returns a copy of the updates currently waiting for id.
func (t *Tracker) Waiting(id uuid.UUID) []models.BufferedUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	updates := t.waitingFor[id]
	result := make([]models.BufferedUpdate, len(updates))
	copy(result, updates)
	return result
}

// Stats returns counts for observability.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byModel := make(map[string]int)
	for _, updates := range t.waitingFor {
		for _, u := range updates {
			byModel[u.ModelType()]++
		}
	}

	return Stats{
		DependencyCount: len(t.waitingFor),
		PendingCount:    t.pending,
		ByModel:         byModel,
	}
}

// DependencyCount returns the number of distinct missing UUIDs.
func (t *Tracker) DependencyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.waitingFor)
}

// PendingCount returns the number of buffered updates.
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending
}

// IsEmpty reports whether nothing is buffered.
func (t *Tracker) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.waitingFor) == 0
}

// ClearAll discards every buffered update and returns how many were dropped.
// Only an explicit operator or timeout policy should call it.
func (t *Tracker) ClearAll() int {
	t.mu.Lock()
	discarded := t.pending
	dependencies := len(t.waitingFor)
	t.waitingFor = make(map[uuid.UUID][]models.BufferedUpdate)
	t.pending = 0
	t.mu.Unlock()

	if discarded > 0 {
		t.logger.Warn("Discarded buffered updates with unresolved dependencies",
			"discarded", discarded,
			"dependencies", dependencies)
	}

	return discarded
}
