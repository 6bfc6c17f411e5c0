package sec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateStore is the durable, versioned storage of saga instances and the
// single source of truth for the coordinator.
//
// Implementations must make CompareAndSwap atomic: the write succeeds only if
// the stored version equals expectedVersion and the stored status is not
// terminal. On success the stored (and the passed) instance carries version
// expectedVersion+1.
type StateStore interface {
	// Create persists a new instance. The instance's Version is set to 1.
	Create(ctx context.Context, inst *SagaInstance) error

	// CompareAndSwap replaces the instance if its stored version matches.
	// Returns ErrVersionConflict, ErrTerminalState or ErrInstanceNotFound.
	CompareAndSwap(ctx context.Context, inst *SagaInstance, expectedVersion int64) error

	// Load returns the instance or ErrInstanceNotFound.
	Load(ctx context.Context, id uuid.UUID) (*SagaInstance, error)

	// LoadActive returns every non-terminal instance.
	LoadActive(ctx context.Context) ([]*SagaInstance, error)
}

// MemoryStore is an in-process StateStore, for tests and single-process use
// where durability is not required.
type MemoryStore struct {
	instances map[uuid.UUID]*SagaInstance
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[uuid.UUID]*SagaInstance),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inst *SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.ID]; exists {
		return fmt.Errorf("%w: %s", ErrInstanceExists, inst.ID)
	}
	now := time.Now()
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	// Store a copy to avoid external modifications
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, inst *SagaInstance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.instances[inst.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, inst.ID)
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, inst.ID, stored.Status)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, inst.ID, stored.Version, expectedVersion)
	}

	inst.Version = expectedVersion + 1
	inst.UpdatedAt = time.Now()
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id uuid.UUID) (*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.instances[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) LoadActive(ctx context.Context) ([]*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*SagaInstance, 0)
	for _, inst := range m.instances {
		if !inst.Status.Terminal() {
			active = append(active, inst.Clone())
		}
	}
	sortByCreation(active)
	return active, nil
}

func sortByCreation(instances []*SagaInstance) {
	sort.Slice(instances, func(a, b int) bool {
		if instances[a].CreatedAt.Equal(instances[b].CreatedAt) {
			return instances[a].ID.String() < instances[b].ID.String()
		}
		return instances[a].CreatedAt.Before(instances[b].CreatedAt)
	})
}
