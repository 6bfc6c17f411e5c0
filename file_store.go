package sec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore is a StateStore that keeps each instance as a JSON file on disk.
// Writes go to a temporary file that is renamed into place, so a crash never
// leaves a half-written instance behind.
type FileStore struct {
	basePath string
	mu       sync.Mutex // serialises read-modify-write cycles
}

// NewFileStore creates a file-based store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (f *FileStore) Create(ctx context.Context, inst *SagaInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.filename(inst.ID)); err == nil {
		return fmt.Errorf("%w: %s", ErrInstanceExists, inst.ID)
	}
	now := time.Now()
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	return f.write(inst)
}

func (f *FileStore) CompareAndSwap(ctx context.Context, inst *SagaInstance, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.read(inst.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, inst.ID, stored.Status)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, inst.ID, stored.Version, expectedVersion)
	}

	next := inst.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()
	if err := f.write(next); err != nil {
		return err
	}
	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	return nil
}

func (f *FileStore) Load(ctx context.Context, id uuid.UUID) (*SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(id)
}

func (f *FileStore) LoadActive(ctx context.Context) ([]*SagaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	active := make([]*SagaInstance, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		inst, err := f.read(id)
		if err != nil {
			return nil, err
		}
		if !inst.Status.Terminal() {
			active = append(active, inst)
		}
	}
	sortByCreation(active)
	return active, nil
}

func (f *FileStore) read(id uuid.UUID) (*SagaInstance, error) {
	data, err := os.ReadFile(f.filename(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var inst SagaInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &inst, nil
}

func (f *FileStore) write(inst *SagaInstance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(f.basePath, ".saga-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.filename(inst.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move state file into place: %w", err)
	}
	return nil
}

// filename returns the full path for an instance's state file.
func (f *FileStore) filename(id uuid.UUID) string {
	return filepath.Join(f.basePath, id.String()+".json")
}
