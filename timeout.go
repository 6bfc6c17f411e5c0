package sec

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// TimerKind distinguishes step deadlines from delayed retries.
type TimerKind int

const (
	// TimerDeadline fires when a dispatched command has not been answered in time.
	TimerDeadline TimerKind = iota
	// TimerRetry fires when a retry's backoff has elapsed and the command is due.
	TimerRetry
	// TimerStart fires for a CREATED instance whose first step has not been
	// handed to a worker yet.
	TimerStart
)

func (k TimerKind) String() string {
	switch k {
	case TimerDeadline:
		return "deadline"
	case TimerRetry:
		return "retry"
	case TimerStart:
		return "start"
	default:
		return "unknown"
	}
}

// Timer is one scheduled wake-up for the in-flight command of an instance.
type Timer struct {
	InstanceID   uuid.UUID
	Kind         TimerKind
	StepName     string
	Attempt      int
	Compensation bool
	Due          time.Time
}

type timerKey struct {
	instanceID uuid.UUID
	kind       TimerKind
}

func (t Timer) key() timerKey {
	return timerKey{t.InstanceID, t.Kind}
}

func timerLess(a, b Timer) bool {
	if !a.Due.Equal(b.Due) {
		return a.Due.Before(b.Due)
	}
	if a.InstanceID != b.InstanceID {
		return a.InstanceID.String() < b.InstanceID.String()
	}
	return a.Kind < b.Kind
}

// TimeoutManager keeps at most one timer per (instance, kind) in a single
// index sorted by due time and sweeps it periodically, instead of running a
// timer per saga.
type TimeoutManager struct {
	interval time.Duration
	fire     func(Timer)
	now      func() time.Time

	mu    sync.Mutex
	index *btree.BTreeG[Timer]
	byKey map[timerKey]Timer
}

// NewTimeoutManager creates a manager that sweeps every interval and calls
// fire for each expired timer. fire runs on the sweeping goroutine.
func NewTimeoutManager(interval time.Duration, fire func(Timer)) *TimeoutManager {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &TimeoutManager{
		interval: interval,
		fire:     fire,
		now:      time.Now,
		index:    btree.NewBTreeG[Timer](timerLess),
		byKey:    make(map[timerKey]Timer),
	}
}

// Schedule arms t, replacing any timer of the same kind for the instance.
func (m *TimeoutManager) Schedule(t Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byKey[t.key()]; ok {
		m.index.Delete(prev)
	}
	m.byKey[t.key()] = t
	m.index.Set(t)
}

// Cancel disarms the instance's timer of the given kind.
func (m *TimeoutManager) Cancel(instanceID uuid.UUID, kind TimerKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(timerKey{instanceID, kind})
}

// CancelAll disarms every timer of the instance.
func (m *TimeoutManager) CancelAll(instanceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(timerKey{instanceID, TimerDeadline})
	m.cancelLocked(timerKey{instanceID, TimerRetry})
	m.cancelLocked(timerKey{instanceID, TimerStart})
}

func (m *TimeoutManager) cancelLocked(key timerKey) {
	if prev, ok := m.byKey[key]; ok {
		m.index.Delete(prev)
		delete(m.byKey, key)
	}
}

// Pending returns the armed timer of the given kind for the instance.
func (m *TimeoutManager) Pending(instanceID uuid.UUID, kind TimerKind) (Timer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[timerKey{instanceID, kind}]
	return t, ok
}

// Len returns the number of armed timers.
func (m *TimeoutManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index.Len()
}

// Sweep removes every timer due at or before now and fires it, in due order.
// It returns the number of timers fired.
func (m *TimeoutManager) Sweep(now time.Time) int {
	m.mu.Lock()
	expired := make([]Timer, 0)
	for {
		t, ok := m.index.Min()
		if !ok || t.Due.After(now) {
			break
		}
		m.index.Delete(t)
		delete(m.byKey, t.key())
		expired = append(expired, t)
	}
	m.mu.Unlock()

	for _, t := range expired {
		m.fire(t)
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (m *TimeoutManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}
