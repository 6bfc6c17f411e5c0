package sec

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// workerPool runs work items on a fixed set of goroutines. Items for the same
// instance always land on the same worker, so handling of one instance is
// strictly sequential while different instances proceed in parallel.
type workerPool struct {
	log    *zap.Logger
	queues []chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newWorkerPool(log *zap.Logger, workers, queueSize int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &workerPool{
		log:    log,
		queues: make([]chan func(), workers),
	}
	for i := range p.queues {
		q := make(chan func(), queueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go p.run(i, q)
	}
	return p
}

func (p *workerPool) run(worker int, q <-chan func()) {
	defer p.wg.Done()
	for fn := range q {
		p.safely(worker, fn)
	}
}

func (p *workerPool) safely(worker int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("saga work item panicked", zap.Int("worker", worker), zap.Any("panic", r))
		}
	}()
	fn()
}

// partition maps an instance to its worker.
func (p *workerPool) partition(id uuid.UUID) int {
	return int(xxhash.Sum64(id[:]) % uint64(len(p.queues)))
}

// submit enqueues fn on the instance's worker. It blocks while the queue is
// full, until ctx is done.
func (p *workerPool) submit(ctx context.Context, id uuid.UUID, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrCoordinatorClosed
	}
	select {
	case p.queues[p.partition(id)] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySubmit enqueues fn without blocking and reports whether it was queued.
func (p *workerPool) trySubmit(id uuid.UUID, fn func()) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, ErrCoordinatorClosed
	}
	select {
	case p.queues[p.partition(id)] <- fn:
		return true, nil
	default:
		return false, nil
	}
}

func (p *workerPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// close stops accepting work, drains the queues and waits for the workers.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
