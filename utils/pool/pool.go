package pool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/wanghenshui/Tendis/utils/log"
)

const defaultQueueDepth = 1024

// Matrix collects counters of a pool's lifetime activity. One Matrix may be
// shared by several pools when their work belongs to the same class.
type Matrix struct {
	Scheduled uint64
	Executed  uint64
}

func (m *Matrix) markScheduled() { atomic.AddUint64(&m.Scheduled, 1) }
func (m *Matrix) markExecuted()  { atomic.AddUint64(&m.Executed, 1) }

// Snapshot returns a point-in-time copy of the counters.
func (m *Matrix) Snapshot() Matrix {
	return Matrix{
		Scheduled: atomic.LoadUint64(&m.Scheduled),
		Executed:  atomic.LoadUint64(&m.Executed),
	}
}

// WorkerPool runs scheduled jobs on a fixed number of goroutines. A stopped
// pool drains queued jobs before Stop returns.
type WorkerPool struct {
	name   string
	matrix *Matrix

	mu      sync.Mutex
	started bool
	jobs    chan func()
	wg      sync.WaitGroup
}

func NewWorkerPool(name string, matrix *Matrix) *WorkerPool {
	if matrix == nil {
		matrix = &Matrix{}
	}
	return &WorkerPool{
		name:   name,
		matrix: matrix,
	}
}

func (p *WorkerPool) Name() string { return p.name }

// Startup spawns n workers. It fails on a non-positive width or a double
// start.
func (p *WorkerPool) Startup(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		return errors.Errorf("pool %s: invalid worker count %d", p.name, n)
	}
	if p.started {
		return errors.Errorf("pool %s: already started", p.name)
	}
	p.jobs = make(chan func(), defaultQueueDepth)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
				p.matrix.markExecuted()
			}
		}()
	}
	p.started = true
	log.Debug("pool %s started with %d workers", p.name, n)
	return nil
}

// Schedule enqueues a job. Blocks when the queue is full; the dispatcher
// bounds outstanding jobs per slot, so the queue only fills under gross
// misconfiguration.
func (p *WorkerPool) Schedule(job func()) {
	p.mu.Lock()
	ch := p.jobs
	started := p.started
	p.mu.Unlock()
	if !started {
		log.Error("pool %s: schedule on a stopped pool", p.name)
		return
	}
	p.matrix.markScheduled()
	ch <- job
}

// Stop closes the queue and waits for in-flight and queued jobs to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	log.Debug("pool %s stopped", p.name)
}
