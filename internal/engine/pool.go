package engine

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/logger"
)

// workerPool hosts runner goroutines on a fixed number of slots. Slots are
// self-healing: a panicking runner is logged and the slot keeps serving, so
// one broken driver never shrinks the pool.
type workerPool struct {
	size   int
	jobs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *logger.Logger
}

func newWorkerPool(size int, log *logger.Logger) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{
		size:   size,
		jobs:   make(chan func()),
		stopCh: make(chan struct{}),
		logger: log,
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.slot(i)
	}
}

func (p *workerPool) slot(id int) {
	defer p.wg.Done()
	defer func() {
		// runJob recovers runner panics, so this only fires if the slot
		// machinery itself blew up. Respawn rather than shrink the pool.
		if r := recover(); r != nil {
			p.logger.Error("worker slot crashed, respawning",
				zap.Int("slot", id),
				zap.Any("panic", r))
			p.wg.Add(1)
			go p.slot(id)
		}
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.runJob(id, job)
		}
	}
}

func (p *workerPool) runJob(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("runner panicked",
				zap.Int("slot", id),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// submit hands a job to a free slot, blocking until one accepts. It returns
// false once the pool has stopped.
func (p *workerPool) submit(job func()) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *workerPool) stop() {
	close(p.stopCh)
}

func (p *workerPool) wait() {
	p.wg.Wait()
}
