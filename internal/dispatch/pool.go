// Package dispatch provides a fixed-size worker pool with per-tag
// serialisation: at most one worker executes jobs for any given tag at
// a time, while jobs for distinct tags run concurrently.
package dispatch

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Job is a unit of work submitted to the pool.
type Job func()

type task struct {
	tag string
	fn  Job
}

// Pool is a tag-serialising worker pool.
//
// Each worker drains its private queue before taking from the shared
// queue. When a worker pops a shared job whose tag is currently running
// on another worker, it hands the job to that worker's private queue,
// preserving per-tag FIFO order.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	shared  []task
	private [][]task
	// workingTag maps a tag to the worker index currently executing it.
	workingTag map[string]int
	// affinity pins tags to a designated worker.
	affinity map[string]int
	closed   bool

	wg sync.WaitGroup
}

// NewPool creates and starts a pool with the given number of workers.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		logger:     logger,
		private:    make([][]task, workers),
		workingTag: make(map[string]int),
		affinity:   make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return len(p.private)
}

// Pin routes all future jobs for the tag into the given worker's
// private queue, bypassing the shared queue.
func (p *Pool) Pin(tag string, worker int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if worker >= 0 && worker < len(p.private) {
		p.affinity[tag] = worker
	}
}

// Submit enqueues a job under a tag. Jobs with equal tags execute in
// submission order, never concurrently. Submitting to a closed pool
// drops the job.
func (p *Pool) Submit(tag string, fn Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if worker, ok := p.affinity[tag]; ok {
		p.private[worker] = append(p.private[worker], task{tag: tag, fn: fn})
	} else {
		p.shared = append(p.shared, task{tag: tag, fn: fn})
	}
	p.cond.Broadcast()
}

// QueueDepths reports the shared queue length and each worker's private
// queue length, for health reporting.
func (p *Pool) QueueDepths() (shared int, private []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	private = make([]int, len(p.private))
	for i := range p.private {
		private[i] = len(p.private[i])
	}
	return len(p.shared), private
}

// Close stops the pool after draining all queued jobs. It blocks until
// every worker has exited.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		t, ok := p.next(idx)
		for !ok {
			if p.closed && len(p.shared) == 0 && len(p.private[idx]) == 0 {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
			t, ok = p.next(idx)
		}
		p.workingTag[t.tag] = idx
		p.mu.Unlock()

		p.run(t)

		p.mu.Lock()
		delete(p.workingTag, t.tag)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// next pops the next runnable task for the worker. Caller holds the
// lock. Shared jobs whose tag is busy on another worker are re-routed
// to that worker's private queue.
func (p *Pool) next(idx int) (task, bool) {
	if len(p.private[idx]) > 0 {
		t := p.private[idx][0]
		if owner, busy := p.workingTag[t.tag]; busy && owner != idx {
			// Another worker still owns the tag; leave the job queued.
			return task{}, false
		}
		p.private[idx] = p.private[idx][1:]
		return t, true
	}

	for len(p.shared) > 0 {
		t := p.shared[0]
		p.shared = p.shared[1:]
		if owner, busy := p.workingTag[t.tag]; busy {
			p.private[owner] = append(p.private[owner], t)
			continue
		}
		return t, true
	}
	return task{}, false
}

// run executes a job, capturing panics so a crashing job cannot take
// down its worker.
func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				slog.String("tag", t.tag),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	t.fn()
}
