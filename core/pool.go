package core

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"

	apperrors "github.com/Skryldev/raw-processor/errors"
)

// responseBuffer is the per-task channel capacity. One slot is always kept
// free for the terminal response.
const responseBuffer = 8

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Workers             int  // explicit size; 0 = derive from HardwareConcurrency
	HardwareConcurrency int  // logical CPUs reported by the host
	SafeTransfer        bool // false forces a single sequential worker
	QueueSize           int  // max queued tasks; 0 = unbounded
}

// PoolSize returns clamp(hardwareConcurrency-1, 2, 4), or 1 with the
// single-worker flag when buffers cannot be handed off safely.
func PoolSize(hardwareConcurrency int, safeTransfer bool) (size int, singleWorker bool) {
	if !safeTransfer {
		return 1, true
	}
	return lo.Clamp(hardwareConcurrency-1, 2, 4), false
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	TotalWorkers         int
	ActiveWorkers        int
	QueueLength          int
	SingleWorkerFallback bool
	RetiredWorkers       int
}

// WorkerPool runs tasks on a bounded set of workers, highest priority first.
// It is safe for concurrent use.
type WorkerPool struct {
	handler TaskHandler
	logger  Logger

	mu         sync.Mutex
	cond       *sync.Cond
	queue      taskQueue
	seq        uint64
	queueLimit int
	size       int
	single     bool
	live       int
	active     int
	retired    int
	closed     bool

	wg   sync.WaitGroup
	once sync.Once

	processedCount int64
	errorCount     int64
}

// NewWorkerPool creates a pool. Call Start before expecting progress and
// Terminate when done.
func NewWorkerPool(cfg PoolConfig, h TaskHandler) *WorkerPool {
	size, single := PoolSize(cfg.HardwareConcurrency, cfg.SafeTransfer)
	if cfg.Workers > 0 && !single {
		size = cfg.Workers
	}
	p := &WorkerPool{
		handler:    h,
		logger:     NopLogger{},
		queueLimit: cfg.QueueSize,
		size:       size,
		single:     single,
		live:       size,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetLogger attaches a structured logger.
func (p *WorkerPool) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

// Start launches the workers.  It is idempotent.
func (p *WorkerPool) Start() {
	p.once.Do(func() {
		p.logger.Info("pool.start", "workers", p.size, "single_worker_fallback", p.single)
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Terminate fails every queued task with ErrPoolClosed, lets in-flight tasks
// finish, and waits for the workers to exit.
func (p *WorkerPool) Terminate() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.failQueued(apperrors.ErrPoolClosed)
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("pool.terminated")
}

// SubmitAsync queues task and returns a channel that receives progress
// responses followed by exactly one terminal response, after which it is
// closed. Buffers in the payload are moved into the pool.
func (p *WorkerPool) SubmitAsync(task Task) (<-chan Response, error) {
	if task.Payload == nil {
		return nil, apperrors.New(apperrors.CategoryInput, "pool.submit", apperrors.ErrEmptyInput)
	}
	if plan := task.Payload.plan(); plan != nil && plan.Tier == TierPreviewOnly {
		return nil, apperrors.WithCode(apperrors.CategoryMemory, apperrors.CodeOutOfMemory, "pool.submit",
			fmt.Errorf("%w: %s", apperrors.ErrMemoryBudget, plan.Reason))
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, apperrors.New(apperrors.CategoryWorker, "pool.submit", apperrors.ErrPoolClosed)
	case p.live == 0:
		return nil, apperrors.New(apperrors.CategoryWorker, "pool.submit", apperrors.ErrPoolExhausted)
	case p.queueLimit > 0 && len(p.queue) >= p.queueLimit:
		return nil, apperrors.New(apperrors.CategoryWorker, "pool.submit", apperrors.ErrWorkerPoolFull)
	}

	payload, err := task.Payload.take()
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, "pool.submit", err)
	}
	task.Payload = payload

	out := make(chan Response, responseBuffer)
	p.seq++
	heap.Push(&p.queue, &queuedTask{task: task, seq: p.seq, out: out})
	p.cond.Signal()
	p.logger.Debug("pool.task.queued", "id", task.ID, "kind", payload.Kind(), "priority", task.Priority)
	return out, nil
}

// Submit queues task and waits for its terminal response. Cancelling ctx
// abandons the wait only; the worker still completes the task.
func (p *WorkerPool) Submit(ctx context.Context, task Task) (Response, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	ch, err := p.SubmitAsync(task)
	if err != nil {
		return Response{ID: task.ID, Err: err}, err
	}
	for {
		select {
		case r := <-ch:
			if !r.Terminal() {
				continue
			}
			if !r.Success {
				return r, r.Err
			}
			return r, nil
		case <-ctx.Done():
			return Response{ID: task.ID, Err: ctx.Err()},
				apperrors.Wrap(apperrors.CategoryPipeline, "pool.submit", ctx.Err())
		}
	}
}

// Stats returns the current pool state.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		TotalWorkers:         p.live,
		ActiveWorkers:        p.active,
		QueueLength:          len(p.queue),
		SingleWorkerFallback: p.single,
		RetiredWorkers:       p.retired,
	}
}

// ProcessedCount returns the number of tasks that completed successfully.
func (p *WorkerPool) ProcessedCount() int64 { return atomic.LoadInt64(&p.processedCount) }

// ErrorCount returns the number of tasks that ended in an error.
func (p *WorkerPool) ErrorCount() int64 { return atomic.LoadInt64(&p.errorCount) }

// ── worker internals ──────────────────────────────────────────────────────────

func (p *WorkerPool) worker(slot int) {
	defer p.wg.Done()
	for {
		qt := p.next()
		if qt == nil {
			return
		}
		fatal := p.run(slot, qt)

		p.mu.Lock()
		p.active--
		if fatal {
			p.live--
			p.retired++
			p.logger.Error("pool.worker.retired", "slot", slot, "remaining", p.live)
			if p.live == 0 {
				p.failQueued(apperrors.ErrPoolExhausted)
			}
		}
		p.mu.Unlock()
		if fatal {
			return
		}
	}
}

// next blocks until a task is available or the pool is closed.
func (p *WorkerPool) next() *queuedTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil
	}
	qt := heap.Pop(&p.queue).(*queuedTask)
	p.active++
	return qt
}

// run executes one task and reports whether the worker context is unusable.
func (p *WorkerPool) run(slot int, qt *queuedTask) (fatal bool) {
	id := qt.task.ID
	defer func() {
		if r := recover(); r != nil {
			err := apperrors.WithCode(apperrors.CategoryWorker, apperrors.CodeWorkerCrash, "pool.worker",
				fmt.Errorf("%w: %v", apperrors.ErrWorkerFatal, r))
			atomic.AddInt64(&p.errorCount, 1)
			qt.finish(Response{ID: id, Err: err})
			fatal = true
		}
	}()

	p.logger.Debug("pool.task.dispatched", "id", id, "slot", slot, "kind", qt.task.Payload.Kind())
	res, err := p.handler.Handle(context.Background(), qt.task, qt.progress)
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		p.logger.Warn("pool.task.failed", "id", id, "error", err.Error())
		qt.finish(Response{ID: id, Err: err})
		return errors.Is(err, apperrors.ErrWorkerFatal)
	}
	atomic.AddInt64(&p.processedCount, 1)
	qt.finish(Response{ID: id, Success: true, Result: res})
	return false
}

// failQueued ends every queued task with err. Caller holds p.mu.
func (p *WorkerPool) failQueued(err error) {
	for len(p.queue) > 0 {
		qt := heap.Pop(&p.queue).(*queuedTask)
		atomic.AddInt64(&p.errorCount, 1)
		qt.finish(Response{ID: qt.task.ID, Err: apperrors.New(apperrors.CategoryWorker, "pool.dispatch", err)})
	}
}

// ── priority queue ────────────────────────────────────────────────────────────

type queuedTask struct {
	task Task
	seq  uint64
	out  chan Response
}

func (q *queuedTask) progress(msg string) {
	if msg == "" {
		return
	}
	if len(q.out) < cap(q.out)-1 {
		q.out <- Response{ID: q.task.ID, Success: true, Progress: msg}
	}
}

func (q *queuedTask) finish(r Response) {
	q.out <- r
	close(q.out)
}

// taskQueue orders by descending priority, then submission order.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*queuedTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
