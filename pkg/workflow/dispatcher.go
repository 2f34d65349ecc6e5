package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// task asks a worker to dispatch one node of one run.
type task struct {
	RunID  string
	NodeID string
	Retry  bool // Dispatch a node waiting for its next attempt rather than a pending one
}

// Dispatcher runs tasks on a fixed pool of workers fed by a buffered queue. Tasks
// that do not fit in the queue wait in an overflow list, moved to the queue in order
// as workers free slots.
type Dispatcher struct {
	logger  *slog.Logger
	workers int
	queue   chan task
	handle  func(ctx context.Context, t task)

	mu       sync.Mutex
	overflow []task
	started  bool
	stopped bool
	timers  map[*time.Timer]struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, workers, queueSize int, handle func(ctx context.Context, t task)) *Dispatcher {
	return &Dispatcher{
		logger:  logger.With("module", "dispatcher"),
		workers: workers,
		queue:   make(chan task, queueSize),
		handle:  handle,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers. Tasks enqueued before Start wait in the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopped {
		return
	}

	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)

	for i := range d.workers {
		d.wg.Add(1)

		go d.work(ctx, i)
	}

	d.logger.InfoContext(ctx, "Dispatcher started", "workers", d.workers)
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.queue:
			d.mu.Lock()
			d.refill()
			d.mu.Unlock()

			d.logger.DebugContext(ctx, "Dispatching node", "worker", id, "run_id", t.RunID, "node_id", t.NodeID, "retry", t.Retry)
			d.handle(ctx, t)
		}
	}
}

// Enqueue adds a task without blocking the caller, which is often a worker itself.
func (d *Dispatcher) Enqueue(t task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	d.overflow = append(d.overflow, t)
	d.refill()

	return true
}

// refill moves overflow tasks into the queue while it has room. Callers hold mu.
func (d *Dispatcher) refill() {
	moved := 0

	for _, t := range d.overflow {
		select {
		case d.queue <- t:
			moved++

			continue
		default:
		}

		break
	}

	if moved == 0 {
		return
	}

	d.overflow = append(d.overflow[:0], d.overflow[moved:]...)
}

// Backlog returns the number of tasks waiting for a queue slot.
func (d *Dispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.overflow)
}

// EnqueueAfter adds a task once the delay elapsed.
func (d *Dispatcher) EnqueueAfter(delay time.Duration, t task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		d.mu.Unlock()

		d.Enqueue(t)
	})
	d.timers[timer] = struct{}{}

	return true
}

// Stop cancels pending timers, stops accepting tasks and waits for the workers to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()

		return
	}

	d.stopped = true
	d.overflow = nil

	for timer := range d.timers {
		timer.Stop()
	}

	d.timers = nil

	if d.cancel != nil {
		d.cancel()
	}

	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}
