package ingest

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/vas-ingest/pkg/logger"
)

// Restart pacing. A burst of unhealthy cameras must not stampede the router
// with simultaneous transport teardown/rebuild cycles, so every recovery
// restart flows through one rate-limited queue. First-time restarts jump
// ahead of repeat attempts for cameras that keep failing.

const restartExecTimeout = 60 * time.Second

// restartTicket is one queued restart with its response channel.
type restartTicket struct {
	roomID    string
	attempt   int
	timestamp time.Time
	response  chan error
	execute   func() error
	priority  int
	index     int
}

type ticketHeap []*restartTicket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	// FIFO within the same priority.
	return h[i].timestamp.Before(h[j].timestamp)
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	t := x.(*restartTicket)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]
	return t
}

// RestartQueue serializes and paces recovery restarts across all cameras.
type RestartQueue struct {
	logger  *logger.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	heap   ticketHeap
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats struct {
		mu            sync.RWMutex
		totalEnqueued int64
		totalExecuted int64
		totalFailed   int64
	}
}

// NewRestartQueue creates a queue pacing restarts at the given per-minute
// rate with no bursting.
func NewRestartQueue(perMinute float64, log *logger.Logger) *RestartQueue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &RestartQueue{
		logger:  log,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		ctx:     ctx,
		cancel:  cancel,
		heap:    make(ticketHeap, 0),
	}
	heap.Init(&q.heap)
	return q
}

// Start begins the worker loop.
func (q *RestartQueue) Start() {
	q.wg.Add(1)
	go q.workerLoop()
	q.logger.Info("restart queue started")
}

// Stop shuts the worker down and fails pending tickets with cancellation.
func (q *RestartQueue) Stop() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	drained := len(q.heap)
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*restartTicket)
		select {
		case t.response <- context.Canceled:
		default:
		}
		close(t.response)
	}
	q.mu.Unlock()

	q.logger.Info("restart queue stopped", "drained", drained)
}

// Submit enqueues a restart and blocks until it runs or the queue stops.
// attempt orders tickets: attempt 1 outranks retries of other cameras.
func (q *RestartQueue) Submit(roomID string, attempt int, execute func() error) error {
	t := &restartTicket{
		roomID:    roomID,
		attempt:   attempt,
		timestamp: time.Now(),
		response:  make(chan error, 1),
		execute:   execute,
		priority:  attempt,
	}

	q.mu.Lock()
	heap.Push(&q.heap, t)
	depth := q.heap.Len()
	q.mu.Unlock()

	q.updateStats(func() { q.stats.totalEnqueued++ })
	q.logger.DebugHealth("restart enqueued", "room_id", roomID, "attempt", attempt, "queue_depth", depth)

	select {
	case err := <-t.response:
		return err
	case <-q.ctx.Done():
		return context.Canceled
	}
}

func (q *RestartQueue) workerLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processNext()
		}
	}
}

func (q *RestartQueue) processNext() {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return
	}
	t := heap.Pop(&q.heap).(*restartTicket)
	q.mu.Unlock()

	if err := q.limiter.Wait(q.ctx); err != nil {
		t.response <- err
		close(t.response)
		return
	}

	started := time.Now()
	err := q.run(t)

	q.updateStats(func() {
		q.stats.totalExecuted++
		if err != nil {
			q.stats.totalFailed++
		}
	})

	q.logger.Info("restart executed",
		"room_id", t.roomID,
		"attempt", t.attempt,
		"duration_ms", time.Since(started).Milliseconds(),
		"success", err == nil,
		"error", err)

	t.response <- err
	close(t.response)
}

func (q *RestartQueue) run(t *restartTicket) error {
	if t.execute == nil {
		return errors.New("restart execute function is nil")
	}

	ctx, cancel := context.WithTimeout(q.ctx, restartExecTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- t.execute()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("restart timed out after %s: %w", restartExecTimeout, ctx.Err())
	}
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	QueueDepth    int
	TotalEnqueued int64
	TotalExecuted int64
	TotalFailed   int64
}

// Stats returns current counters.
func (q *RestartQueue) Stats() QueueStats {
	q.mu.Lock()
	depth := q.heap.Len()
	q.mu.Unlock()

	q.stats.mu.RLock()
	defer q.stats.mu.RUnlock()
	return QueueStats{
		QueueDepth:    depth,
		TotalEnqueued: q.stats.totalEnqueued,
		TotalExecuted: q.stats.totalExecuted,
		TotalFailed:   q.stats.totalFailed,
	}
}

func (q *RestartQueue) updateStats(fn func()) {
	q.stats.mu.Lock()
	defer q.stats.mu.Unlock()
	fn()
}
