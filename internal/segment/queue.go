package segment

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when no more requests can be queued.
	ErrQueueFull = errors.New("segmentation queue is full; try again later")
	// ErrQueueStopped is returned after Stop.
	ErrQueueStopped = errors.New("segmentation queue stopped")
)

// Job is one queued segmentation request.
type Job struct {
	Ticket uuid.UUID
	Image  image.Image
	Click  Point
	// Deliver receives the outcome. It is called from a worker goroutine.
	Deliver func(ticket uuid.UUID, cm *CategoryMask, err error)
}

// QueueConfig contains configuration for the request queue.
type QueueConfig struct {
	MaxConcurrent int           // Max concurrent model calls (default 1)
	QueueSize     int           // Pending requests (default 16)
	Timeout       time.Duration // Per-request timeout (default 30s)
}

// Queue runs segmentation requests on a fixed set of workers so that HTTP handlers
// never block on the model.
type Queue struct {
	cfg      QueueConfig
	seg      Segmenter
	log      *slog.Logger
	queue    chan *Job
	running  map[uuid.UUID]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  bool
}

// NewQueue creates a queue in front of seg. Call Start before submitting.
func NewQueue(seg Segmenter, cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		seg:     seg,
		log:     logger,
		queue:   make(chan *Job, cfg.QueueSize),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start starts the worker goroutines.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop cancels running requests and waits for the workers. Queued jobs are delivered
// ErrQueueStopped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		for _, cancel := range q.running {
			cancel()
		}
		close(q.queue)
		q.mu.Unlock()
		q.wg.Wait()
	})
}

// Submit enqueues job.
func (q *Queue) Submit(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts the running request for ticket. It reports whether one was running.
func (q *Queue) Cancel(ticket uuid.UUID) bool {
	q.mu.Lock()
	cancel, ok := q.running[ticket]
	q.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.queue {
		q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		job.Deliver(job.Ticket, nil, ErrQueueStopped)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	q.running[job.Ticket] = cancel
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.running, job.Ticket)
		q.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	cm, err := q.seg.Segment(ctx, job.Image, job.Click)
	if err != nil {
		q.log.Warn("segmentation failed",
			slog.String("ticket", job.Ticket.String()),
			slog.Duration("took", time.Since(start)),
			slog.Any("err", err))
	}
	job.Deliver(job.Ticket, cm, err)
}
