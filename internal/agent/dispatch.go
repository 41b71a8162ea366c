package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chimein/internal/domain"
	"chimein/internal/metrics"
)

var (
	ErrQueueClosed = errors.New("dispatch queue closed")
	ErrQueueFull   = errors.New("dispatch queue full")
)

// JobProcessor handles one dequeued job. OnFailure is called for a failed
// direct job so the user hears back.
type JobProcessor interface {
	Process(ctx context.Context, job domain.DispatchJob) error
	OnFailure(ctx context.Context, job domain.DispatchJob, err error)
}

type QueueConfig struct {
	Processor JobProcessor
	Delay     time.Duration // pause between consecutive jobs
	Capacity  int           // 0 means unbounded
	Logger    *slog.Logger
}

// Queue is a FIFO of dispatch jobs drained by at most one worker goroutine.
// A worker starts on the first enqueue into an idle queue and exits when the
// queue is empty, so no two jobs are ever processed concurrently.
type Queue struct {
	proc     JobProcessor
	delay    time.Duration
	capacity int
	logger   *slog.Logger

	mu       sync.Mutex
	jobs     []domain.DispatchJob
	draining bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		proc:     cfg.Processor,
		delay:    cfg.Delay,
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends job and starts a worker if none is draining.
func (q *Queue) Enqueue(job domain.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.jobs) >= q.capacity {
		return ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	metrics.QueueDepth.Set(int64(len(q.jobs)))

	q.logger.Debug("job enqueued", "job_id", job.ID, "kind", job.Kind, "channel_id", job.ChannelID, "depth", len(q.jobs))

	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	return nil
}

// Len returns the number of jobs waiting, excluding one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 || q.closed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = domain.DispatchJob{}
		q.jobs = q.jobs[1:]
		metrics.QueueDepth.Set(int64(len(q.jobs)))
		q.mu.Unlock()

		q.run(job)

		q.mu.Lock()
		more := len(q.jobs) > 0 && !q.closed
		q.mu.Unlock()
		if !more || q.delay <= 0 {
			continue
		}

		t := time.NewTimer(q.delay)
		select {
		case <-t.C:
		case <-q.ctx.Done():
			t.Stop()
		}
	}
}

func (q *Queue) run(job domain.DispatchJob) {
	start := time.Now()
	err := q.process(job)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		q.logger.Error("dispatch job failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"channel_id", job.ChannelID,
			"err", err,
		)
		if job.Kind == domain.JobDirect {
			q.proc.OnFailure(q.ctx, job, err)
		}
	} else {
		q.logger.Debug("dispatch job done", "job_id", job.ID, "kind", job.Kind, "duration", time.Since(start))
	}
	metrics.JobFinished(string(job.Kind), outcome)
}

func (q *Queue) process(job domain.DispatchJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing job: %v", r)
		}
	}()
	return q.proc.Process(q.ctx, job)
}

// Shutdown stops accepting jobs, discards those not yet started and waits for
// the in-flight job to finish or ctx to expire. The in-flight job's context is
// cancelled only when ctx expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := len(q.jobs)
	q.jobs = nil
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("dispatch queue closed, dropping pending jobs", "dropped", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
