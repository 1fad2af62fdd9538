package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskmill/metrics"
	"taskmill/model"
	"taskmill/queue"
	"taskmill/retry"
)

// Queue is the part of *queue.TaskQueue a worker drives.
type Queue interface {
	Take(ctx context.Context) (*model.Task, error)
	ExtendVisibility(ctx context.Context, task *model.Task) error
	Delete(ctx context.Context, task *model.Task) error
	Requeue(ctx context.Context, task *model.Task) error
}

// Putter receives tasks that ran out of attempts.
type Putter interface {
	Put(ctx context.Context, task *model.Task) error
}

// Pool runs workers that take tasks, process them, and then delete or
// requeue them. A processor may see the same task more than once.
type Pool struct {
	queue        Queue
	deadLetter   Putter
	processors   map[model.Kind]Processor
	retrier      *retry.Retrier
	pollInterval time.Duration
	maxAttempts  int

	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Pool)

func WithDeadLetter(p Putter) Option {
	return func(pool *Pool) { pool.deadLetter = p }
}

func WithRetrier(r *retry.Retrier) Option {
	return func(pool *Pool) { pool.retrier = r }
}

// WithPollInterval sets how long a worker sleeps after finding the queue
// empty or failing to reach it.
func WithPollInterval(d time.Duration) Option {
	return func(pool *Pool) { pool.pollInterval = d }
}

// WithMaxAttempts sets how many failed runs a task gets before it is
// dead-lettered, or dropped when no dead letter queue is configured.
func WithMaxAttempts(n int) Option {
	return func(pool *Pool) { pool.maxAttempts = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(pool *Pool) { pool.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(pool *Pool) { pool.metrics = m }
}

func New(q Queue, processors map[model.Kind]Processor, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		processors:   processors,
		pollInterval: 2 * time.Second,
		maxAttempts:  3,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retrier == nil {
		p.retrier = retry.New(retry.WithLogger(p.log))
	}
	p.log = p.log.With("component", "worker")
	return p
}

// Start launches workerCount workers that run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, workerCount int, wg *sync.WaitGroup) {
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.run(ctx, id)
		}(i + 1)
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		default:
		}

		err := p.Poll(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmptyQueue):
			sleep(ctx, p.pollInterval)
		case errors.Is(err, queue.ErrMalformedMessage):
			log.Warn("skipped malformed message", "error", err)
		case ctx.Err() != nil:
		default:
			log.Error("take failed", "error", err)
			sleep(ctx, p.pollInterval)
		}
	}
}

// Poll takes one task and handles it to completion. It returns the Take
// error, including queue.ErrEmptyQueue; failures after a task is leased are
// logged and resolved by requeueing or dead-lettering.
func (p *Pool) Poll(ctx context.Context) error {
	task, err := p.queue.Take(ctx)
	if err != nil {
		return err
	}

	log := p.log.With("task", task)
	start := time.Now()
	err = p.process(ctx, task)
	p.metrics.TaskProcessed(string(task.Kind), time.Since(start), err, task.Attempts+1)

	if err == nil {
		if err := p.remote(func() error { return p.queue.Delete(ctx, task) }); err != nil {
			if errors.Is(err, queue.ErrLeaseInvalid) {
				log.Warn("task completed but lease was lost; it may run again", "error", err)
			} else {
				log.Error("task completed but could not be deleted", "error", err)
			}
		}
		return nil
	}

	log.Warn("task failed", "attempt", task.Attempts+1, "error", err)
	p.fail(ctx, task, log)
	return nil
}

func (p *Pool) fail(ctx context.Context, task *model.Task, log *slog.Logger) {
	if task.Attempts+1 < p.maxAttempts {
		if err := p.remote(func() error { return p.queue.Requeue(ctx, task) }); err != nil {
			log.Error("failed to requeue task", "error", err)
		}
		return
	}

	if p.deadLetter != nil {
		dead := task.Unleased()
		dead.Attempts++
		if err := p.remote(func() error { return p.deadLetter.Put(ctx, dead) }); err != nil {
			log.Error("failed to dead-letter task, leaving it for redelivery", "error", err)
			return
		}
		p.metrics.TaskDeadLettered(string(task.Kind))
		log.Error("task exhausted its attempts and was dead-lettered", "attempts", dead.Attempts)
	} else {
		log.Error("task exhausted its attempts and was dropped", "attempts", task.Attempts+1)
	}

	if err := p.remote(func() error { return p.queue.Delete(ctx, task) }); err != nil {
		log.Warn("failed to delete exhausted task", "error", err)
	}
}

// process runs the task's processor while keeping its lease alive.
func (p *Pool) process(ctx context.Context, task *model.Task) error {
	proc, ok := p.processors[task.Kind]
	if !ok {
		return fmt.Errorf("no processor for kind %q", task.Kind)
	}

	workCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.keepAlive(workCtx, task)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return proc.Process(workCtx, task)
}

// keepAlive extends the lease every half visibility timeout until ctx is
// done or the lease is lost.
func (p *Pool) keepAlive(ctx context.Context, task *model.Task) {
	interval := task.VisibilityTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.ExtendVisibility(ctx, task)
			if errors.Is(err, queue.ErrLeaseInvalid) {
				p.log.Warn("lease lost while processing", "task", task)
				return
			}
			if err != nil && ctx.Err() == nil {
				p.log.Warn("failed to extend lease", "task", task, "error", err)
			}
		}
	}
}

// remote retries fn on remote failures. A lost lease is returned at once.
func (p *Pool) remote(fn func() error) error {
	var leaseErr error
	err := p.retrier.Do(func() error {
		err := fn()
		if errors.Is(err, queue.ErrLeaseInvalid) {
			leaseErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return leaseErr
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
