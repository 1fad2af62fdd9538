package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"taskmill/metrics"
	"taskmill/model"
)

// TaskQueue leases tasks to one consumer at a time on top of a Backend.
// Queue location and default visibility timeout are resolved once by New;
// a TaskQueue is safe for concurrent use.
//
// Delivery is at least once. A lease can expire while its holder is still
// working, in which case the backend hands the task to someone else, so
// processors must tolerate duplicates.
type TaskQueue struct {
	backend    Backend
	name       string
	url        string
	visibility time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*TaskQueue)

func WithLogger(l *slog.Logger) Option {
	return func(q *TaskQueue) { q.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *TaskQueue) { q.metrics = m }
}

// WithClock overrides the clock used to compute queueing latency.
func WithClock(now func() time.Time) Option {
	return func(q *TaskQueue) { q.now = now }
}

// New resolves the named queue on backend and reads its default visibility
// timeout.
func New(ctx context.Context, backend Backend, name string, opts ...Option) (*TaskQueue, error) {
	q := &TaskQueue{
		backend: backend,
		name:    name,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "queue", "queue", name)

	url, err := backend.QueueURL(ctx, name)
	if err != nil {
		return nil, remote("resolve queue url", err)
	}
	q.url = url

	attrs, err := backend.Attributes(ctx, url)
	if err != nil {
		return nil, remote("read queue attributes", err)
	}
	q.visibility = attrs.VisibilityTimeout
	return q, nil
}

func (q *TaskQueue) Name() string { return q.name }

// VisibilityTimeout is the lease duration stamped on every taken task.
func (q *TaskQueue) VisibilityTimeout() time.Duration { return q.visibility }

// Put enqueues a single task.
func (q *TaskQueue) Put(ctx context.Context, task *model.Task) error {
	body, err := Marshal(task)
	if err != nil {
		return err
	}
	if err := q.backend.Send(ctx, q.url, body); err != nil {
		return remote("send", err)
	}
	q.metrics.TaskPut(string(task.Kind))
	q.log.Info("task placed on queue", "task", task)
	return nil
}

// PutAll enqueues tasks in batches of at most MaxBatchSize. Every batch is
// attempted; each failed batch is reported as a *BatchError in the joined
// result. Order across batches is not preserved.
func (q *TaskQueue) PutAll(ctx context.Context, tasks []*model.Task) error {
	bodies := make([]string, 0, len(tasks))
	for _, t := range tasks {
		body, err := Marshal(t)
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
	}

	var errs []error
	group := 0
	for batch := range slices.Chunk(bodies, MaxBatchSize) {
		start := group * MaxBatchSize
		if err := q.backend.SendBatch(ctx, q.url, batch); err != nil {
			q.log.Error("batch send failed", "batch", group, "size", len(batch), "error", err)
			errs = append(errs, &BatchError{Group: group, Size: len(batch), Err: remote("send batch", err)})
		} else {
			for _, t := range tasks[start : start+len(batch)] {
				q.metrics.TaskPut(string(t.Kind))
			}
			q.log.Info("batch placed on queue", "batch", group, "size", len(batch))
		}
		group++
	}
	return errors.Join(errs...)
}

// Take leases at most one task. It returns ErrEmptyQueue when nothing is
// visible and never waits for work to arrive.
func (q *TaskQueue) Take(ctx context.Context) (*model.Task, error) {
	msg, err := q.backend.Receive(ctx, q.url)
	if err != nil {
		return nil, remote("receive", err)
	}
	if msg == nil {
		return nil, ErrEmptyQueue
	}

	log := q.log.With("msgId", msg.ID, "receiveCount", msg.ReceiveCount)
	var latency time.Duration
	if !msg.SentAt.IsZero() {
		latency = q.now().Sub(msg.SentAt)
		log.Info("message received", "preworkQueueTime", latency)
	} else {
		log.Warn("message received without a sent timestamp")
	}

	task, err := Unmarshal(msg.Body, Delivery{ID: msg.ID, LeaseToken: msg.LeaseToken, ReceiveCount: msg.ReceiveCount})
	if err != nil {
		q.discard(ctx, msg, err)
		return nil, err
	}

	task.VisibilityTimeout = q.visibility
	q.metrics.TaskTaken(string(task.Kind), latency)
	return task, nil
}

// discard deletes a message that cannot be decoded so it does not come back
// as a poison message. The body is logged in full for manual recovery.
func (q *TaskQueue) discard(ctx context.Context, msg *Message, cause error) {
	q.metrics.MalformedMessage()
	q.log.Error("dropping malformed message", "msgId", msg.ID, "body", msg.Body, "error", cause)
	if err := q.backend.Delete(ctx, q.url, msg.LeaseToken); err != nil {
		q.log.Error("failed to delete malformed message", "msgId", msg.ID, "error", err)
	}
}

// ExtendVisibility renews the lease on task for task.VisibilityTimeout, or
// the queue default when that is unset.
func (q *TaskQueue) ExtendVisibility(ctx context.Context, task *model.Task) error {
	if !task.Leased() {
		return fmt.Errorf("%w: task has no lease token", ErrLeaseInvalid)
	}
	timeout := task.VisibilityTimeout
	if timeout <= 0 {
		timeout = q.visibility
	}
	if err := q.backend.ChangeVisibility(ctx, q.url, task.LeaseToken, timeout); err != nil {
		q.log.Error("failed to extend visibility timeout", "task", task, "error", err)
		return remote("change visibility", err)
	}
	q.log.Info("extended visibility timeout", "timeout", timeout, "task", task)
	return nil
}

// Delete removes a leased task permanently. ErrLeaseInvalid means the task
// is no longer this caller's responsibility.
func (q *TaskQueue) Delete(ctx context.Context, task *model.Task) error {
	if !task.Leased() {
		return fmt.Errorf("%w: task has no lease token", ErrLeaseInvalid)
	}
	if err := q.backend.Delete(ctx, q.url, task.LeaseToken); err != nil {
		q.log.Error("failed to delete task", "task", task, "error", err)
		return remote("delete", err)
	}
	q.metrics.TaskDeleted(string(task.Kind))
	q.log.Info("successfully deleted task", "task", task)
	return nil
}

// Requeue deletes task and puts an unleased copy with Attempts+1. The
// delete is best effort: its failure is logged and the put still happens.
//
// Requeue is not atomic. If the process dies after the delete and before
// the put, the task is lost. The caller's task is left unchanged.
func (q *TaskQueue) Requeue(ctx context.Context, task *model.Task) error {
	if err := q.Delete(ctx, task); err != nil {
		if errors.Is(err, ErrLeaseInvalid) {
			q.log.Warn("unable to delete task, requeuing anyway", "task", task, "error", err)
		} else {
			q.log.Error("unable to delete task, requeuing anyway", "task", task, "error", err)
		}
	}

	next := task.Unleased()
	next.Attempts++
	if err := q.Put(ctx, next); err != nil {
		return err
	}
	q.metrics.TaskRequeued(string(task.Kind))
	q.log.Warn("requeued task", "task", next, "failedAttempts", task.Attempts)
	return nil
}

// Size is the backend's approximate count of visible messages. It is
// eventually consistent and must not be treated as exact.
func (q *TaskQueue) Size(ctx context.Context) (int, error) {
	attrs, err := q.backend.Attributes(ctx, q.url)
	if err != nil {
		return 0, remote("read queue attributes", err)
	}
	return attrs.ApproximateMessages, nil
}
