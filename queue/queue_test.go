package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingBackend records batch sizes and can fail chosen batch calls.
type recordingBackend struct {
	Backend
	mu         sync.Mutex
	batches    []int
	failBatch  map[int]error
	failSend   error
	failDelete error
}

func (r *recordingBackend) SendBatch(ctx context.Context, url string, bodies []string) error {
	r.mu.Lock()
	call := len(r.batches)
	r.batches = append(r.batches, len(bodies))
	err := r.failBatch[call]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Backend.SendBatch(ctx, url, bodies)
}

func (r *recordingBackend) Send(ctx context.Context, url, body string) error {
	if r.failSend != nil {
		return r.failSend
	}
	return r.Backend.Send(ctx, url, body)
}

func (r *recordingBackend) Delete(ctx context.Context, url, token string) error {
	if r.failDelete != nil {
		return r.failDelete
	}
	return r.Backend.Delete(ctx, url, token)
}

func newTestQueue(t *testing.T) (*TaskQueue, *MemoryBackend, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	backend := NewMemoryBackend(clock.Now)
	backend.CreateQueue("work", 30*time.Second)
	q, err := New(context.Background(), backend, "work", WithClock(clock.Now))
	require.NoError(t, err)
	return q, backend, clock
}

func TestNewResolvesQueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	assert.Equal(t, "work", q.Name())
	assert.Equal(t, 30*time.Second, q.VisibilityTimeout())

	_, err := New(context.Background(), NewMemoryBackend(nil), "missing")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestPutThenTake(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	in := model.NewTask(model.KindDup, map[string]string{"account": "acme", "contentId": "a.txt"})
	require.NoError(t, q.Put(ctx, in))

	clock.Advance(5 * time.Second)
	out, err := q.Take(ctx)
	require.NoError(t, err)

	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Properties, out.Properties)
	assert.Equal(t, 0, out.Attempts)
	assert.NotEmpty(t, out.LeaseToken)
	assert.NotEmpty(t, out.DeliveryID)
	assert.Equal(t, 1, out.ReceiveCount)
	assert.Equal(t, 30*time.Second, out.VisibilityTimeout)

	assert.False(t, in.Leased(), "producer task must not gain lease metadata")
}

func TestTakeEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t)

	task, err := q.Take(context.Background())
	assert.Nil(t, task)
	assert.ErrorIs(t, err, ErrEmptyQueue)
	assert.NotErrorIs(t, err, ErrRemoteFailure)
	assert.NotErrorIs(t, err, ErrMalformedMessage)
}

func TestTakeHidesLeasedTask(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, nil)))

	_, err := q.Take(ctx)
	require.NoError(t, err)

	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, map[string]string{"k": "v"})))

	first, err := q.Take(ctx)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	second, err := q.Take(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.DeliveryID, second.DeliveryID)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)
	assert.Equal(t, 2, second.ReceiveCount)

	assert.ErrorIs(t, q.Delete(ctx, first), ErrLeaseInvalid, "stale lease")
	assert.NoError(t, q.Delete(ctx, second))
}

func TestExtendVisibilityKeepsLease(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, nil)))

	task, err := q.Take(ctx)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.NoError(t, q.ExtendVisibility(ctx, task))

	clock.Advance(20 * time.Second)
	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue, "extended lease must still hide the task")

	assert.NoError(t, q.Delete(ctx, task))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, nil)))

	task, err := q.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Delete(ctx, task))

	clock.Advance(time.Hour)
	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue)

	assert.ErrorIs(t, q.Delete(ctx, task), ErrLeaseInvalid, "second delete")
}

func TestUnknownLeaseToken(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	tasks := []*model.Task{
		{Kind: model.KindNoop, LeaseToken: "never-issued"},
		{Kind: model.KindNoop},
	}
	for _, task := range tasks {
		err := q.ExtendVisibility(ctx, task)
		assert.ErrorIs(t, err, ErrLeaseInvalid)
		assert.NotErrorIs(t, err, ErrRemoteFailure)

		err = q.Delete(ctx, task)
		assert.ErrorIs(t, err, ErrLeaseInvalid)
		assert.NotErrorIs(t, err, ErrRemoteFailure)
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	require.NoError(t, q.Put(ctx, model.NewTask(model.KindBit, map[string]string{"contentId": "x"})))

	task, err := q.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, task))
	assert.Equal(t, 0, task.Attempts, "caller's task is not mutated")

	again, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, task.Properties, again.Properties)
	assert.NotEqual(t, task.LeaseToken, again.LeaseToken)
	assert.NotEqual(t, task.DeliveryID, again.DeliveryID, "requeue posts a new message")
	assert.Equal(t, 1, again.ReceiveCount)

	assert.ErrorIs(t, q.Delete(ctx, task), ErrLeaseInvalid, "old lease is gone")

	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue, "requeue must not leave a duplicate")
}

func TestRequeueIgnoresDeleteFailure(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mem := NewMemoryBackend(clock.Now)
	mem.CreateQueue("work", 30*time.Second)
	backend := &recordingBackend{Backend: mem}
	q, err := New(ctx, backend, "work")
	require.NoError(t, err)

	require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, nil)))
	task, err := q.Take(ctx)
	require.NoError(t, err)

	backend.failDelete = errors.New("connection reset")
	require.NoError(t, q.Requeue(ctx, task))

	clock.Advance(time.Minute)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size, "first copy redelivers and the requeued copy is visible")
}

func TestRequeueOfExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, nil)))

	task, err := q.Take(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	require.NoError(t, q.Requeue(ctx, task))
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestPutAllPartitions(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(nil)
	mem.CreateQueue("work", 30*time.Second)
	backend := &recordingBackend{Backend: mem}
	q, err := New(ctx, backend, "work")
	require.NoError(t, err)

	tasks := make([]*model.Task, 25)
	for i := range tasks {
		tasks[i] = model.NewTask(model.KindNoop, map[string]string{"n": fmt.Sprint(i)})
	}
	require.NoError(t, q.PutAll(ctx, tasks))

	assert.Equal(t, []int{10, 10, 5}, backend.batches)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, size)
}

func TestPutAllReportsFailedBatch(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(nil)
	mem.CreateQueue("work", 30*time.Second)
	cause := errors.New("throttled")
	backend := &recordingBackend{Backend: mem, failBatch: map[int]error{1: cause}}
	q, err := New(ctx, backend, "work")
	require.NoError(t, err)

	tasks := make([]*model.Task, 25)
	for i := range tasks {
		tasks[i] = model.NewTask(model.KindNoop, nil)
	}
	err = q.PutAll(ctx, tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteFailure)
	assert.ErrorIs(t, err, cause)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Group)
	assert.Equal(t, 10, be.Size)

	assert.Equal(t, []int{10, 10, 5}, backend.batches, "later batches are still attempted")
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, size)
}

func TestPutAllRejectsInvalidTaskBeforeSending(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(nil)
	mem.CreateQueue("work", 30*time.Second)
	backend := &recordingBackend{Backend: mem}
	q, err := New(ctx, backend, "work")
	require.NoError(t, err)

	err = q.PutAll(ctx, []*model.Task{model.NewTask(model.KindNoop, nil), {}})
	assert.ErrorIs(t, err, ErrInvalidTask)
	assert.Empty(t, backend.batches)
}

func TestPutRejectsUnencodableKey(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	err := q.Put(ctx, model.NewTask(model.KindNoop, map[string]string{"": "v"}))
	assert.ErrorIs(t, err, ErrInvalidTask)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestPutRemoteFailure(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(nil)
	mem.CreateQueue("work", 30*time.Second)
	cause := errors.New("dial tcp: refused")
	q, err := New(ctx, &recordingBackend{Backend: mem, failSend: cause}, "work")
	require.NoError(t, err)

	err = q.Put(ctx, model.NewTask(model.KindNoop, nil))
	assert.ErrorIs(t, err, ErrRemoteFailure)
	assert.ErrorIs(t, err, cause)
}

func TestTakeDropsMalformedMessage(t *testing.T) {
	ctx := context.Background()
	q, backend, clock := newTestQueue(t)
	url, err := backend.QueueURL(ctx, "work")
	require.NoError(t, err)
	require.NoError(t, backend.Send(ctx, url, "account = acme\n"))

	task, err := q.Take(ctx)
	assert.Nil(t, task)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	clock.Advance(time.Hour)
	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrEmptyQueue, "malformed message is deleted, not redelivered")
}

func TestSizeIsApproximateVisibleCount(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(ctx, model.NewTask(model.KindNoop, nil)))
	}
	_, err := q.Take(ctx)
	require.NoError(t, err)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestConcurrentTakeLeasesEachTaskOnce(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	const n = 50
	tasks := make([]*model.Task, n)
	for i := range tasks {
		tasks[i] = model.NewTask(model.KindNoop, map[string]string{"n": fmt.Sprint(i)})
	}
	require.NoError(t, q.PutAll(ctx, tasks))

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Take(ctx)
				if errors.Is(err, ErrEmptyQueue) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[task.Property("n")]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for k, count := range seen {
		assert.Equal(t, 1, count, "task %s leased more than once", k)
	}
}
