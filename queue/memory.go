package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryScheme = "memory://"

// MemoryBackend is an in-process Backend. Leases expire lazily: an expired
// in-flight message becomes visible again on the next Receive or
// Attributes call.
type MemoryBackend struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string]*memQueue
}

type memQueue struct {
	visibility time.Duration
	ready      []*memMessage
	inFlight   map[string]*memMessage // lease token -> message
}

type memMessage struct {
	id           string
	body         string
	sentAt       time.Time
	receiveCount int
	token        string
	deadline     time.Time
}

// NewMemoryBackend returns an empty backend. A nil clock uses time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{now: now, queues: make(map[string]*memQueue)}
}

// CreateQueue provisions a queue with the given default visibility timeout.
// Creating an existing queue is a no-op.
func (b *MemoryBackend) CreateQueue(name string, visibility time.Duration) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	url := memoryScheme + name
	if _, ok := b.queues[url]; !ok {
		b.queues[url] = &memQueue{visibility: visibility, inFlight: make(map[string]*memMessage)}
	}
	return url
}

func (b *MemoryBackend) QueueURL(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	url := memoryScheme + name
	if _, ok := b.queues[url]; !ok {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return url, nil
}

func (b *MemoryBackend) Attributes(_ context.Context, url string) (Attributes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(url)
	if err != nil {
		return Attributes{}, err
	}
	b.reclaim(q)
	return Attributes{ApproximateMessages: len(q.ready), VisibilityTimeout: q.visibility}, nil
}

func (b *MemoryBackend) Send(ctx context.Context, url, body string) error {
	return b.SendBatch(ctx, url, []string{body})
}

func (b *MemoryBackend) SendBatch(_ context.Context, url string, bodies []string) error {
	if len(bodies) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit of %d", len(bodies), MaxBatchSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(url)
	if err != nil {
		return err
	}
	now := b.now()
	for _, body := range bodies {
		q.ready = append(q.ready, &memMessage{id: uuid.NewString(), body: body, sentAt: now})
	}
	return nil
}

func (b *MemoryBackend) Receive(_ context.Context, url string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(url)
	if err != nil {
		return nil, err
	}
	b.reclaim(q)
	if len(q.ready) == 0 {
		return nil, nil
	}

	m := q.ready[0]
	q.ready = q.ready[1:]
	m.receiveCount++
	m.token = m.id + "." + uuid.NewString()
	m.deadline = b.now().Add(q.visibility)
	q.inFlight[m.token] = m

	return &Message{
		ID:           m.id,
		LeaseToken:   m.token,
		Body:         m.body,
		SentAt:       m.sentAt,
		ReceiveCount: m.receiveCount,
	}, nil
}

func (b *MemoryBackend) ChangeVisibility(_ context.Context, url, leaseToken string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, m, err := b.leased(url, leaseToken)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		delete(q.inFlight, leaseToken)
		m.token = ""
		q.ready = append(q.ready, m)
		return nil
	}
	m.deadline = b.now().Add(timeout)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, url, leaseToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, _, err := b.leased(url, leaseToken)
	if err != nil {
		return err
	}
	delete(q.inFlight, leaseToken)
	return nil
}

func (b *MemoryBackend) queue(url string) (*memQueue, error) {
	q, ok := b.queues[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, strings.TrimPrefix(url, memoryScheme))
	}
	return q, nil
}

func (b *MemoryBackend) leased(url, token string) (*memQueue, *memMessage, error) {
	q, err := b.queue(url)
	if err != nil {
		return nil, nil, err
	}
	b.reclaim(q)
	m, ok := q.inFlight[token]
	if !ok {
		return nil, nil, ErrLeaseInvalid
	}
	return q, m, nil
}

// reclaim returns expired leases to the ready list. Caller holds b.mu.
func (b *MemoryBackend) reclaim(q *memQueue) {
	now := b.now()
	for token, m := range q.inFlight {
		if !now.Before(m.deadline) {
			delete(q.inFlight, token)
			m.token = ""
			q.ready = append(q.ready, m)
		}
	}
}
