package queue

import (
	"context"
	"time"
)

// MaxBatchSize is the largest number of messages a backend accepts in a
// single batch send.
const MaxBatchSize = 10

// Message is one delivery of a queued message.
type Message struct {
	ID           string
	LeaseToken   string
	Body         string
	SentAt       time.Time
	ReceiveCount int
}

// Attributes are approximate queue attributes reported by the backend.
type Attributes struct {
	ApproximateMessages int
	VisibilityTimeout   time.Duration
}

// Backend is the managed-queue capability a TaskQueue runs on.
//
// Receive returns (nil, nil) when no message is visible. ChangeVisibility
// and Delete return ErrLeaseInvalid when the token is not a live lease.
type Backend interface {
	QueueURL(ctx context.Context, name string) (string, error)
	Attributes(ctx context.Context, url string) (Attributes, error)
	Send(ctx context.Context, url, body string) error
	SendBatch(ctx context.Context, url string, bodies []string) error
	Receive(ctx context.Context, url string) (*Message, error)
	ChangeVisibility(ctx context.Context, url, leaseToken string, timeout time.Duration) error
	Delete(ctx context.Context, url, leaseToken string) error
}
