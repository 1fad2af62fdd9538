// Package retry runs fallible operations with a bounded number of retries
// and an attempt-indexed wait between them.
//
//	r := retry.New(retry.WithMaxRetries(5))
//	size, err := retry.Execute(r, func() (int, error) {
//	    return q.Size(ctx)
//	})
package retry

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

// ErrNilHandler is returned when a nil failure handler is supplied.
var ErrNilHandler = errors.New("retry: failure handler must be non-nil")

// Handler observes each failed attempt. It cannot change whether the
// action is retried.
type Handler func(err error)

// Retrier executes actions up to MaxRetries+1 times. The wait after the
// attempt with index i (starting at 0) is i*wait.
type Retrier struct {
	maxRetries int
	wait       time.Duration
	log        *slog.Logger
	onFailure  Handler
}

type Option func(*Retrier)

func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithWait sets the wait unit multiplied by the attempt index.
func WithWait(unit time.Duration) Option {
	return func(r *Retrier) { r.wait = unit }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) { r.log = l }
}

// WithHandler replaces the default failure handler, which logs at debug.
func WithHandler(h Handler) Option {
	return func(r *Retrier) { r.onFailure = h }
}

func New(opts ...Option) *Retrier {
	r := &Retrier{
		maxRetries: DefaultMaxRetries,
		wait:       time.Second,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "retry")
	if r.onFailure == nil {
		r.onFailure = r.logFailure
	}
	return r
}

func (r *Retrier) MaxRetries() int { return r.maxRetries }

func (r *Retrier) logFailure(err error) {
	r.log.Debug(err.Error(), "error", err)
}

// Execute runs action with the retrier's failure handler.
func Execute[T any](r *Retrier, action func() (T, error)) (T, error) {
	return ExecuteWith(r, action, r.onFailure)
}

// ExecuteWith runs action, calling onFailure after every failed attempt and
// waiting before the next one. When every attempt fails the error from the
// last one is returned as is.
func ExecuteWith[T any](r *Retrier, action func() (T, error), onFailure Handler) (T, error) {
	if onFailure == nil {
		var zero T
		return zero, ErrNilHandler
	}

	op := func() (T, error) {
		v, err := action()
		if err != nil {
			r.observe(onFailure, err)
		}
		return v, err
	}
	b := backoff.WithMaxRetries(&attemptBackOff{unit: r.wait}, uint64(r.maxRetries))
	return backoff.RetryWithData(op, b)
}

// Do is Execute for actions without a result.
func (r *Retrier) Do(action func() error) error {
	_, err := Execute(r, func() (struct{}, error) {
		return struct{}{}, action()
	})
	return err
}

// observe runs the handler, containing any panic so the loop continues.
func (r *Retrier) observe(h Handler, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("failure handler panicked", "panic", p, "error", err)
		}
	}()
	h(err)
}

// attemptBackOff waits attempt*unit, so the first retry is immediate.
type attemptBackOff struct {
	unit    time.Duration
	attempt int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	d := time.Duration(b.attempt) * b.unit
	b.attempt++
	return d
}

func (b *attemptBackOff) Reset() {
	b.attempt = 0
}
