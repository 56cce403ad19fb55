package future

import (
	"context"
	"sync"

	"github.com/egorzamaraev/atomix/pkg/rafterrors"
)

// Future is a single-assignment result slot. The producer completes or fails
// it exactly once; later completions are ignored. Consumers wait via Get or
// select on Done.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

func (f *Future[T]) Complete(value T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		return false
	default:
	}
	f.value = value
	close(f.done)
	return true
}

func (f *Future[T]) Fail(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		return false
	default:
	}
	f.err = err
	close(f.done)
	return true
}

// Cancel fails the future with ErrCanceled. The slot it belongs to is still
// consumed by its producer when the real result arrives.
func (f *Future[T]) Cancel() bool {
	return f.Fail(rafterrors.ErrCanceled)
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has settled.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future settles or ctx expires.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
