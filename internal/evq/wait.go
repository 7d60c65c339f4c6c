package evq

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// Waiter blocks until the device signals activity on the queue or the
// timeout passes. A signal raised while nobody waits must be remembered for
// the next call.
type Waiter interface {
	Wait(timeout time.Duration) (interfaces.WaitOutcome, error)
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(timeout time.Duration) (interfaces.WaitOutcome, error)

// Wait implements Waiter.
func (f WaiterFunc) Wait(timeout time.Duration) (interfaces.WaitOutcome, error) { return f(timeout) }

// Wait blocks until the head entry is valid, ctx ends, or timeout passes.
// A timeout of zero or less waits for ctx only. ErrTimeout is retryable and
// an abandoned wait leaves no state behind.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (Entry, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if e, ok := q.Peek(0); ok {
			return e, nil
		}
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}

		slice := constants.EventPollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return Entry{}, ErrTimeout
			}
			if remaining < slice {
				slice = remaining
			}
		}

		if q.waiter == nil {
			runtime.Gosched()
			continue
		}
		if _, err := q.waiter.Wait(slice); err != nil {
			return Entry{}, fmt.Errorf("evq: wait for event: %w", err)
		}
	}
}

// AwaitCommandComplete waits for the head entry and requires it to be the
// completion of a synchronous command. Holds the consumer lock throughout,
// so it must not be used while a runner owns the queue.
//
// A dropped entry is advanced and reported as ErrDropped. Any other kind is
// a protocol violation: it is left in place and ErrUnexpectedKind returned.
func (q *Queue) AwaitCommandComplete(ctx context.Context, timeout time.Duration) (uapi.Event, error) {
	q.Lock()
	defer q.Unlock()

	e, err := q.Wait(ctx, timeout)
	if err != nil {
		return uapi.Event{}, err
	}

	if e.Dropped() {
		if err := q.Advance(e); err != nil {
			return uapi.Event{}, err
		}
		return uapi.Event{Kind: e.Kind(), Dropped: true}, ErrDropped
	}
	if e.Kind() != uapi.EventCmdComplete {
		return uapi.Event{Kind: e.Kind()}, fmt.Errorf("%w: want %s, got %s",
			ErrUnexpectedKind, uapi.KindName(uapi.EventCmdComplete), uapi.KindName(e.Kind()))
	}

	ev, err := e.Decode()
	if err != nil {
		return ev, err
	}
	if err := q.Advance(e); err != nil {
		return ev, err
	}
	if ev.Status != uapi.StatusOK {
		return ev, fmt.Errorf("%w: %s", ErrCommandFailed, uapi.StatusName(ev.Status))
	}
	return ev, nil
}
