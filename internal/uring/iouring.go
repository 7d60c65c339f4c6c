//go:build giouring && linux

package uring

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
)

// RingNotifier waits on an eventfd through an io_uring poll request, so a
// host already driving a ring can fold event waits into it.
type RingNotifier struct {
	efd *EventFD

	mu     sync.Mutex
	ring   *giouring.Ring
	armed  bool
	closed bool
}

// NewRingNotifier creates a notifier with a ring of the given depth.
func NewRingNotifier(entries uint32) (*RingNotifier, error) {
	efd, err := NewEventFD()
	if err != nil {
		return nil, err
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		efd.Close()
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}
	return &RingNotifier{efd: efd, ring: ring}, nil
}

// Signal implements Notifier.
func (r *RingNotifier) Signal() error { return r.efd.Signal() }

// Wait implements Notifier.
func (r *RingNotifier) Wait(timeout time.Duration) (interfaces.WaitOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return interfaces.WaitTimedOut, ErrClosed
	}

	if !r.armed {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			return interfaces.WaitTimedOut, errors.New("uring: submission queue full")
		}
		sqe.PreparePollAdd(r.efd.FD(), unix.POLLIN)
		if _, err := r.ring.Submit(); err != nil {
			return interfaces.WaitTimedOut, fmt.Errorf("uring: submit poll: %w", err)
		}
		r.armed = true
	}

	if timeout <= 0 {
		timeout = time.Microsecond
	}
	ts := syscall.NsecToTimespec(int64(timeout))
	cqe, err := r.ring.WaitCQETimeout(&ts)
	if err != nil {
		if errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			return interfaces.WaitTimedOut, nil
		}
		return interfaces.WaitTimedOut, fmt.Errorf("uring: wait: %w", err)
	}
	res := cqe.Res
	r.ring.CQESeen(cqe)
	r.armed = false
	if res < 0 {
		return interfaces.WaitTimedOut, fmt.Errorf("uring: poll: %w", syscall.Errno(-res))
	}

	ok, err := r.efd.drain()
	if err != nil || !ok {
		return interfaces.WaitTimedOut, err
	}
	return interfaces.WaitSignaled, nil
}

// Close implements Notifier.
func (r *RingNotifier) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.ring.QueueExit()
	return r.efd.Close()
}
