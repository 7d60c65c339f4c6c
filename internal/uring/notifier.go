// Package uring provides the doorbells a device rings after writing an
// event entry and that hosts block on while waiting for one.
package uring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
)

var (
	// ErrClosed is returned by operations on a closed notifier.
	ErrClosed = errors.New("uring: notifier closed")

	// ErrUnsupported means the requested notifier is not available in
	// this build or on this platform.
	ErrUnsupported = errors.New("uring: notifier not supported")
)

// Notifier is a level-triggered doorbell. A Signal raised while nobody
// waits is remembered and satisfies the next Wait.
type Notifier interface {
	Signal() error
	Wait(timeout time.Duration) (interfaces.WaitOutcome, error)
	Close() error
}

// Kinds accepted by New.
const (
	KindAuto    = "auto"
	KindChan    = "chan"
	KindEventFD = "eventfd"
	KindIOURing = "iouring"
)

// New returns a notifier of the given kind. KindAuto picks the io_uring
// notifier when the build has it, then eventfd, then the channel one.
func New(kind string) (Notifier, error) {
	switch kind {
	case "", KindAuto:
		if n, err := NewRingNotifier(4); err == nil {
			return n, nil
		}
		if n, err := NewEventFD(); err == nil {
			return n, nil
		}
		return NewChanNotifier(), nil
	case KindChan:
		return NewChanNotifier(), nil
	case KindEventFD:
		return NewEventFD()
	case KindIOURing:
		return NewRingNotifier(4)
	default:
		return nil, fmt.Errorf("uring: unknown notifier kind %q", kind)
	}
}

// ChanNotifier is the portable notifier.
type ChanNotifier struct {
	ch     chan struct{}
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{ch: make(chan struct{}, 1), done: make(chan struct{})}
}

// Signal implements Notifier.
func (n *ChanNotifier) Signal() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// Wait implements Notifier. A non-positive timeout only consumes a
// pending signal.
func (n *ChanNotifier) Wait(timeout time.Duration) (interfaces.WaitOutcome, error) {
	if timeout <= 0 {
		select {
		case <-n.ch:
			return interfaces.WaitSignaled, nil
		case <-n.done:
			return interfaces.WaitTimedOut, ErrClosed
		default:
			return interfaces.WaitTimedOut, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.ch:
		return interfaces.WaitSignaled, nil
	case <-n.done:
		return interfaces.WaitTimedOut, ErrClosed
	case <-t.C:
		return interfaces.WaitTimedOut, nil
	}
}

// Close implements Notifier.
func (n *ChanNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.done)
	}
	return nil
}
