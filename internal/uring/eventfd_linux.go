//go:build linux

package uring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
)

// EventFD is a notifier backed by a non-blocking eventfd.
type EventFD struct {
	fd     int
	closed atomic.Bool
}

// NewEventFD creates an eventfd notifier.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("uring: eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// FD returns the descriptor, for registration with a poller.
func (e *EventFD) FD() int { return e.fd }

// Signal implements Notifier.
func (e *EventFD) Signal() error {
	if e.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("uring: eventfd write: %w", err)
	}
	return nil
}

// drain resets the counter; it reports whether it was non-zero.
func (e *EventFD) drain() (bool, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EAGAIN):
		return false, nil
	default:
		return false, fmt.Errorf("uring: eventfd read: %w", err)
	}
}

// Wait implements Notifier.
func (e *EventFD) Wait(timeout time.Duration) (interfaces.WaitOutcome, error) {
	if e.closed.Load() {
		return interfaces.WaitTimedOut, ErrClosed
	}
	ms := 0
	if timeout > 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return interfaces.WaitTimedOut, nil
		}
		return interfaces.WaitTimedOut, fmt.Errorf("uring: poll: %w", err)
	}
	if n == 0 {
		return interfaces.WaitTimedOut, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return interfaces.WaitTimedOut, ErrClosed
	}
	ok, err := e.drain()
	if err != nil {
		return interfaces.WaitTimedOut, err
	}
	if !ok {
		return interfaces.WaitTimedOut, nil
	}
	return interfaces.WaitSignaled, nil
}

// Close implements Notifier.
func (e *EventFD) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return unix.Close(e.fd)
}
