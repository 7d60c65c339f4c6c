//go:build !linux

package uring

import (
	"time"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
)

// EventFD is only available on Linux.
type EventFD struct{}

// NewEventFD is available on Linux only.
func NewEventFD() (*EventFD, error) { return nil, ErrUnsupported }

func (*EventFD) FD() int       { return -1 }
func (*EventFD) Signal() error { return ErrUnsupported }
func (*EventFD) Close() error  { return nil }

func (*EventFD) Wait(time.Duration) (interfaces.WaitOutcome, error) {
	return interfaces.WaitTimedOut, ErrUnsupported
}
