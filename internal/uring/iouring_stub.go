//go:build !giouring || !linux

package uring

import (
	"time"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
)

// RingNotifier requires the giouring build tag on Linux.
type RingNotifier struct{}

// NewRingNotifier fails unless built with the giouring tag.
func NewRingNotifier(entries uint32) (*RingNotifier, error) { return nil, ErrUnsupported }

func (*RingNotifier) Signal() error { return ErrUnsupported }
func (*RingNotifier) Close() error  { return nil }

func (*RingNotifier) Wait(time.Duration) (interfaces.WaitOutcome, error) {
	return interfaces.WaitTimedOut, ErrUnsupported
}
