package constants

import "time"

// Default queue-pair geometry
const (
	// DefaultTxSlots is the TX command queue capacity in 64-byte slots
	DefaultTxSlots = 128

	// DefaultRxSlots is the RX command queue capacity in 64-byte slots
	DefaultRxSlots = 16

	// DefaultEventSlots is the event queue capacity in entries
	DefaultEventSlots = 256

	// DefaultEventWidth is the event entry width in bytes
	DefaultEventWidth = 64

	// DefaultSendDepth is the per-connection submission ring depth
	DefaultSendDepth = 64

	// DefaultSignalInterval requests a completion every N sends
	DefaultSignalInterval = 8

	// DefaultPIOThreshold is the largest payload written inline into the
	// command queue; larger sends go through a bulk buffer
	DefaultPIOThreshold = 192

	// DefaultBufferSize is the size of each bulk send and receive buffer
	DefaultBufferSize = 4096

	// DefaultRecvBuffers is the number of receive buffers per queue pair
	DefaultRecvBuffers = 64

	// MaxEventSlots bounds the event queue capacity
	MaxEventSlots = 1 << 16

	// MinEventSlots bounds the event queue capacity from below
	MinEventSlots = 8
)

// Timing constants
const (
	// EventPollInterval caps a single blocking wait between event queue polls
	EventPollInterval = 10 * time.Millisecond

	// CommandTimeout bounds a synchronous command's wait for its completion
	CommandTimeout = 2 * time.Second

	// ControlRetryDelay is the first backoff step for control messages
	ControlRetryDelay = 10 * time.Microsecond

	// ControlRetryMaxDelay caps the control message backoff
	ControlRetryMaxDelay = 2 * time.Millisecond

	// DataSpinAttempts bounds the no-delay retries of a data submission
	// before it falls back to backing off
	DataSpinAttempts = 256

	// SubmitAttempts bounds a submission made while connection state is
	// held; the caller retries from scratch after releasing it
	SubmitAttempts = 64

	// RecvRootSpinAttempts bounds the wait for the device's receive queue
	// root to become non-empty after a replenish
	RecvRootSpinAttempts = 1000

	// RecvRootSpinDelay separates receive-root polls
	RecvRootSpinDelay = 5 * time.Microsecond

	// DeviceIdlePoll is how long a simulated engine sleeps with nothing to do
	DeviceIdlePoll = 50 * time.Microsecond
)
