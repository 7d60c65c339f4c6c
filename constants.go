package hfi

import "github.com/ehrlich-b/go-hfi/internal/constants"

// Re-export constants for public API
const (
	DefaultTxSlots        = constants.DefaultTxSlots
	DefaultRxSlots        = constants.DefaultRxSlots
	DefaultEventSlots     = constants.DefaultEventSlots
	DefaultEventWidth     = constants.DefaultEventWidth
	DefaultSendDepth      = constants.DefaultSendDepth
	DefaultSignalInterval = constants.DefaultSignalInterval
	DefaultPIOThreshold   = constants.DefaultPIOThreshold
	DefaultBufferSize     = constants.DefaultBufferSize
	DefaultRecvBuffers    = constants.DefaultRecvBuffers
	CommandTimeout        = constants.CommandTimeout
)
