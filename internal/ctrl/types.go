package ctrl

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-hfi/internal/cmdq"
	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/evq"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// Auth is the authentication tuple written into a queue pair's
// configuration once the job allow-list accepts it.
type Auth struct {
	UserID uint32
	Rank   uint32
}

// Job is the allow-list a controller enforces. ID names the job the queue
// pairs belong to.
type Job struct {
	ID      uuid.UUID
	Allowed []Auth
}

type QueuePairParams struct {
	TxSlots    uint32
	RxSlots    uint32
	EventSlots uint32
	EventWidth uint32

	SendBuffers uint32
	RecvBuffers uint32
	BufferSize  uint32
	SendDepth   uint32

	// EnableTimeout bounds the wait for the enable command's completion.
	EnableTimeout time.Duration
}

func DefaultQueuePairParams() QueuePairParams {
	return QueuePairParams{
		TxSlots:    constants.DefaultTxSlots,
		RxSlots:    constants.DefaultRxSlots,
		EventSlots: constants.DefaultEventSlots,
		EventWidth: constants.DefaultEventWidth,

		SendBuffers: constants.DefaultSendDepth,
		RecvBuffers: constants.DefaultRecvBuffers,
		BufferSize:  constants.DefaultBufferSize,
		SendDepth:   constants.DefaultSendDepth,

		EnableTimeout: constants.CommandTimeout,
	}
}

func (p QueuePairParams) deviceConfig(a Auth) interfaces.QueuePairConfig {
	return interfaces.QueuePairConfig{
		UserID:      a.UserID,
		Rank:        a.Rank,
		TxSlots:     p.TxSlots,
		RxSlots:     p.RxSlots,
		EventSlots:  p.EventSlots,
		EventWidth:  p.EventWidth,
		SendBuffers: p.SendBuffers,
		RecvBuffers: p.RecvBuffers,
		BufferSize:  p.BufferSize,
		SendDepth:   p.SendDepth,
	}
}

// QueuePair is a caller's handle on an assigned queue pair. The handle
// stays valid until it is released; after that every controller
// operation on it fails with ErrOwnership.
type QueuePair struct {
	ID     uint32
	Owner  uuid.UUID
	Auth   Auth
	Params QueuePairParams

	TX     *cmdq.Queue
	RX     *cmdq.Queue
	Events *evq.Queue

	txMem  []byte
	rxMem  []byte
	status []byte
}

// EventHead returns the host head the event queue publishes.
func (q *QueuePair) EventHead() ring.HWIndex {
	return ring.NewHWIndex(q.status, uapi.StatusEventHead)
}

// sizeToShift converts a power-of-two size to its log2.
func sizeToShift(size uint32) int {
	shift := 0
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
