// Package ctrl manages queue-pair lifecycle: authorization against the
// job allow-list, assignment and release through the device, memory
// mapping, and the synchronous enable handshake.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-hfi/internal/cmdq"
	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/evq"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/logging"
	"github.com/ehrlich-b/go-hfi/internal/retry"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

var (
	// ErrPermission means the authentication tuple is not on the job's
	// allow-list.
	ErrPermission = errors.New("ctrl: authentication tuple not permitted")

	// ErrOwnership means the handle is not, or no longer, owned by the
	// caller. It is never retryable.
	ErrOwnership = errors.New("ctrl: queue pair not owned by caller")

	// ErrInvalidParams rejects a geometry the queues cannot be built with.
	ErrInvalidParams = errors.New("ctrl: invalid queue pair parameters")
)

type Config struct {
	Device   interfaces.Device
	Job      Job
	Logger   *logging.Logger
	Observer interfaces.Observer
}

type Controller struct {
	dev     interfaces.Device
	job     uuid.UUID
	allowed map[Auth]struct{}
	logger  *logging.Logger
	obs     interfaces.Observer

	mu     sync.Mutex
	owners map[uint32]uuid.UUID
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Device == nil {
		return nil, errors.New("ctrl: nil device")
	}
	job := cfg.Job.ID
	if job == uuid.Nil {
		job = uuid.New()
	}
	allowed := make(map[Auth]struct{}, len(cfg.Job.Allowed))
	for _, a := range cfg.Job.Allowed {
		allowed[a] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		dev:     cfg.Device,
		job:     job,
		allowed: allowed,
		logger:  logger,
		obs:     interfaces.OrNop(cfg.Observer),
		owners:  make(map[uint32]uuid.UUID),
	}, nil
}

// Job returns the job identifier.
func (c *Controller) Job() uuid.UUID { return c.job }

// SetLogger sets the logger for this controller
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Authorize checks a tuple against the allow-list.
func (c *Controller) Authorize(a Auth) error {
	if _, ok := c.allowed[a]; !ok {
		return fmt.Errorf("%w: user %d rank %d in job %s", ErrPermission, a.UserID, a.Rank, c.job)
	}
	return nil
}

func validateParams(p QueuePairParams) error {
	for _, f := range []struct {
		name string
		v    uint32
	}{
		{"tx slots", p.TxSlots},
		{"rx slots", p.RxSlots},
		{"event slots", p.EventSlots},
		{"send depth", p.SendDepth},
	} {
		if _, err := ring.NewIndex(f.v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidParams, f.name, err)
		}
	}
	if p.EventSlots < constants.MinEventSlots || p.EventSlots > constants.MaxEventSlots {
		return fmt.Errorf("%w: event slots %d outside [%d, %d]", ErrInvalidParams,
			p.EventSlots, constants.MinEventSlots, constants.MaxEventSlots)
	}
	if p.EventWidth != uapi.EventWidthSingle && p.EventWidth != uapi.EventWidthDouble {
		return fmt.Errorf("%w: event width %d", ErrInvalidParams, p.EventWidth)
	}
	if p.TxSlots < 2 || p.RxSlots < 2 {
		return fmt.Errorf("%w: command queues need at least 2 slots", ErrInvalidParams)
	}
	return nil
}

// AssignQueuePair authorizes a, asks the device for a queue pair, maps its
// memory, builds the command and event queues and enables it. On any
// failure after the device assigned the queue pair it is released again.
func (c *Controller) AssignQueuePair(ctx context.Context, a Auth, p QueuePairParams) (*QueuePair, error) {
	c.logger.ControlStart("ASSIGN_QP")
	if err := c.Authorize(a); err != nil {
		c.logger.ControlError("ASSIGN_QP", err)
		return nil, err
	}
	if err := validateParams(p); err != nil {
		c.logger.ControlError("ASSIGN_QP", err)
		return nil, err
	}

	id, err := c.dev.AssignQueuePair(p.deviceConfig(a))
	if err != nil {
		c.logger.ControlError("ASSIGN_QP", err)
		return nil, fmt.Errorf("ctrl: assign queue pair: %w", err)
	}
	c.logger.Debug("device assigned queue pair",
		"qp", id,
		"event_width_log2", sizeToShift(p.EventWidth),
		"tx_slots", p.TxSlots,
		"rx_slots", p.RxSlots,
		"event_slots", p.EventSlots)

	qp := &QueuePair{ID: id, Owner: uuid.New(), Auth: a, Params: p}
	if err := c.mapMemory(qp); err != nil {
		c.dev.ReleaseQueuePair(id)
		c.logger.ControlError("ASSIGN_QP", err)
		return nil, err
	}
	if err := c.enable(ctx, qp); err != nil {
		c.dev.ReleaseQueuePair(id)
		c.logger.ControlError("ASSIGN_QP", err)
		return nil, err
	}

	c.mu.Lock()
	c.owners[id] = qp.Owner
	c.mu.Unlock()

	c.logger.ControlSuccess("ASSIGN_QP")
	c.logger.Info("queue pair ready", "qp", id, "owner", qp.Owner.String())
	return qp, nil
}

// checkOwner verifies the handle still owns its queue pair.
func (c *Controller) checkOwner(qp *QueuePair) error {
	if qp == nil {
		return fmt.Errorf("%w: nil handle", ErrOwnership)
	}
	c.mu.Lock()
	owner, ok := c.owners[qp.ID]
	c.mu.Unlock()
	if !ok || owner != qp.Owner {
		return fmt.Errorf("%w: qp %d", ErrOwnership, qp.ID)
	}
	return nil
}

// Owns reports whether the handle is still the owner of its queue pair.
func (c *Controller) Owns(qp *QueuePair) bool { return c.checkOwner(qp) == nil }

// ReleaseQueuePair resets the hardware side and forgets the handle.
func (c *Controller) ReleaseQueuePair(qp *QueuePair) error {
	c.logger.ControlStart("RELEASE_QP")
	c.mu.Lock()
	owner, ok := c.owners[qp.ID]
	if !ok || owner != qp.Owner {
		c.mu.Unlock()
		err := fmt.Errorf("%w: qp %d", ErrOwnership, qp.ID)
		c.logger.ControlError("RELEASE_QP", err)
		return err
	}
	delete(c.owners, qp.ID)
	c.mu.Unlock()

	if err := c.dev.ReleaseQueuePair(qp.ID); err != nil {
		c.logger.ControlError("RELEASE_QP", err)
		return fmt.Errorf("ctrl: release queue pair %d: %w", qp.ID, err)
	}
	c.logger.ControlSuccess("RELEASE_QP")
	return nil
}

// RemapQueuePair rebuilds the queues after the device moved the queue
// pair's memory. Producer and consumer state restart at the device's
// current heads, so the device side must be quiescent.
func (c *Controller) RemapQueuePair(qp *QueuePair) error {
	c.logger.ControlStart("REMAP_QP")
	if err := c.checkOwner(qp); err != nil {
		c.logger.ControlError("REMAP_QP", err)
		return err
	}
	if err := c.mapMemory(qp); err != nil {
		c.logger.ControlError("REMAP_QP", err)
		return err
	}
	c.logger.ControlSuccess("REMAP_QP")
	return nil
}

// MapQueueMemory returns the TX and RX command queue memory of qp.
func (c *Controller) MapQueueMemory(qp *QueuePair) (tx, rx []byte, err error) {
	if err := c.checkOwner(qp); err != nil {
		return nil, nil, err
	}
	return qp.txMem, qp.rxMem, nil
}

// TranslateBuffer resolves one of qp's bulk buffers.
func (c *Controller) TranslateBuffer(qp *QueuePair, kind interfaces.AddressKind, index uint32) ([]byte, error) {
	if err := c.checkOwner(qp); err != nil {
		return nil, err
	}
	return c.dev.TranslateAddress(qp.ID, kind, index)
}

func (c *Controller) translate(id uint32, kind interfaces.AddressKind) ([]byte, error) {
	mem, err := c.dev.TranslateAddress(id, kind, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrl: translate %s of qp %d: %w", kind, id, err)
	}
	return mem, nil
}

func (c *Controller) mapMemory(qp *QueuePair) error {
	status, err := c.translate(qp.ID, interfaces.AddrStatusPage)
	if err != nil {
		return err
	}
	if len(status) < uapi.StatusPageSize {
		return fmt.Errorf("ctrl: status page of qp %d is %d bytes", qp.ID, len(status))
	}
	txMem, err := c.translate(qp.ID, interfaces.AddrTxQueue)
	if err != nil {
		return err
	}
	rxMem, err := c.translate(qp.ID, interfaces.AddrRxQueue)
	if err != nil {
		return err
	}
	evMem, err := c.translate(qp.ID, interfaces.AddrEventQueue)
	if err != nil {
		return err
	}

	tx, err := cmdq.New(cmdq.Config{
		Name:     "tx",
		Mem:      txMem,
		Head:     ring.NewHWIndex(status, uapi.StatusTxHead),
		Observer: c.obs,
	})
	if err != nil {
		return err
	}
	rx, err := cmdq.New(cmdq.Config{
		Name:     "rx",
		Mem:      rxMem,
		Head:     ring.NewHWIndex(status, uapi.StatusRxHead),
		Observer: c.obs,
	})
	if err != nil {
		return err
	}

	id := qp.ID
	events, err := evq.New(evq.Config{
		Mem:      evMem,
		Width:    int(qp.Params.EventWidth),
		HostHead: ring.NewHWIndex(status, uapi.StatusEventHead),
		Waiter: evq.WaiterFunc(func(timeout time.Duration) (interfaces.WaitOutcome, error) {
			return c.dev.WaitForEvent(id, timeout)
		}),
		Observer: c.obs,
	})
	if err != nil {
		return err
	}

	qp.TX, qp.RX, qp.Events = tx, rx, events
	qp.txMem, qp.rxMem, qp.status = txMem, rxMem, status
	return nil
}

// enable submits the enable command and waits for its completion. The
// cookie ties the completion to this request.
func (c *Controller) enable(ctx context.Context, qp *QueuePair) error {
	cookie := uint64(qp.Owner.ID())<<32 | uint64(qp.ID)
	hdr := uapi.CommandHeader{
		Opcode:      uapi.OpQueueEnable,
		Slots:       1,
		HeaderSlots: 1,
		Key:         qp.Auth.UserID,
		Imm:         qp.Auth.Rank,
		Cookie:      cookie,
	}
	p := retry.Blocking(constants.ControlRetryDelay, constants.ControlRetryMaxDelay, nil)
	if _, err := qp.TX.Submit(ctx, p, uapi.Marshal(&hdr), nil); err != nil {
		return fmt.Errorf("ctrl: submit enable for qp %d: %w", qp.ID, err)
	}
	qp.Events.AddPending(1)

	ev, err := qp.Events.AwaitCommandComplete(ctx, qp.Params.EnableTimeout)
	if err != nil {
		return fmt.Errorf("ctrl: enable qp %d: %w", qp.ID, err)
	}
	if ev.Cookie != cookie {
		return fmt.Errorf("ctrl: enable qp %d: completion cookie %#x, want %#x", qp.ID, ev.Cookie, cookie)
	}
	return nil
}
