package flowctl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// sendControl submits a flow-control message to the peer of cn. A message
// that cannot be submitted before ctx ends is remembered and sent by the
// next RetryOwed.
func (c *Coordinator) sendControl(ctx context.Context, cn *conn, fcType uint8) error {
	hdr := uapi.CommandHeader{
		Opcode:      uapi.OpFlowControl,
		Slots:       1,
		HeaderSlots: 1,
		Conn:        cn.remote,
		Imm:         uint32(fcType),
	}
	if _, err := c.tx.Submit(ctx, c.control, uapi.Marshal(&hdr), nil); err != nil {
		cn.mu.Lock()
		cn.oweControlLocked(fcType)
		cn.mu.Unlock()
		c.owed.Store(true)
		return fmt.Errorf("flowctl: %s to conn %d: %w", uapi.FCTypeName(fcType), cn.remote, err)
	}
	c.obs.ObserveControlMessage(fcType)
	return nil
}

// HandleControl applies a flow-control message received on connection id.
func (c *Coordinator) HandleControl(ctx context.Context, id uint32, fcType uint8) error {
	cn, err := c.lookup(id)
	if err != nil {
		return err
	}

	switch fcType {
	case uapi.FCRxExitRequest:
		cn.mu.Lock()
		entering := !cn.rxBlocked
		cn.rxBlocked = true
		cn.resumeOwed = true
		cn.mu.Unlock()
		if entering {
			c.obs.ObserveFlowControl("rx_blocked")
			c.log.FlowTransition(id, StateNormal.String(), StateRxBlocked.String())
		}
		return c.exitRx(ctx, cn)

	case uapi.FCTxEnter:
		cn.mu.Lock()
		entering := !cn.txBlocked
		cn.txBlocked = true
		if cn.outstanding() > 0 {
			cn.extendLocked(cn.ack, cn.last())
		}
		cn.mu.Unlock()
		if entering {
			c.obs.ObserveFlowControl("tx_blocked")
			c.log.FlowTransition(id, StateNormal.String(), StateTxBlocked.String())
		}
		return nil

	case uapi.FCResume:
		return c.resume(ctx, cn)

	default:
		return fmt.Errorf("%w: flow-control type %d", ErrInvalidCommand, fcType)
	}
}

// OnRecvPosted records n receive buffers posted on connection id and, if
// the connection was RX_BLOCKED, tries to leave that state.
func (c *Coordinator) OnRecvPosted(ctx context.Context, id uint32, n uint32) error {
	cn, err := c.lookup(id)
	if err != nil {
		return err
	}
	cn.mu.Lock()
	cn.recvPosted += n
	cn.mu.Unlock()
	return c.exitRx(ctx, cn)
}

// OnRecvConsumed records that the device filled one posted buffer on
// connection id. When none remain the peer is told to pause.
func (c *Coordinator) OnRecvConsumed(ctx context.Context, id uint32) error {
	cn, err := c.lookup(id)
	if err != nil {
		return err
	}
	cn.ctl.Lock()
	defer cn.ctl.Unlock()
	cn.mu.Lock()
	if cn.recvPosted > 0 {
		cn.recvPosted--
	}
	entering := cn.recvPosted == 0 && !cn.rxBlocked
	if entering {
		cn.rxBlocked = true
		cn.resumeOwed = true
	}
	cn.mu.Unlock()

	if !entering {
		return nil
	}
	c.obs.ObserveFlowControl("rx_blocked")
	c.log.FlowTransition(id, StateNormal.String(), StateRxBlocked.String())
	return c.sendControl(ctx, cn, uapi.FCTxEnter)
}

// exitRx leaves RX_BLOCKED once buffers are posted: it waits a bounded
// time for the device to see them, re-enables delivery and sends RESUME.
func (c *Coordinator) exitRx(ctx context.Context, cn *conn) error {
	cn.mu.Lock()
	ready := cn.rxBlocked && cn.recvPosted > 0
	cn.mu.Unlock()
	if !ready {
		return nil
	}

	if c.delivery != nil {
		err := c.recv.Do(ctx, func() error {
			n, err := c.delivery.RecvPosted(cn.id)
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrRecvNotReady
			}
			return nil
		})
		if err == nil {
			err = c.delivery.SetDelivery(cn.id, true)
		}
		if err != nil {
			c.owed.Store(true)
			return fmt.Errorf("flowctl: conn %d: %w", cn.id, err)
		}
	}

	cn.ctl.Lock()
	defer cn.ctl.Unlock()
	cn.mu.Lock()
	if !cn.rxBlocked {
		cn.mu.Unlock()
		return nil
	}
	cn.rxBlocked = false
	cn.resumeOwed = false
	cn.dropOwedLocked(uapi.FCTxEnter)
	cn.mu.Unlock()

	c.obs.ObserveFlowControl("rx_resumed")
	c.log.FlowTransition(cn.id, StateRxBlocked.String(), StateNormal.String())
	return c.sendControl(ctx, cn, uapi.FCResume)
}

// RetryOwed finishes work an earlier call could not: control messages that
// were never submitted, interrupted replays and RX exits still waiting on
// the device. It is cheap when nothing is owed.
func (c *Coordinator) RetryOwed(ctx context.Context) error {
	if !c.owed.Swap(false) {
		return nil
	}

	var errs []error
	for _, cn := range c.snapshotConns() {
		cn.ctl.Lock()
		cn.mu.Lock()
		owed := cn.owedControl
		cn.owedControl = nil
		replay := cn.txBlocked && cn.replayOwed
		rx := cn.rxBlocked && cn.resumeOwed && cn.recvPosted > 0
		cn.mu.Unlock()

		for i, t := range owed {
			if err := c.sendControl(ctx, cn, t); err != nil {
				cn.mu.Lock()
				for _, rest := range owed[i+1:] {
					cn.oweControlLocked(rest)
				}
				cn.mu.Unlock()
				errs = append(errs, err)
				break
			}
		}
		cn.ctl.Unlock()
		if replay {
			if err := c.resume(ctx, cn); err != nil {
				errs = append(errs, err)
			}
		}
		if rx {
			if err := c.exitRx(ctx, cn); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Owed reports whether RetryOwed has work to do.
func (c *Coordinator) Owed() bool { return c.owed.Load() }
