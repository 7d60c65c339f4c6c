// Package hfi provides the host side of a fabric NIC: queue pairs with
// command and event rings, and connections with receiver-not-ready flow
// control between them.
package hfi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-hfi/internal/cmdq"
	"github.com/ehrlich-b/go-hfi/internal/constants"
	"github.com/ehrlich-b/go-hfi/internal/ctrl"
	"github.com/ehrlich-b/go-hfi/internal/flowctl"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/logging"
	"github.com/ehrlich-b/go-hfi/internal/queue"
	"github.com/ehrlich-b/go-hfi/internal/retry"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

type (
	// Device is the NIC endpoints run against.
	Device = interfaces.Device

	// Auth is the (user, rank) tuple a queue pair is enabled with.
	Auth = ctrl.Auth

	// Job is the allow-list of tuples a fabric accepts.
	Job = ctrl.Job

	// Logger is the structured logger used throughout the package.
	Logger = logging.Logger

	// LogConfig configures NewLogger.
	LogConfig = logging.Config

	// PortalEntry describes a receive region remote RDMA may target.
	PortalEntry = uapi.PortalEntry

	// ConnState is a point-in-time view of a connection's flow control.
	ConnState = flowctl.ConnState
)

// NewLogger creates a structured logger.
func NewLogger(cfg *LogConfig) *Logger { return logging.NewLogger(cfg) }

// Params configures one endpoint's queue pair.
type Params struct {
	// Ring geometry; every count is a power of two.
	TxSlots    uint32 // TX command queue slots (default: 128)
	RxSlots    uint32 // RX command queue slots (default: 16)
	EventSlots uint32 // Event queue entries (default: 256)
	EventWidth uint32 // Event entry width in bytes, 64 or 128 (default: 64)

	// Bulk buffers
	SendBuffers uint32 // Send buffers for DMA and RDMA (default: 64)
	RecvBuffers uint32 // Receive buffers (default: 64)
	BufferSize  uint32 // Size of each bulk buffer (default: 4096)

	// Flow control
	SendDepth      uint32 // Unacknowledged sends per connection (default: 64)
	SignalInterval uint32 // Request a completion every N sends (default: 8)

	// PIOThreshold is the largest payload written inline into the command
	// queue. Larger messages go through a send buffer.
	PIOThreshold int

	// EventBatch caps the events handled per poll.
	EventBatch int

	// RecvBacklog is the capacity of the received-message channel.
	RecvBacklog int

	// EnableTimeout bounds the wait for the enable command's completion.
	EnableTimeout time.Duration

	// CommandTimeout bounds synchronous commands such as portal updates.
	CommandTimeout time.Duration
}

// DefaultParams returns default endpoint parameters
func DefaultParams() Params {
	return Params{
		TxSlots:        constants.DefaultTxSlots,
		RxSlots:        constants.DefaultRxSlots,
		EventSlots:     constants.DefaultEventSlots,
		EventWidth:     constants.DefaultEventWidth,
		SendBuffers:    constants.DefaultSendDepth,
		RecvBuffers:    constants.DefaultRecvBuffers,
		BufferSize:     constants.DefaultBufferSize,
		SendDepth:      constants.DefaultSendDepth,
		SignalInterval: constants.DefaultSignalInterval,
		PIOThreshold:   constants.DefaultPIOThreshold,
		EventBatch:     queue.DefaultBatch,
		RecvBacklog:    constants.DefaultRecvBuffers,
		EnableTimeout:  constants.CommandTimeout,
		CommandTimeout: constants.CommandTimeout,
	}
}

func (p Params) validate() error {
	switch {
	case p.PIOThreshold < 0:
		return NewError("open", ErrCodeInvalidParameters, "negative PIO threshold")
	case uapi.SlotsFor(1, p.PIOThreshold) > int(p.TxSlots)-1:
		return NewError("open", ErrCodeInvalidParameters,
			fmt.Sprintf("PIO threshold %d does not fit a %d slot TX queue", p.PIOThreshold, p.TxSlots))
	case uapi.SlotsFor(1, p.PIOThreshold) > 0xff:
		return NewError("open", ErrCodeInvalidParameters, fmt.Sprintf("PIO threshold %d too large", p.PIOThreshold))
	case p.SendBuffers == 0:
		return NewError("open", ErrCodeInvalidParameters, "at least one send buffer is required")
	case p.SignalInterval > p.SendDepth:
		return NewError("open", ErrCodeInvalidParameters,
			fmt.Sprintf("signal interval %d exceeds send depth %d", p.SignalInterval, p.SendDepth))
	case p.RecvBacklog < 0 || p.EventBatch < 0:
		return NewError("open", ErrCodeInvalidParameters, "negative backlog or batch")
	}
	return nil
}

func (p Params) queuePairParams() ctrl.QueuePairParams {
	return ctrl.QueuePairParams{
		TxSlots:       p.TxSlots,
		RxSlots:       p.RxSlots,
		EventSlots:    p.EventSlots,
		EventWidth:    p.EventWidth,
		SendBuffers:   p.SendBuffers,
		RecvBuffers:   p.RecvBuffers,
		BufferSize:    p.BufferSize,
		SendDepth:     p.SendDepth,
		EnableTimeout: p.EnableTimeout,
	}
}

// Options contains additional options for fabric creation
type Options struct {
	// Logger for structured logs (if nil, uses the package default)
	Logger *Logger

	// Observer for metrics collection (if nil, records into the fabric's Metrics)
	Observer Observer
}

// Fabric owns the queue-pair controller for one job on one device.
// Endpoints opened on the same fabric share its metrics.
type Fabric struct {
	dev     Device
	ctrl    *ctrl.Controller
	logger  *Logger
	metrics *Metrics
	obs     Observer
}

// NewFabric creates a fabric for job on dev.
func NewFabric(dev Device, job Job, options *Options) (*Fabric, error) {
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	var obs Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		obs = options.Observer
	}

	c, err := ctrl.NewController(ctrl.Config{Device: dev, Job: job, Logger: logger, Observer: obs})
	if err != nil {
		return nil, WrapError("new_fabric", err)
	}
	return &Fabric{dev: dev, ctrl: c, logger: logger, metrics: metrics, obs: obs}, nil
}

// Job returns the job identifier queue pairs are assigned under.
func (f *Fabric) Job() uuid.UUID { return f.ctrl.Job() }

// Metrics returns the fabric's metrics. It stays empty when a custom
// Observer was supplied.
func (f *Fabric) Metrics() *Metrics { return f.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the fabric's metrics
func (f *Fabric) MetricsSnapshot() MetricsSnapshot { return f.metrics.Snapshot() }

// Close marks the fabric's metrics stopped. Endpoints must be closed first.
func (f *Fabric) Close() error {
	f.metrics.Stop()
	return nil
}

// Message is a received message. Data comes from a shared pool; call
// Release once done with it.
type Message struct {
	Conn uint32 // Local connection it arrived on
	Seq  uint32 // Sender's sequence number
	Imm  uint32 // Immediate value the sender attached
	Data []byte
}

// Release returns Data to the buffer pool. Data must not be used afterwards.
func (m *Message) Release() {
	if m.Data != nil {
		queue.PutBuffer(m.Data)
		m.Data = nil
	}
}

// heldBuffer is a send buffer the device may still read for seq.
type heldBuffer struct {
	seq uint32
	buf uint32
}

// Endpoint is one queue pair with its event loop and the flow-control
// state of every connection opened on it.
type Endpoint struct {
	fabric *Fabric
	qp     *ctrl.QueuePair
	params Params
	coord  *flowctl.Coordinator
	runner *queue.Runner
	log    *Logger
	obs    Observer

	// Whole operations are retried while the rings are full, with no
	// connection state held between attempts. Data paths spin first;
	// backoff takes over once a full ring outlasts the spin and is used
	// directly for administrative commands.
	spin    retry.Policy
	backoff retry.Policy

	sendFree chan uint32
	messages chan Message
	done     chan struct{}
	cookie   atomic.Uint32

	mu       sync.Mutex
	closed   bool
	recvFree []uint32
	held     map[uint32][]heldBuffer
	waiters  map[uint64]chan uapi.Event
}

// qpDelivery scopes the device's delivery knobs to one queue pair.
type qpDelivery struct {
	dev Device
	qp  uint32
}

func (d qpDelivery) RecvPosted(conn uint32) (uint32, error) { return d.dev.RecvPosted(d.qp, conn) }

func (d qpDelivery) SetDelivery(conn uint32, enabled bool) error {
	return d.dev.SetDelivery(d.qp, conn, enabled)
}

// Open assigns and enables a queue pair for auth and starts its event
// loop. The loop runs until Close; ctx only bounds the setup.
func (f *Fabric) Open(ctx context.Context, auth Auth, params Params) (*Endpoint, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.RecvBacklog == 0 {
		params.RecvBacklog = int(params.RecvBuffers)
	}
	if params.CommandTimeout <= 0 {
		params.CommandTimeout = constants.CommandTimeout
	}

	qp, err := f.ctrl.AssignQueuePair(ctx, auth, params.queuePairParams())
	if err != nil {
		return nil, WrapError("open", err)
	}
	log := f.logger.WithQueuePair(qp.ID)

	e := &Endpoint{
		fabric:   f,
		qp:       qp,
		params:   params,
		log:      log,
		obs:      f.obs,
		spin:     retry.Bounded(constants.DataSpinAttempts, 0, cmdq.IsWouldBlock),
		backoff:  retry.Blocking(constants.ControlRetryDelay, constants.ControlRetryMaxDelay, cmdq.IsWouldBlock),
		sendFree: make(chan uint32, params.SendBuffers),
		messages: make(chan Message, params.RecvBacklog),
		done:     make(chan struct{}),
		recvFree: make([]uint32, 0, params.RecvBuffers),
		held:     make(map[uint32][]heldBuffer),
		waiters:  make(map[uint64]chan uapi.Event),
	}
	for i := uint32(0); i < params.SendBuffers; i++ {
		e.sendFree <- i
	}
	for i := uint32(0); i < params.RecvBuffers; i++ {
		e.recvFree = append(e.recvFree, i)
	}

	// Submissions made under connection state give up early so the event
	// loop is never stuck behind a full ring it is supposed to drain.
	data := retry.Bounded(constants.SubmitAttempts, 0, nil)
	control := retry.Bounded(constants.SubmitAttempts, constants.ControlRetryDelay, nil)
	e.coord, err = flowctl.New(flowctl.Config{
		TX:             qp.TX,
		Delivery:       qpDelivery{dev: f.dev, qp: qp.ID},
		Pending:        qp.Events,
		Depth:          params.SendDepth,
		SignalInterval: params.SignalInterval,
		DataPolicy:     &data,
		ControlPolicy:  &control,
		Logger:         log,
		Observer:       f.obs,
	})
	if err != nil {
		f.ctrl.ReleaseQueuePair(qp)
		return nil, wrapQP("open", qp.ID, err)
	}

	e.runner, err = queue.NewRunner(queue.Config{
		QueuePair: qp.ID,
		Events:    qp.Events,
		Handler:   queue.HandlerFunc(e.handleEvent),
		Batch:     params.EventBatch,
		Idle:      e.coord.RetryOwed,
		Logger:    log,
	})
	if err != nil {
		f.ctrl.ReleaseQueuePair(qp)
		return nil, wrapQP("open", qp.ID, err)
	}
	if err := e.runner.Start(context.WithoutCancel(ctx)); err != nil {
		f.ctrl.ReleaseQueuePair(qp)
		return nil, wrapQP("open", qp.ID, err)
	}

	log.Info("endpoint open", "user", auth.UserID, "rank", auth.Rank,
		"tx_slots", params.TxSlots, "event_slots", params.EventSlots, "send_depth", params.SendDepth)
	return e, nil
}

// Connect creates a connection between two endpoints, which may be the
// same one, and returns the connection number on each side.
func (f *Fabric) Connect(a, b *Endpoint) (uint32, uint32, error) {
	local, remote, err := f.dev.Connect(a.qp.ID, b.qp.ID)
	if err != nil {
		return 0, 0, wrapQP("connect", a.qp.ID, err)
	}
	if err := a.coord.Open(local, remote); err != nil {
		return 0, 0, wrapConn("connect", a.qp.ID, local, err)
	}
	if err := b.coord.Open(remote, local); err != nil {
		a.coord.Close(local)
		return 0, 0, wrapConn("connect", b.qp.ID, remote, err)
	}
	a.log.Info("connected", "conn", local, "peer_qp", b.qp.ID, "peer_conn", remote)
	return local, remote, nil
}

// QueuePair returns the queue pair number.
func (e *Endpoint) QueuePair() uint32 { return e.qp.ID }

// Params returns the parameters the endpoint was opened with.
func (e *Endpoint) Params() Params { return e.params }

func (e *Endpoint) checkOpen(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NewQueuePairError(op, e.qp.ID, ErrCodeClosed, "endpoint closed")
	}
	return nil
}

// Disconnect forgets a connection. Buffered sends are discarded and send
// buffers it held are returned.
func (e *Endpoint) Disconnect(conn uint32) {
	e.coord.Close(conn)
	e.mu.Lock()
	for _, h := range e.held[conn] {
		e.sendFree <- h.buf
	}
	delete(e.held, conn)
	e.mu.Unlock()
}

// State reports the flow-control state of a connection.
func (e *Endpoint) State(conn uint32) (flowctl.State, error) {
	s, err := e.coord.State(conn)
	return s, wrapConn("state", e.qp.ID, conn, err)
}

// Inspect returns a snapshot of a connection's flow-control bookkeeping.
func (e *Endpoint) Inspect(conn uint32) (ConnState, error) {
	s, err := e.coord.Inspect(conn)
	return s, wrapConn("inspect", e.qp.ID, conn, err)
}

// Send transmits data on conn and returns its sequence number. Payloads up
// to PIOThreshold are written inline; larger ones are copied into a send
// buffer that stays held until the peer acknowledges the message. Send
// blocks while the connection window or the TX queue is full.
func (e *Endpoint) Send(ctx context.Context, conn uint32, data []byte, imm uint32) (uint32, error) {
	if err := e.checkOpen("send"); err != nil {
		return 0, err
	}

	if len(data) <= e.params.PIOThreshold {
		cmd := flowctl.Command{
			Header:  uapi.CommandHeader{Opcode: uapi.OpSendPIO, Imm: imm},
			Payload: data,
		}
		seq, err := e.send(ctx, conn, cmd)
		if err != nil {
			return 0, wrapConn("send", e.qp.ID, conn, err)
		}
		e.obs.ObserveMessage(uint64(len(data)), false)
		return seq, nil
	}

	if len(data) > int(e.params.BufferSize) {
		return 0, NewConnError("send", e.qp.ID, conn, ErrCodeInvalidParameters,
			fmt.Sprintf("%d byte message exceeds %d byte send buffers", len(data), e.params.BufferSize))
	}
	idx, buf, err := e.acquireSendBuffer(ctx)
	if err != nil {
		return 0, wrapConn("send", e.qp.ID, conn, err)
	}
	copy(buf, data)

	// Bulk sends always ask for a completion so their buffer comes back
	// without waiting for the next signaled send.
	cmd := flowctl.Command{Header: uapi.CommandHeader{
		Opcode: uapi.OpSendDMA,
		Flags:  uapi.FlagSignal,
		Length: uint32(len(data)),
		Key:    idx,
		Imm:    imm,
	}}
	seq, err := e.send(ctx, conn, cmd)
	if err != nil {
		e.sendFree <- idx
		return 0, wrapConn("send", e.qp.ID, conn, err)
	}
	e.hold(conn, seq, idx)
	e.obs.ObserveMessage(uint64(len(data)), false)
	return seq, nil
}

// send retries the coordinator while the window or the ring is full.
func (e *Endpoint) send(ctx context.Context, conn uint32, cmd flowctl.Command) (uint32, error) {
	var seq uint32
	err := e.retryData(ctx, func() error {
		var err error
		seq, err = e.coord.Send(ctx, conn, cmd)
		return err
	})
	return seq, err
}

// retryData runs fn under the spin policy and, if the ring is still full
// when the spin runs out, under the backoff policy.
func (e *Endpoint) retryData(ctx context.Context, fn func() error) error {
	err := e.spin.Do(ctx, fn)
	if cmdq.IsWouldBlock(err) {
		err = e.backoff.Do(ctx, fn)
	}
	return err
}

func (e *Endpoint) acquireSendBuffer(ctx context.Context) (uint32, []byte, error) {
	var idx uint32
	select {
	case idx = <-e.sendFree:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-e.done:
		return 0, nil, ErrClosed
	}
	buf, err := e.fabric.ctrl.TranslateBuffer(e.qp, interfaces.AddrSendBuffer, idx)
	if err != nil {
		e.sendFree <- idx
		return 0, nil, err
	}
	return idx, buf, nil
}

// hold keeps send buffer idx until seq on conn is acknowledged.
func (e *Endpoint) hold(conn, seq, idx uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.held[conn] = append(e.held[conn], heldBuffer{seq: seq, buf: idx})
	e.releaseAckedLocked(conn)
}

func (e *Endpoint) releaseAcked(conn uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseAckedLocked(conn)
}

// releaseAckedLocked frees every held buffer whose send is no longer
// unacknowledged. A connection that is gone frees all of them.
func (e *Endpoint) releaseAckedLocked(conn uint32) {
	held := e.held[conn]
	if len(held) == 0 {
		return
	}
	st, err := e.coord.Inspect(conn)
	modulus := 2 * e.coord.Depth()
	kept := held[:0]
	for _, h := range held {
		if err == nil && (h.seq-st.Ack+modulus)%modulus < st.Outstanding {
			kept = append(kept, h)
			continue
		}
		e.sendFree <- h.buf
	}
	e.held[conn] = kept
}

// PostRecv hands up to n free receive buffers to the device for conn and
// returns how many were posted.
func (e *Endpoint) PostRecv(ctx context.Context, conn uint32, n int) (int, error) {
	if err := e.checkOpen("post_recv"); err != nil {
		return 0, err
	}
	if _, err := e.coord.State(conn); err != nil {
		return 0, wrapConn("post_recv", e.qp.ID, conn, err)
	}

	e.mu.Lock()
	take := min(n, len(e.recvFree))
	bufs := append([]uint32(nil), e.recvFree[len(e.recvFree)-take:]...)
	e.recvFree = e.recvFree[:len(e.recvFree)-take]
	e.mu.Unlock()

	posted := 0
	var err error
	for _, idx := range bufs {
		hdr := uapi.CommandHeader{Opcode: uapi.OpRecvAppend, Slots: 1, HeaderSlots: 1, Conn: conn, Key: idx}
		img := uapi.Marshal(&hdr)
		if err = e.retryData(ctx, func() error {
			_, err := e.qp.RX.TrySubmit(img, nil)
			return err
		}); err != nil {
			break
		}
		posted++
	}
	if posted < len(bufs) {
		e.mu.Lock()
		e.recvFree = append(e.recvFree, bufs[posted:]...)
		e.mu.Unlock()
	}
	if posted > 0 {
		ferr := e.coord.OnRecvPosted(ctx, conn, uint32(posted))
		if errors.Is(ferr, flowctl.ErrRecvNotReady) || cmdq.IsWouldBlock(ferr) {
			// Owed; the event loop finishes the resume.
			e.log.Debug("resume deferred", "conn", conn, "posted", posted, "reason", ferr)
			ferr = nil
		}
		err = errors.Join(err, ferr)
	}
	return posted, wrapConn("post_recv", e.qp.ID, conn, err)
}

// FreeRecvBuffers returns how many receive buffers are not posted.
func (e *Endpoint) FreeRecvBuffers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recvFree)
}

// Recv returns the next received message.
func (e *Endpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-e.messages:
		return m, nil
	case <-ctx.Done():
		return Message{}, WrapError("recv", ctx.Err())
	case <-e.done:
		return Message{}, NewQueuePairError("recv", e.qp.ID, ErrCodeClosed, "endpoint closed")
	}
}

// TryRecv returns the next received message without blocking. It returns
// ErrEmpty when none is ready.
func (e *Endpoint) TryRecv() (Message, error) {
	select {
	case m := <-e.messages:
		return m, nil
	default:
		return Message{}, ErrEmpty
	}
}

func (e *Endpoint) nextCookie() uint64 {
	return uint64(e.qp.ID)<<32 | uint64(e.cookie.Add(1))
}

func (e *Endpoint) expect(cookie uint64) chan uapi.Event {
	ch := make(chan uapi.Event, 1)
	e.mu.Lock()
	e.waiters[cookie] = ch
	e.mu.Unlock()
	return ch
}

func (e *Endpoint) forget(cookie uint64) {
	e.mu.Lock()
	delete(e.waiters, cookie)
	e.mu.Unlock()
}

// complete hands ev to whoever waits on its cookie.
func (e *Endpoint) complete(ev uapi.Event) bool {
	if ev.Cookie == 0 {
		return false
	}
	e.mu.Lock()
	ch, ok := e.waiters[ev.Cookie]
	delete(e.waiters, ev.Cookie)
	e.mu.Unlock()
	if ok {
		ch <- ev
	}
	return ok
}

// await waits for the completion registered under cookie.
func (e *Endpoint) await(ctx context.Context, cookie uint64, ch chan uapi.Event) (uapi.Event, error) {
	timer := time.NewTimer(e.params.CommandTimeout)
	defer timer.Stop()
	select {
	case ev, ok := <-ch:
		if !ok {
			return ev, ErrClosed
		}
		if ev.Status != uapi.StatusOK {
			return ev, NewQueuePairError("command", e.qp.ID, ErrCodeCommandFailed, uapi.StatusName(ev.Status))
		}
		return ev, nil
	case <-ctx.Done():
		e.forget(cookie)
		return uapi.Event{}, ctx.Err()
	case <-timer.C:
		e.forget(cookie)
		return uapi.Event{}, ErrTimeout
	}
}

// UpdatePortal installs p in the queue pair's portal table and waits for
// the device to accept it.
func (e *Endpoint) UpdatePortal(ctx context.Context, p PortalEntry) error {
	if err := e.checkOpen("update_portal"); err != nil {
		return err
	}
	cookie := e.nextCookie()
	ch := e.expect(cookie)
	hs := uapi.HeaderSlotsFor(uapi.OpPortalUpdate)
	hdr := uapi.CommandHeader{
		Opcode:      uapi.OpPortalUpdate,
		Flags:       uapi.FlagSignal,
		Slots:       uint8(hs),
		HeaderSlots: uint8(hs),
		Cookie:      cookie,
	}
	header := append(uapi.Marshal(&hdr), uapi.Marshal(&p)...)

	start := time.Now()
	e.qp.Events.AddPending(1)
	if _, err := e.qp.TX.Submit(ctx, e.backoff, header, nil); err != nil {
		e.qp.Events.AddPending(-1)
		e.forget(cookie)
		return wrapQP("update_portal", e.qp.ID, err)
	}
	_, err := e.await(ctx, cookie, ch)
	e.obs.ObserveCommandLatency(uint64(time.Since(start)), err == nil)
	if err == nil {
		e.log.Debug("portal updated", "portal", p.Index, "base", p.Base, "length", p.Length)
	}
	return wrapQP("update_portal", e.qp.ID, err)
}

// RDMAWrite writes data into the peer's portal at offset. match is checked
// against the portal's match bits. It returns once the device reports the
// outcome.
func (e *Endpoint) RDMAWrite(ctx context.Context, conn, portal uint32, offset, match uint64, data []byte) error {
	if err := e.checkOpen("rdma_write"); err != nil {
		return err
	}
	if len(data) > int(e.params.BufferSize) {
		return NewConnError("rdma_write", e.qp.ID, conn, ErrCodeInvalidParameters,
			fmt.Sprintf("%d bytes exceeds %d byte send buffers", len(data), e.params.BufferSize))
	}
	idx, buf, err := e.acquireSendBuffer(ctx)
	if err != nil {
		return wrapConn("rdma_write", e.qp.ID, conn, err)
	}
	copy(buf, data)
	if err := e.rdma(ctx, uapi.OpRDMAWrite, conn, portal, offset, match, idx, uint32(len(data))); err != nil {
		return wrapConn("rdma_write", e.qp.ID, conn, err)
	}
	e.sendFree <- idx
	e.obs.ObserveMessage(uint64(len(data)), false)
	return nil
}

// RDMARead reads length bytes from the peer's portal at offset.
func (e *Endpoint) RDMARead(ctx context.Context, conn, portal uint32, offset, match uint64, length uint32) ([]byte, error) {
	if err := e.checkOpen("rdma_read"); err != nil {
		return nil, err
	}
	if length > e.params.BufferSize {
		return nil, NewConnError("rdma_read", e.qp.ID, conn, ErrCodeInvalidParameters,
			fmt.Sprintf("%d bytes exceeds %d byte send buffers", length, e.params.BufferSize))
	}
	idx, buf, err := e.acquireSendBuffer(ctx)
	if err != nil {
		return nil, wrapConn("rdma_read", e.qp.ID, conn, err)
	}
	if err := e.rdma(ctx, uapi.OpRDMARead, conn, portal, offset, match, idx, length); err != nil {
		return nil, wrapConn("rdma_read", e.qp.ID, conn, err)
	}
	out := append([]byte(nil), buf[:length]...)
	e.sendFree <- idx
	e.obs.ObserveMessage(uint64(length), true)
	return out, nil
}

// rdma runs one sequenced RDMA command through flow control and waits for
// its final completion. On failure the buffer is already accounted for:
// returned if the command never went out, held until acknowledged if it did.
func (e *Endpoint) rdma(ctx context.Context, op uint8, conn, portal uint32, offset, match uint64, idx, length uint32) error {
	cookie := e.nextCookie()
	ch := e.expect(cookie)
	hdr := uapi.CommandHeader{
		Opcode: op,
		Flags:  uapi.FlagSignal,
		Length: length,
		Addr:   offset,
		Key:    idx,
		Imm:    portal,
		Cookie: cookie,
	}
	hdr.Aux[0] = match

	start := time.Now()
	seq, err := e.send(ctx, conn, flowctl.Command{Header: hdr})
	if err != nil {
		e.forget(cookie)
		e.sendFree <- idx
		return err
	}
	_, err = e.await(ctx, cookie, ch)
	e.obs.ObserveCommandLatency(uint64(time.Since(start)), err == nil)
	if err != nil && !IsCode(err, ErrCodeCommandFailed) {
		e.hold(conn, seq, idx)
		return err
	}
	if err != nil {
		e.sendFree <- idx
	}
	return err
}

// handleEvent runs on the event loop for every entry it retires.
func (e *Endpoint) handleEvent(ctx context.Context, ev uapi.Event) error {
	switch ev.Kind {
	case uapi.EventSendComplete, uapi.EventRDMAComplete:
		err := e.coord.HandleSendComplete(ctx, ev.Conn, ev.Seq, ev.Status)
		// A refused command is replayed and completes again later.
		if ev.Status != uapi.StatusTargetNotReady {
			e.complete(ev)
		}
		e.releaseAcked(ev.Conn)
		if err != nil {
			e.log.Warn("send failed", "conn", ev.Conn, "seq", ev.Seq, "status", uapi.StatusName(ev.Status))
		}
		return wrapConn("send_complete", e.qp.ID, ev.Conn, err)

	case uapi.EventFlowControl:
		e.log.Debug("flow control received", "conn", ev.Conn, "type", uapi.FCTypeName(ev.FCType))
		return wrapConn("flow_control", e.qp.ID, ev.Conn, e.coord.HandleControl(ctx, ev.Conn, ev.FCType))

	case uapi.EventRecv:
		return wrapConn("recv", e.qp.ID, ev.Conn, e.deliver(ctx, ev))

	case uapi.EventCmdComplete:
		if !e.complete(ev) {
			e.log.Debug("completion without waiter", "cookie", ev.Cookie, "status", uapi.StatusName(ev.Status))
		}
		return nil

	case uapi.EventError:
		e.log.Warn("device reported error", "conn", ev.Conn, "seq", ev.Seq, "status", uapi.StatusName(ev.Status))
		if e.complete(ev) {
			return nil
		}
		return NewConnError("event", e.qp.ID, ev.Conn, ErrCodeCommandFailed, uapi.StatusName(ev.Status))

	default:
		return NewQueuePairError("event", e.qp.ID, ErrCodeProtocol, fmt.Sprintf("unknown event kind %d", ev.Kind))
	}
}

// deliver copies a received message out of its buffer, returns the buffer
// to the free list and queues the message for Recv.
func (e *Endpoint) deliver(ctx context.Context, ev uapi.Event) error {
	idx := uint32(ev.Data)
	src, err := e.fabric.ctrl.TranslateBuffer(e.qp, interfaces.AddrRecvBuffer, idx)
	if err != nil {
		return err
	}
	if int(ev.Length) > len(src) {
		return fmt.Errorf("%w: %d byte message in %d byte buffer", ErrCorruptBuffer, ev.Length, len(src))
	}
	data := queue.GetBuffer(ev.Length)
	copy(data, src[:ev.Length])

	ferr := e.coord.OnRecvConsumed(ctx, ev.Conn)
	e.mu.Lock()
	e.recvFree = append(e.recvFree, idx)
	e.mu.Unlock()
	e.obs.ObserveMessage(uint64(ev.Length), true)

	msg := Message{Conn: ev.Conn, Seq: ev.Seq, Imm: uint32(ev.Addr), Data: data}
	select {
	case e.messages <- msg:
	case <-ctx.Done():
		msg.Release()
		return ctx.Err()
	}
	return ferr
}

// EndpointStats reports an endpoint's event loop and buffer state.
type EndpointStats struct {
	QueuePair          uint32
	Events             uint64
	DroppedEvents      uint64
	HandlerErrors      uint64
	PendingCompletions int64
	PendingUnderflows  uint64
	FreeSendBuffers    int
	FreeRecvBuffers    int
	Backlog            int
}

// Stats returns a snapshot of the endpoint's counters.
func (e *Endpoint) Stats() EndpointStats {
	rs := e.runner.Stats()
	return EndpointStats{
		QueuePair:          e.qp.ID,
		Events:             rs.Events,
		DroppedEvents:      rs.Dropped,
		HandlerErrors:      rs.HandlerErrors,
		PendingCompletions: e.qp.Events.Pending(),
		PendingUnderflows:  e.qp.Events.PendingUnderflows(),
		FreeSendBuffers:    len(e.sendFree),
		FreeRecvBuffers:    e.FreeRecvBuffers(),
		Backlog:            len(e.messages),
	}
}

// Close stops the event loop and releases the queue pair. Blocked calls
// return ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.runner.Close()
	close(e.done)

	e.mu.Lock()
	for cookie, ch := range e.waiters {
		close(ch)
		delete(e.waiters, cookie)
	}
	e.mu.Unlock()

	err := e.fabric.ctrl.ReleaseQueuePair(e.qp)
	e.log.Info("endpoint closed", "events", e.runner.Stats().Events)
	return wrapQP("close", e.qp.ID, err)
}
