package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hfi/internal/ctrl"
	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/logging"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

var simAuth = ctrl.Auth{UserID: 42, Rank: 0}

func newTestSim(t *testing.T) (*Sim, *ctrl.Controller) {
	t.Helper()
	s := NewSim(SimConfig{Notifier: "chan", Idle: 20 * time.Microsecond, Logger: logging.Nop()})
	t.Cleanup(func() { s.Close() })
	c, err := ctrl.NewController(ctrl.Config{
		Device: s,
		Job:    ctrl.Job{Allowed: []ctrl.Auth{simAuth}},
		Logger: logging.Nop(),
	})
	require.NoError(t, err)
	return s, c
}

func testParams() ctrl.QueuePairParams {
	p := ctrl.DefaultQueuePairParams()
	p.TxSlots = 32
	p.RxSlots = 16
	p.EventSlots = 32
	p.SendBuffers = 4
	p.RecvBuffers = 8
	p.BufferSize = 256
	p.SendDepth = 8
	p.EnableTimeout = 2 * time.Second
	return p
}

func assign(t *testing.T, c *ctrl.Controller, p ctrl.QueuePairParams) *ctrl.QueuePair {
	t.Helper()
	qp, err := c.AssignQueuePair(context.Background(), simAuth, p)
	require.NoError(t, err)
	return qp
}

// submit fills in the slot counts and places the command on the TX queue,
// or on the RX queue for receive appends.
func submit(t *testing.T, qp *ctrl.QueuePair, h uapi.CommandHeader, extra, payload []byte) {
	t.Helper()
	hs := uapi.HeaderSlotsFor(h.Opcode)
	h.HeaderSlots = uint8(hs)
	h.Slots = uint8(uapi.SlotsFor(hs, len(payload)))
	if h.Opcode == uapi.OpSendPIO {
		h.Length = uint32(len(payload))
	}
	header := uapi.Marshal(&h)
	if extra != nil {
		header = append(header, extra...)
	}
	q := qp.TX
	if h.Opcode == uapi.OpRecvAppend {
		q = qp.RX
	}
	_, err := q.TrySubmit(header, payload)
	require.NoError(t, err)
}

func next(t *testing.T, qp *ctrl.QueuePair) uapi.Event {
	t.Helper()
	e, err := qp.Events.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	ev, err := e.Decode()
	require.NoError(t, err)
	require.NoError(t, qp.Events.Advance(e))
	return ev
}

func assertQuiet(t *testing.T, qp *ctrl.QueuePair) {
	t.Helper()
	_, ok := qp.Events.Peek(0)
	assert.False(t, ok, "unexpected event on qp %d", qp.ID)
}

func postRecv(t *testing.T, qp *ctrl.QueuePair, conn, buf uint32) {
	t.Helper()
	submit(t, qp, uapi.CommandHeader{Opcode: uapi.OpRecvAppend, Conn: conn, Key: buf, Flags: uapi.FlagSignal}, nil, nil)
	ev := next(t, qp)
	require.Equal(t, uapi.EventCmdComplete, ev.Kind)
	require.Equal(t, uapi.StatusOK, ev.Status)
}

func send(seq uint32, conn uint32, flags uint8) uapi.CommandHeader {
	return uapi.CommandHeader{Opcode: uapi.OpSendPIO, Conn: conn, Seq: seq, Flags: flags | uapi.FlagSignal}
}

func pair(t *testing.T, s *Sim, c *ctrl.Controller) (a, b *ctrl.QueuePair, local, remote uint32) {
	t.Helper()
	a = assign(t, c, testParams())
	b = assign(t, c, testParams())
	local, remote, err := s.Connect(a.ID, b.ID)
	require.NoError(t, err)
	return a, b, local, remote
}

func TestSimAssignValidation(t *testing.T) {
	s, _ := newTestSim(t)

	_, err := s.AssignQueuePair(interfaces.QueuePairConfig{TxSlots: 3, RxSlots: 4, EventSlots: 8, EventWidth: 64})
	assert.ErrorIs(t, err, ErrBadConfig)
	_, err = s.AssignQueuePair(interfaces.QueuePairConfig{TxSlots: 4, RxSlots: 4, EventSlots: 8, EventWidth: 96})
	assert.ErrorIs(t, err, ErrBadConfig)

	err = s.ReleaseQueuePair(99)
	assert.ErrorIs(t, err, ErrUnknownQP)
	_, err = s.TranslateAddress(99, interfaces.AddrTxQueue, 0)
	assert.ErrorIs(t, err, ErrUnknownQP)
}

func TestSimEnableChecksAuth(t *testing.T) {
	s, c := newTestSim(t)
	qp := assign(t, c, testParams())
	peer := assign(t, c, testParams())
	_, remote, err := s.Connect(qp.ID, peer.ID)
	require.NoError(t, err)

	st, err := s.TranslateAddress(qp.ID, interfaces.AddrStatusPage, 0)
	require.NoError(t, err)
	assert.Len(t, st, uapi.StatusPageSize)

	// A second enable with the wrong tuple is refused and disables the
	// queue pair.
	submit(t, qp, uapi.CommandHeader{Opcode: uapi.OpQueueEnable, Key: 7, Imm: 7, Cookie: 5}, nil, nil)
	ev := next(t, qp)
	assert.Equal(t, uapi.EventCmdComplete, ev.Kind)
	assert.Equal(t, uapi.StatusProtection, ev.Status)
	assert.Equal(t, uint64(5), ev.Cookie)

	submit(t, qp, send(0, remote, 0), nil, []byte("x"))
	ev = next(t, qp)
	assert.Equal(t, uapi.EventSendComplete, ev.Kind)
	assert.Equal(t, uapi.StatusInvalidCommand, ev.Status)
	assertQuiet(t, peer)
}

func TestSimSendDelivers(t *testing.T) {
	s, c := newTestSim(t)
	a, b, local, remote := pair(t, s, c)

	postRecv(t, b, remote, 3)
	n, err := s.RecvPosted(b.ID, remote)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	msg := []byte("a message that spans two slots of payload, so more than 64 bytes long")
	submit(t, a, uapi.CommandHeader{Opcode: uapi.OpSendPIO, Conn: remote, Seq: 0, Flags: uapi.FlagSignal, Imm: 77, Cookie: 9}, nil, msg)

	comp := next(t, a)
	assert.Equal(t, uapi.EventSendComplete, comp.Kind)
	assert.Equal(t, uapi.StatusOK, comp.Status)
	assert.Equal(t, local, comp.Conn)
	assert.Equal(t, uint32(0), comp.Seq)
	assert.Equal(t, uint64(9), comp.Cookie)

	recv := next(t, b)
	assert.Equal(t, uapi.EventRecv, recv.Kind)
	assert.Equal(t, remote, recv.Conn)
	assert.Equal(t, uint32(len(msg)), recv.Length)
	assert.Equal(t, uint64(3), recv.Data)
	assert.Equal(t, uint64(77), recv.Addr)

	buf, err := s.TranslateAddress(b.ID, interfaces.AddrRecvBuffer, 3)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:len(msg)])

	n, err = s.RecvPosted(b.ID, remote)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), s.Stats().Delivered)
}

func TestSimUnsignaledSendCompletesSilently(t *testing.T) {
	s, c := newTestSim(t)
	a, b, _, remote := pair(t, s, c)

	postRecv(t, b, remote, 0)
	submit(t, a, uapi.CommandHeader{Opcode: uapi.OpSendPIO, Conn: remote}, nil, []byte("quiet"))
	recv := next(t, b)
	assert.Equal(t, uapi.EventRecv, recv.Kind)
	assertQuiet(t, a)
}

func TestSimDMASendUsesSendBuffer(t *testing.T) {
	s, c := newTestSim(t)
	a, b, _, remote := pair(t, s, c)
	postRecv(t, b, remote, 0)

	sb, err := s.TranslateAddress(a.ID, interfaces.AddrSendBuffer, 2)
	require.NoError(t, err)
	copy(sb, "bulk payload")

	submit(t, a, uapi.CommandHeader{Opcode: uapi.OpSendDMA, Conn: remote, Key: 2, Length: 12, Flags: uapi.FlagSignal}, nil, nil)
	assert.Equal(t, uapi.StatusOK, next(t, a).Status)
	recv := next(t, b)
	rb, err := s.TranslateAddress(b.ID, interfaces.AddrRecvBuffer, 0)
	require.NoError(t, err)
	assert.Equal(t, "bulk payload", string(rb[:recv.Length]))
}

func TestSimGoBackN(t *testing.T) {
	s, c := newTestSim(t)
	a, b, local, remote := pair(t, s, c)

	// No buffers: seq 0 is refused, and seq 1 behind it too.
	submit(t, a, send(0, remote, 0), nil, []byte("m0"))
	submit(t, a, send(1, remote, 0), nil, []byte("m1"))
	for seq := uint32(0); seq < 2; seq++ {
		ev := next(t, a)
		assert.Equal(t, uapi.StatusTargetNotReady, ev.Status)
		assert.Equal(t, local, ev.Conn)
		assert.Equal(t, seq, ev.Seq)
	}
	assertQuiet(t, b)

	// Buffers alone do not re-open delivery after a refusal.
	postRecv(t, b, remote, 0)
	postRecv(t, b, remote, 1)
	submit(t, a, send(0, remote, uapi.FlagRetransmit), nil, []byte("m0"))
	assert.Equal(t, uapi.StatusTargetNotReady, next(t, a).Status)

	require.NoError(t, s.SetDelivery(b.ID, remote, true))

	// A new send is still refused until the refused sequence is replayed,
	// and that ordering refusal leaves delivery enabled.
	submit(t, a, send(2, remote, 0), nil, []byte("m2"))
	assert.Equal(t, uapi.StatusTargetNotReady, next(t, a).Status)
	s.mu.Lock()
	assert.True(t, s.conns[remote].delivery, "ordering refusal disabled delivery")
	s.mu.Unlock()

	submit(t, a, send(0, remote, uapi.FlagRetransmit), nil, []byte("m0"))
	submit(t, a, send(1, remote, uapi.FlagRetransmit), nil, []byte("m1"))
	for seq := uint32(0); seq < 2; seq++ {
		ev := next(t, a)
		assert.Equal(t, uapi.StatusOK, ev.Status)
		assert.Equal(t, seq, ev.Seq)
		recv := next(t, b)
		assert.Equal(t, seq, recv.Seq)
	}

	// Replaying an accepted sequence completes without a second delivery.
	submit(t, a, send(1, remote, uapi.FlagRetransmit), nil, []byte("m1"))
	assert.Equal(t, uapi.StatusOK, next(t, a).Status)
	assertQuiet(t, b)

	st := s.Stats()
	assert.Equal(t, uint64(4), st.NAKs)
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Equal(t, uint64(1), st.Duplicates)
}

func TestSimSequenceWraps(t *testing.T) {
	s, c := newTestSim(t)
	a, b, _, remote := pair(t, s, c)

	// Send depth 8 numbers sequences modulo 16.
	for i := uint32(0); i < 20; i++ {
		postRecv(t, b, remote, i%8)
		submit(t, a, send(i%16, remote, 0), nil, []byte{byte(i)})
		assert.Equal(t, uapi.StatusOK, next(t, a).Status, "send %d", i)
		recv := next(t, b)
		assert.Equal(t, i%16, recv.Seq)
	}
	assert.Zero(t, s.Stats().NAKs)
}

func TestSimFlowControlMessage(t *testing.T) {
	s, c := newTestSim(t)
	a, b, _, remote := pair(t, s, c)

	submit(t, a, uapi.CommandHeader{Opcode: uapi.OpFlowControl, Conn: remote, Imm: uint32(uapi.FCTxEnter)}, nil, nil)
	ev := next(t, b)
	assert.Equal(t, uapi.EventFlowControl, ev.Kind)
	assert.Equal(t, uapi.FCTxEnter, ev.FCType)
	assert.Equal(t, remote, ev.Conn)
	assertQuiet(t, a)

	// Control messages are sent to the peer's end only.
	submit(t, b, uapi.CommandHeader{Opcode: uapi.OpFlowControl, Conn: remote, Imm: uint32(uapi.FCResume)}, nil, nil)
	ev = next(t, b)
	assert.Equal(t, uapi.EventError, ev.Kind)
	assert.Equal(t, uint64(1), s.Stats().Control)
}

func TestSimOversizeMessageDropped(t *testing.T) {
	s, c := newTestSim(t)
	a := assign(t, c, testParams())
	small := testParams()
	small.BufferSize = 64
	b := assign(t, c, small)
	_, remote, err := s.Connect(a.ID, b.ID)
	require.NoError(t, err)

	postRecv(t, b, remote, 0)
	submit(t, a, send(0, remote, 0), nil, make([]byte, 100))
	assert.Equal(t, uapi.StatusRemoteError, next(t, a).Status)

	e, err := b.Events.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, e.Dropped())
	assert.Equal(t, uapi.EventRecv, e.Kind())
	require.NoError(t, b.Events.Advance(e))

	// The buffer stays posted and the sequence is spent.
	n, err := s.RecvPosted(b.ID, remote)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	submit(t, a, send(1, remote, 0), nil, []byte("fits"))
	assert.Equal(t, uapi.StatusOK, next(t, a).Status)
	assert.Equal(t, uint32(1), next(t, b).Seq)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestSimPortalRDMA(t *testing.T) {
	s, c := newTestSim(t)
	a, b, _, remote := pair(t, s, c)

	entry := uapi.PortalEntry{Index: 3, Flags: uapi.PortalEnabled | uapi.PortalUseOnce, Base: 512, Length: 256, MatchBits: 0xab00, IgnoreBits: 0xff}
	submit(t, b, uapi.CommandHeader{Opcode: uapi.OpPortalUpdate, Cookie: 11}, uapi.Marshal(&entry), nil)
	ev := next(t, b)
	require.Equal(t, uapi.EventCmdComplete, ev.Kind)
	require.Equal(t, uapi.StatusOK, ev.Status)
	assert.Equal(t, uint64(11), ev.Cookie)

	sb, err := s.TranslateAddress(a.ID, interfaces.AddrSendBuffer, 0)
	require.NoError(t, err)
	copy(sb, "remote write")

	w := uapi.CommandHeader{Opcode: uapi.OpRDMAWrite, Conn: remote, Seq: 0, Flags: uapi.FlagSignal,
		Key: 0, Imm: 3, Addr: 16, Length: 12}
	w.Aux[0] = 0xab42
	submit(t, a, w, nil, nil)
	ev = next(t, a)
	assert.Equal(t, uapi.EventRDMAComplete, ev.Kind)
	assert.Equal(t, uapi.StatusOK, ev.Status)

	region, err := s.TranslateAddress(b.ID, interfaces.AddrRecvBuffer, 2)
	require.NoError(t, err)
	assert.Equal(t, "remote write", string(region[16:28]))
	assertQuiet(t, b)

	// Use-once portals disable themselves.
	w.Seq = 1
	submit(t, a, w, nil, nil)
	assert.Equal(t, uapi.StatusProtection, next(t, a).Status)

	bad := uapi.PortalEntry{Index: MaxPortals}
	submit(t, b, uapi.CommandHeader{Opcode: uapi.OpPortalUpdate}, uapi.Marshal(&bad), nil)
	assert.Equal(t, uapi.StatusInvalidCommand, next(t, b).Status)
}

func TestSimRDMAMatchBits(t *testing.T) {
	s, c := newTestSim(t)
	a, b, _, remote := pair(t, s, c)

	entry := uapi.PortalEntry{Index: 0, Flags: uapi.PortalEnabled, Length: 128, MatchBits: 1}
	submit(t, b, uapi.CommandHeader{Opcode: uapi.OpPortalUpdate}, uapi.Marshal(&entry), nil)
	require.Equal(t, uapi.StatusOK, next(t, b).Status)

	r := uapi.CommandHeader{Opcode: uapi.OpRDMARead, Conn: remote, Seq: 0, Length: 8}
	r.Aux[0] = 2
	submit(t, a, r, nil, nil)
	assert.Equal(t, uapi.StatusProtection, next(t, a).Status)

	region, err := s.TranslateAddress(b.ID, interfaces.AddrRecvBuffer, 0)
	require.NoError(t, err)
	copy(region, "readable")
	r.Seq, r.Aux[0], r.Flags = 1, 1, uapi.FlagSignal
	submit(t, a, r, nil, nil)
	assert.Equal(t, uapi.StatusOK, next(t, a).Status)
	sb, err := s.TranslateAddress(a.ID, interfaces.AddrSendBuffer, 0)
	require.NoError(t, err)
	assert.Equal(t, "readable", string(sb[:8]))
}

func TestSimEventQueueBackpressure(t *testing.T) {
	s, c := newTestSim(t)
	p := testParams()
	p.EventSlots = 8
	a := assign(t, c, p)
	b := assign(t, c, testParams())
	_, remote, err := s.Connect(a.ID, b.ID)
	require.NoError(t, err)

	for i := uint32(0); i < 8; i++ {
		postRecv(t, b, remote, i)
	}
	for i := uint32(0); i < 9; i++ {
		submit(t, a, send(i, remote, 0), nil, []byte{byte(i)})
	}

	// Eight completions fill the ring; the ninth send waits in the TX
	// queue instead of overwriting an entry the host has not retired.
	require.Eventually(t, func() bool {
		_, ok := a.Events.Peek(7)
		return ok
	}, 2*time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, uint64(8), s.Stats().Delivered)

	for i := uint32(0); i < 8; i++ {
		assert.Equal(t, i, next(t, b).Seq)
	}
	postRecv(t, b, remote, 0)
	a.Events.Lock()
	require.NoError(t, a.Events.AdvanceMultiple(8))
	a.Events.Unlock()

	ev := next(t, a)
	assert.Equal(t, uapi.StatusOK, ev.Status)
	assert.Equal(t, uint32(8), ev.Seq)
}

func TestSimConnectAndRelease(t *testing.T) {
	s, c := newTestSim(t)
	a, b, local, remote := pair(t, s, c)

	_, _, err := s.Connect(a.ID, 99)
	assert.ErrorIs(t, err, ErrUnknownQP)
	assert.ErrorIs(t, s.SetDelivery(a.ID, remote, true), ErrUnknownConn)
	_, err = s.RecvPosted(b.ID, local)
	assert.ErrorIs(t, err, ErrUnknownConn)

	require.NoError(t, c.ReleaseQueuePair(b))
	_, err = s.RecvPosted(b.ID, remote)
	assert.Error(t, err)

	// Sends toward a released peer are refused.
	submit(t, a, send(0, remote, 0), nil, []byte("gone"))
	assert.Equal(t, uapi.StatusInvalidCommand, next(t, a).Status)
}

func TestSimLoopback(t *testing.T) {
	s, c := newTestSim(t)
	a := assign(t, c, testParams())
	local, remote, err := s.Connect(a.ID, a.ID)
	require.NoError(t, err)

	postRecv(t, a, remote, 0)
	submit(t, a, send(0, remote, 0), nil, []byte("self"))

	kinds := map[uint8]uapi.Event{}
	for i := 0; i < 2; i++ {
		ev := next(t, a)
		kinds[ev.Kind] = ev
	}
	assert.Equal(t, local, kinds[uapi.EventSendComplete].Conn)
	assert.Equal(t, remote, kinds[uapi.EventRecv].Conn)
}

func BenchmarkSimSendPIO(b *testing.B) {
	s := NewSim(SimConfig{Notifier: "chan", Logger: logging.Nop()})
	defer s.Close()
	c, err := ctrl.NewController(ctrl.Config{Device: s, Job: ctrl.Job{Allowed: []ctrl.Auth{simAuth}}, Logger: logging.Nop()})
	if err != nil {
		b.Fatal(err)
	}
	p := testParams()
	p.SendDepth = 64
	tx, err := c.AssignQueuePair(context.Background(), simAuth, p)
	if err != nil {
		b.Fatal(err)
	}
	rx, err := c.AssignQueuePair(context.Background(), simAuth, p)
	if err != nil {
		b.Fatal(err)
	}
	_, remote, err := s.Connect(tx.ID, rx.ID)
	if err != nil {
		b.Fatal(err)
	}

	payload := make([]byte, 128)
	ctx := context.Background()
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seq := uint32(i) % 128
		recv := uapi.CommandHeader{Opcode: uapi.OpRecvAppend, Slots: 1, HeaderSlots: 1, Conn: remote, Key: uint32(i) % 8}
		for {
			if _, err := rx.RX.TrySubmit(uapi.Marshal(&recv), nil); err == nil {
				break
			}
		}
		h := uapi.CommandHeader{Opcode: uapi.OpSendPIO, Slots: 3, HeaderSlots: 1, Length: 128, Conn: remote, Seq: seq, Flags: uapi.FlagSignal}
		for {
			if _, err := tx.TX.TrySubmit(uapi.Marshal(&h), payload); err == nil {
				break
			}
		}
		for _, qp := range []*ctrl.QueuePair{tx, rx} {
			e, err := qp.Events.Wait(ctx, time.Second)
			if err != nil {
				b.Fatal(err)
			}
			qp.Events.Advance(e)
		}
	}
}
