package backend

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// command is one decoded command read out of a ring.
type command struct {
	hdr     uapi.CommandHeader
	extra   []byte
	payload []byte
	slots   uint32
}

// run drives one queue pair until ctx ends.
func (s *Sim) run(ctx context.Context, q *simQP) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.step(q) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Idle):
		}
	}
}

// step consumes up to one batch from each of q's command queues and rings
// the doorbell of every queue pair that got events.
func (s *Sim) step(q *simQP) int {
	s.mu.Lock()
	n := 0
	for i := 0; i < s.cfg.Batch; i++ {
		if !s.nextCommand(q, &q.rx, s.handleRX) {
			break
		}
		n++
	}
	for i := 0; i < s.cfg.Batch; i++ {
		if !s.nextCommand(q, &q.tx, s.handleTX) {
			break
		}
		n++
	}
	var wake []*simQP
	for _, p := range s.qps {
		if p.signal {
			p.signal = false
			wake = append(wake, p)
		}
	}
	s.mu.Unlock()

	for _, p := range wake {
		p.notifier.Signal()
	}
	return n
}

// nextCommand reads the command at the head of r and hands it to handle.
// The slots are consumed only if handle accepts the command; a handler
// declines when an event queue it must write has no room.
func (s *Sim) nextCommand(q *simQP, r *cmdRing, handle func(*simQP, *command) bool) bool {
	cmd, ok := r.peek()
	if !ok {
		return false
	}
	if cmd.slots == 0 {
		// Malformed descriptor: report it and skip the one slot.
		if !q.room(1) {
			return false
		}
		s.stats.Errors++
		q.post(&uapi.Event{Status: uapi.StatusInvalidCommand, Cookie: cmd.hdr.Cookie}, uapi.EventError, false)
		r.consume(1)
		return true
	}
	if !handle(q, cmd) {
		return false
	}
	s.stats.Commands++
	r.consume(cmd.slots)
	return true
}

// peek decodes the command at the head. Word 0 of the header slot is the
// ready flag; the producer writes it last, so once it is non-zero every
// other slot of the command is in place.
func (r *cmdRing) peek() (*command, bool) {
	base := int(r.head) * uapi.SlotSize
	if ring.Word64At(r.mem, base).Load() == 0 {
		return nil, false
	}
	cmd := &command{}
	uapi.Unmarshal(r.mem[base:base+uapi.SlotSize], &cmd.hdr)

	n := uint32(cmd.hdr.Slots)
	hs := uint32(cmd.hdr.HeaderSlots)
	if n == 0 || n > r.mask || hs == 0 || hs > uapi.MaxHeaderSlots || hs > n {
		return cmd, true
	}
	cmd.slots = n
	if hs == 2 {
		cmd.extra = append([]byte(nil), r.slot(1)...)
	}
	if n > hs && cmd.hdr.Opcode == uapi.OpSendPIO {
		buf := make([]byte, 0, int(n-hs)*uapi.SlotSize)
		for i := hs; i < n; i++ {
			buf = append(buf, r.slot(i)...)
		}
		if int(cmd.hdr.Length) < len(buf) {
			buf = buf[:cmd.hdr.Length]
		}
		cmd.payload = buf
	}
	return cmd, true
}

func (r *cmdRing) slot(pos uint32) []byte {
	off := int((r.head+pos)&r.mask) * uapi.SlotSize
	return r.mem[off : off+uapi.SlotSize]
}

// consume clears the ready word of every slot the command used, then
// publishes the new head. A slot is never reported free while it could
// still look ready.
func (r *cmdRing) consume(n uint32) {
	for i := uint32(0); i < n; i++ {
		ring.Word64At(r.mem, int((r.head+i)&r.mask)*uapi.SlotSize).Store(0)
	}
	r.head = (r.head + n) & r.mask
	r.pub.Publish(r.head)
}

// room reports whether the next n event entries are free.
func (q *simQP) room(n int) bool {
	w := int(q.cfg.EventWidth)
	for i := 0; i < n; i++ {
		off := int((q.evTail+uint32(i))&q.evMask) * w
		if uapi.ControlValid(ring.Word64At(q.ev, off+w-8).Load()) {
			return false
		}
	}
	return true
}

// post writes an event: the body, a fence, then the control word.
func (q *simQP) post(ev *uapi.Event, kind uint8, dropped bool) {
	w := int(q.cfg.EventWidth)
	off := int(q.evTail&q.evMask) * w
	entry := q.ev[off : off+w]
	clear(entry[:w-8])
	uapi.EncodeEventBody(entry, ev)
	ring.Sfence()
	ring.Word64At(q.ev, off+w-8).Store(uapi.ControlWord(kind, dropped))
	q.evTail++
	q.signal = true
}

func (s *Sim) handleRX(q *simQP, cmd *command) bool {
	h := &cmd.hdr
	signal := h.Flags&uapi.FlagSignal != 0
	if !q.room(1) {
		return false
	}
	if h.Opcode != uapi.OpRecvAppend {
		s.stats.Errors++
		q.post(&uapi.Event{Status: uapi.StatusInvalidCommand, Cookie: h.Cookie}, uapi.EventError, false)
		return true
	}
	c, err := s.connLocked(q.id, h.Conn)
	if err != nil {
		s.stats.Errors++
		q.post(&uapi.Event{Status: uapi.StatusInvalidCommand, Conn: h.Conn, Cookie: h.Cookie}, uapi.EventError, false)
		return true
	}
	if _, ok := q.recvBuf(h.Key); !ok {
		s.stats.Errors++
		q.post(&uapi.Event{Status: uapi.StatusProtection, Conn: h.Conn, Cookie: h.Cookie}, uapi.EventError, false)
		return true
	}
	c.recvQ = append(c.recvQ, h.Key)
	if signal {
		q.post(&uapi.Event{Status: uapi.StatusOK, Conn: h.Conn, Cookie: h.Cookie, Data: uint64(h.Key)}, uapi.EventCmdComplete, false)
	}
	return true
}

func (s *Sim) handleTX(q *simQP, cmd *command) bool {
	h := &cmd.hdr
	switch h.Opcode {
	case uapi.OpQueueEnable:
		if !q.room(1) {
			return false
		}
		status := uapi.StatusOK
		if h.Key != q.cfg.UserID || h.Imm != q.cfg.Rank {
			status = uapi.StatusProtection
		}
		q.enabled = status == uapi.StatusOK
		q.post(&uapi.Event{Status: status, Cookie: h.Cookie}, uapi.EventCmdComplete, false)
		return true

	case uapi.OpPortalUpdate:
		if !q.room(1) {
			return false
		}
		status := uapi.StatusOK
		var p uapi.PortalEntry
		switch {
		case !q.enabled:
			status = uapi.StatusInvalidCommand
		case uapi.Unmarshal(cmd.extra, &p) != nil, p.Index >= MaxPortals:
			status = uapi.StatusInvalidCommand
		case p.Base+p.Length > uint64(len(q.recvMem)):
			status = uapi.StatusProtection
		default:
			q.portals[p.Index] = p
		}
		q.post(&uapi.Event{Status: status, Cookie: h.Cookie, Data: uint64(p.Index)}, uapi.EventCmdComplete, false)
		return true

	case uapi.OpSendPIO, uapi.OpSendDMA, uapi.OpRDMAWrite, uapi.OpRDMARead:
		return s.transfer(q, cmd)

	case uapi.OpFlowControl:
		rc, ok := s.conns[h.Conn]
		if !ok || s.conns[rc.peer] == nil || s.conns[rc.peer].qp != q.id {
			if !q.room(1) {
				return false
			}
			s.stats.Errors++
			q.post(&uapi.Event{Status: uapi.StatusInvalidCommand, Conn: h.Conn, Cookie: h.Cookie}, uapi.EventError, false)
			return true
		}
		rq := s.qps[rc.qp]
		if !rq.room(1) {
			return false
		}
		s.stats.Control++
		rq.post(&uapi.Event{Status: uapi.StatusOK, FCType: uint8(h.Imm), Conn: rc.id}, uapi.EventFlowControl, false)
		return true

	default:
		if !q.room(1) {
			return false
		}
		s.stats.Errors++
		q.post(&uapi.Event{Status: uapi.StatusInvalidCommand, Conn: h.Conn, Seq: h.Seq, Cookie: h.Cookie}, uapi.EventError, false)
		return true
	}
}

func completionKind(op uint8) uint8 {
	if op == uapi.OpRDMAWrite || op == uapi.OpRDMARead {
		return uapi.EventRDMAComplete
	}
	return uapi.EventSendComplete
}

// transfer executes a sequenced command on a connection. Receivers accept
// sequences strictly in order. After refusing one (target not ready) a
// receiver refuses every new command until the retransmission of the
// refused sequence arrives; retransmissions of sequences it already
// accepted complete without being delivered again. Only a refusal for lack
// of receive buffers turns delivery off.
func (s *Sim) transfer(q *simQP, cmd *command) bool {
	h := &cmd.hdr
	kind := completionKind(h.Opcode)
	isSend := h.Opcode == uapi.OpSendPIO || h.Opcode == uapi.OpSendDMA

	rc, ok := s.conns[h.Conn]
	var sc *simConn
	if ok {
		sc = s.conns[rc.peer]
	}
	if !q.enabled || sc == nil || sc.qp != q.id {
		if !q.room(1) {
			return false
		}
		s.stats.Errors++
		q.post(&uapi.Event{Status: uapi.StatusInvalidCommand, Conn: h.Conn, Seq: h.Seq, Cookie: h.Cookie}, kind, false)
		return true
	}
	rq := s.qps[rc.qp]

	need := 1
	if isSend && rq == q {
		need = 2
	}
	if !q.room(need) || (isSend && rq != q && !rq.room(1)) {
		return false
	}

	signal := h.Flags&uapi.FlagSignal != 0
	complete := func(status uint8) {
		q.post(&uapi.Event{Status: status, Conn: sc.id, Seq: h.Seq, Length: h.Length, Cookie: h.Cookie}, kind, false)
	}
	nak := func() bool {
		rc.nakPending = true
		s.stats.NAKs++
		complete(uapi.StatusTargetNotReady)
		return true
	}
	accept := func(status uint8) bool {
		rc.expected = (rc.expected + 1) % rc.modulus
		rc.nakPending = false
		if signal || status != uapi.StatusOK {
			complete(status)
		}
		return true
	}

	behind := (rc.expected - h.Seq + rc.modulus) % rc.modulus
	switch {
	case behind != 0 && behind <= rc.modulus/2:
		s.stats.Duplicates++
		if signal {
			complete(uapi.StatusOK)
		}
		return true
	case behind != 0:
		return nak()
	case rc.nakPending && h.Flags&uapi.FlagRetransmit == 0:
		return nak()
	}

	switch h.Opcode {
	case uapi.OpSendPIO, uapi.OpSendDMA:
		data := cmd.payload
		if h.Opcode == uapi.OpSendDMA {
			buf, ok := q.sendBuf(h.Key)
			if !ok || int(h.Length) > len(buf) {
				return accept(uapi.StatusProtection)
			}
			data = buf[:h.Length]
		}
		if !rc.delivery || len(rc.recvQ) == 0 {
			rc.delivery = false
			return nak()
		}
		idx := rc.recvQ[0]
		dst, _ := rq.recvBuf(idx)
		if len(data) > len(dst) {
			s.stats.Dropped++
			rq.post(&uapi.Event{Kind: uapi.EventRecv, Conn: rc.id, Seq: h.Seq}, uapi.EventRecv, true)
			return accept(uapi.StatusRemoteError)
		}
		rc.recvQ = rc.recvQ[1:]
		copy(dst, data)
		s.stats.Delivered++
		rq.post(&uapi.Event{
			Status: uapi.StatusOK,
			Conn:   rc.id,
			Seq:    h.Seq,
			Length: uint32(len(data)),
			Cookie: h.Cookie,
			Data:   uint64(idx),
			Addr:   uint64(h.Imm),
			Inline: data,
		}, uapi.EventRecv, false)
		return accept(uapi.StatusOK)

	default:
		return accept(s.rdma(q, rq, h))
	}
}

// rdma moves data between q's send buffer h.Key and the region of rq's
// receive memory named by portal h.Imm. Aux[0] carries the match bits.
func (s *Sim) rdma(q, rq *simQP, h *uapi.CommandHeader) uint8 {
	p, ok := rq.portals[h.Imm]
	if !ok || p.Flags&uapi.PortalEnabled == 0 {
		return uapi.StatusProtection
	}
	if (h.Aux[0]^p.MatchBits)&^p.IgnoreBits != 0 {
		return uapi.StatusProtection
	}
	if h.Addr+uint64(h.Length) > p.Length {
		return uapi.StatusProtection
	}
	local, ok := q.sendBuf(h.Key)
	if !ok || int(h.Length) > len(local) {
		return uapi.StatusProtection
	}
	start := p.Base + h.Addr
	remote := rq.recvMem[start : start+uint64(h.Length)]
	if h.Opcode == uapi.OpRDMAWrite {
		copy(remote, local[:h.Length])
	} else {
		copy(local[:h.Length], remote)
	}
	if p.Flags&uapi.PortalUseOnce != 0 {
		p.Flags &^= uapi.PortalEnabled
		rq.portals[h.Imm] = p
	}
	return uapi.StatusOK
}
