package cmdq

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/retry"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// fakeDevice owns the memory of one queue and plays the consumer.
type fakeDevice struct {
	mem    []byte
	status []byte
	head   ring.HWIndex
	pos    uint32
}

func newFakeDevice(t *testing.T, slots int) *fakeDevice {
	t.Helper()
	mem, err := ring.Alloc(slots * uapi.SlotSize)
	require.NoError(t, err)
	status, err := ring.Alloc(uapi.StatusPageSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		ring.Free(mem)
		ring.Free(status)
	})
	return &fakeDevice{mem: mem, status: status, head: ring.NewHWIndex(status, uapi.StatusTxHead)}
}

// consume retires n slots the way hardware does: clear the trigger word,
// then publish the new head.
func (d *fakeDevice) consume(n uint32) {
	slots := uint32(len(d.mem) / uapi.SlotSize)
	for i := uint32(0); i < n; i++ {
		ring.Word64At(d.mem, int((d.pos+i)%slots)*uapi.SlotSize).Store(0)
	}
	d.pos = (d.pos + n) % slots
	d.head.Publish(d.pos)
}

func (d *fakeDevice) slot(i uint32) []byte {
	slots := uint32(len(d.mem) / uapi.SlotSize)
	i %= slots
	return d.mem[i*uapi.SlotSize : (i+1)*uapi.SlotSize]
}

type countingObserver struct {
	interfaces.NopObserver
	refreshes  atomic.Int32
	wouldBlock atomic.Int32
	staged     atomic.Uint32
}

func (o *countingObserver) ObserveHeadRefresh(string) { o.refreshes.Add(1) }
func (o *countingObserver) ObserveWouldBlock(string)  { o.wouldBlock.Add(1) }
func (o *countingObserver) ObserveSubmit(_ string, _ uint32, staged uint32) {
	o.staged.Add(staged)
}

func newQueue(t *testing.T, d *fakeDevice, obs interfaces.Observer) *Queue {
	t.Helper()
	q, err := New(Config{Name: "tx", Mem: d.mem, Head: d.head, Observer: obs})
	require.NoError(t, err)
	return q
}

func header(op uint8, seq uint32) []byte {
	return uapi.Marshal(&uapi.CommandHeader{Opcode: op, Slots: 1, HeaderSlots: 1, Seq: seq})
}

func TestNewValidatesMemory(t *testing.T) {
	d := newFakeDevice(t, 16)

	_, err := New(Config{Name: "tx", Mem: d.mem[:12*uapi.SlotSize], Head: d.head})
	assert.ErrorIs(t, err, ring.ErrNotPowerOfTwo)

	_, err = New(Config{Name: "tx", Mem: d.mem[:100], Head: d.head})
	assert.Error(t, err)

	_, err = New(Config{Name: "tx", Mem: d.mem})
	assert.Error(t, err, "head index is required")
}

func TestCapacitySixteenScenario(t *testing.T) {
	d := newFakeDevice(t, 16)
	q := newQueue(t, d, nil)

	for i := 0; i < 15; i++ {
		_, err := q.TrySubmit(header(uapi.OpSendPIO, uint32(i)), nil)
		require.NoErrorf(t, err, "submission %d", i)
	}

	_, err := q.TrySubmit(header(uapi.OpSendPIO, 15), nil)
	require.ErrorIs(t, err, ErrWouldBlock)

	d.consume(1)

	tk, err := q.TrySubmit(header(uapi.OpSendPIO, 15), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), tk.Slot)
	assert.Equal(t, uint32(1), tk.Slots)
}

func TestWouldBlockLeavesStateUnchanged(t *testing.T) {
	d := newFakeDevice(t, 8)
	q := newQueue(t, d, nil)

	_, err := q.TrySubmit(header(uapi.OpSendPIO, 0), make([]byte, 4*uapi.SlotSize))
	require.NoError(t, err)

	tail, avail := q.Tail(), q.Available()
	before := append([]byte(nil), d.mem...)

	_, err = q.TrySubmit(header(uapi.OpSendPIO, 1), make([]byte, 2*uapi.SlotSize))
	require.ErrorIs(t, err, ErrWouldBlock)

	assert.Equal(t, tail, q.Tail())
	assert.Equal(t, avail, q.Available())
	assert.Equal(t, before, d.mem, "no partial write")
}

func TestHeadRefreshIsLazy(t *testing.T) {
	d := newFakeDevice(t, 16)
	obs := &countingObserver{}
	q := newQueue(t, d, obs)

	for i := 0; i < 15; i++ {
		_, err := q.TrySubmit(header(uapi.OpSendPIO, uint32(i)), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(0), obs.refreshes.Load(), "no refresh while the cached count suffices")

	_, err := q.TrySubmit(header(uapi.OpSendPIO, 99), nil)
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, int32(1), obs.refreshes.Load(), "exactly one refresh per failed attempt")
	assert.Equal(t, int32(1), obs.wouldBlock.Load())

	d.consume(8)
	_, err = q.TrySubmit(header(uapi.OpSendPIO, 99), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), q.Available())
}

func TestPayloadRoundTripAllLengthsAndAlignments(t *testing.T) {
	src := make([]byte, 512)
	for i := range src {
		src[i] = byte(i*7 + 1)
	}

	for _, length := range []int{0, 1, 7, 8, 63, 64, 65, 100, 128, 191, 200, 256} {
		for align := 0; align < 8; align++ {
			d := newFakeDevice(t, 16)
			q := newQueue(t, d, nil)

			payload := src[align : align+length]
			tk, err := q.TrySubmit(header(uapi.OpSendPIO, 1), payload)
			require.NoError(t, err)
			require.Equal(t, uint32(uapi.SlotsFor(1, length)), tk.Slots)

			var got []byte
			for s := uint32(1); s < tk.Slots; s++ {
				got = append(got, d.slot(tk.Slot+s)...)
			}
			require.GreaterOrEqual(t, len(got), length)
			assert.Truef(t, bytes.Equal(payload, got[:length]), "length %d align %d", length, align)
			for _, b := range got[length:] {
				require.Zerof(t, b, "runty tail must be zero padded (length %d)", length)
			}
			assert.Equal(t, uapi.OpSendPIO, d.slot(tk.Slot)[0], "header in slot 0")
		}
	}
}

func TestMisalignedSourceIsStaged(t *testing.T) {
	d := newFakeDevice(t, 16)
	obs := &countingObserver{}
	q := newQueue(t, d, obs)

	// Ring memory is at least 64-byte aligned, so offset 1 never is.
	buf, err := ring.Alloc(4096)
	require.NoError(t, err)
	t.Cleanup(func() { ring.Free(buf) })
	for i := range buf[:129] {
		buf[i] = byte(i)
	}
	src := buf[1:129]
	require.False(t, ring.Aligned(src, 8))

	tk, err := q.TrySubmit(header(uapi.OpSendPIO, 1), src)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), obs.staged.Load(), "both payload slots staged; header is aligned")
	got := append(append([]byte(nil), d.slot(tk.Slot+1)...), d.slot(tk.Slot+2)...)
	assert.Equal(t, src, got)
}

func TestTwoSlotHeader(t *testing.T) {
	d := newFakeDevice(t, 16)
	q := newQueue(t, d, nil)

	hdr := make([]byte, 2*uapi.SlotSize)
	require.NoError(t, uapi.PutHeader(hdr, &uapi.CommandHeader{Opcode: uapi.OpPortalUpdate, Slots: 2, HeaderSlots: 2}))
	copy(hdr[uapi.SlotSize:], uapi.Marshal(&uapi.PortalEntry{Index: 5, Base: 0x1000}))

	tk, err := q.TrySubmit(hdr, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tk.Slots)

	var pe uapi.PortalEntry
	require.NoError(t, uapi.Unmarshal(d.slot(tk.Slot+1), &pe))
	assert.Equal(t, uint32(5), pe.Index)
}

func TestRejectsBadCommands(t *testing.T) {
	d := newFakeDevice(t, 8)
	q := newQueue(t, d, nil)

	_, err := q.TrySubmit(nil, nil)
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = q.TrySubmit(make([]byte, 3*uapi.SlotSize), nil)
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = q.TrySubmit(make([]byte, uapi.SlotSize), nil)
	assert.ErrorIs(t, err, ErrBadHeader, "opcode zero never triggers the device")

	_, err = q.TrySubmit(header(uapi.OpSendPIO, 0), make([]byte, 7*uapi.SlotSize))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, IsWouldBlock(err))
}

func TestWraparoundMatchesSingleRotation(t *testing.T) {
	d := newFakeDevice(t, 8)
	q := newQueue(t, d, nil)

	// 3-slot commands on an 8-slot ring: starting slots cycle through every
	// residue and the payload regularly straddles the end of the buffer.
	for i := 0; i < 40; i++ {
		payload := make([]byte, 100)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		tk, err := q.TrySubmit(header(uapi.OpSendPIO, uint32(i)), payload)
		require.NoErrorf(t, err, "command %d", i)
		assert.Equal(t, uint32(i*3%8), tk.Slot)

		var h uapi.CommandHeader
		require.NoError(t, uapi.Unmarshal(d.slot(tk.Slot), &h))
		assert.Equal(t, uint32(i), h.Seq)

		got := append(append([]byte(nil), d.slot(tk.Slot+1)...), d.slot(tk.Slot+2)...)
		assert.Equal(t, payload, got[:100])

		d.consume(tk.Slots)
	}
}

func TestSubmitRetriesUntilDrained(t *testing.T) {
	d := newFakeDevice(t, 4)
	q := newQueue(t, d, nil)

	for i := 0; i < 3; i++ {
		_, err := q.TrySubmit(header(uapi.OpSendPIO, uint32(i)), nil)
		require.NoError(t, err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.consume(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.Submit(ctx, retry.Spin(nil), header(uapi.OpSendPIO, 3), nil)
	require.NoError(t, err)

	_, err = q.Submit(ctx, retry.Bounded(3, time.Microsecond, nil), header(uapi.OpSendPIO, 4), nil)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestConcurrentSubmitters(t *testing.T) {
	d := newFakeDevice(t, 16)
	q := newQueue(t, d, nil)

	const perWorker = 50
	const workers = 4

	done := make(chan struct{})
	var consumed atomic.Uint32
	go func() {
		// Consumer: retire whatever has a trigger word set.
		for {
			select {
			case <-done:
				return
			default:
			}
			if ring.Word64At(d.mem, int(d.pos)*uapi.SlotSize).Load() != 0 {
				d.consume(1)
				consumed.Add(1)
			}
		}
	}()

	var wg sync.WaitGroup
	ctx := context.Background()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := q.Submit(ctx, retry.Spin(nil), header(uapi.OpSendPIO, uint32(w*1000+i)), nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return consumed.Load() == workers*perWorker }, 5*time.Second, time.Millisecond)
	close(done)
}
