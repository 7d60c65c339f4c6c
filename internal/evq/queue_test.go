package evq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/ring"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// fakeDevice is the producer side of an event queue.
type fakeDevice struct {
	mem    []byte
	status []byte
	width  int
	slots  uint32
	tail   uint32
	signal chan struct{}
}

func newFakeDevice(t *testing.T, slots uint32, width int) *fakeDevice {
	t.Helper()
	mem, err := ring.Alloc(int(slots) * width)
	require.NoError(t, err)
	status, err := ring.Alloc(uapi.StatusPageSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		ring.Free(mem)
		ring.Free(status)
	})
	return &fakeDevice{mem: mem, status: status, width: width, slots: slots, signal: make(chan struct{}, 1)}
}

func (d *fakeDevice) post(kind uint8, dropped bool, ev uapi.Event) {
	off := int(d.tail%d.slots) * d.width
	entry := d.mem[off : off+d.width]
	if err := uapi.EncodeEventBody(entry, &ev); err != nil {
		panic(err)
	}
	ring.Word64At(d.mem, off+d.width-8).Store(uapi.ControlWord(kind, dropped))
	d.tail++
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *fakeDevice) valid(slot uint32) bool {
	off := int(slot%d.slots) * d.width
	return uapi.ControlValid(ring.Word64At(d.mem, off+d.width-8).Load())
}

func (d *fakeDevice) waiter() Waiter {
	return WaiterFunc(func(timeout time.Duration) (interfaces.WaitOutcome, error) {
		select {
		case <-d.signal:
			return interfaces.WaitSignaled, nil
		case <-time.After(timeout):
			return interfaces.WaitTimedOut, nil
		}
	})
}

func newQueue(t *testing.T, d *fakeDevice) *Queue {
	t.Helper()
	q, err := New(Config{
		Mem:      d.mem,
		Width:    d.width,
		HostHead: ring.NewHWIndex(d.status, uapi.StatusEventHead),
		Waiter:   d.waiter(),
	})
	require.NoError(t, err)
	return q
}

func TestNewValidates(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	head := ring.NewHWIndex(d.status, uapi.StatusEventHead)

	_, err := New(Config{Mem: d.mem, Width: 32, HostHead: head})
	assert.Error(t, err)
	_, err = New(Config{Mem: d.mem[:6*64], Width: 64, HostHead: head})
	assert.ErrorIs(t, err, ring.ErrNotPowerOfTwo)
	_, err = New(Config{Mem: d.mem, Width: 64})
	assert.Error(t, err)
}

func TestCapacityEightScenario(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	q.AddPending(3)

	for i := 0; i < 3; i++ {
		d.post(uapi.EventSendComplete, false, uapi.Event{Seq: uint32(i)})
	}

	for i := uint32(0); i < 3; i++ {
		e, ok := q.Peek(i)
		require.Truef(t, ok, "offset %d", i)
		ev, err := e.Decode()
		require.NoError(t, err)
		assert.Equal(t, i, ev.Seq, "entries come back in order")
		assert.Equal(t, uapi.EventSendComplete, ev.Kind)
	}

	require.NoError(t, q.AdvanceMultiple(3))
	for i := uint32(0); i < 3; i++ {
		assert.False(t, d.valid(i), "validity cleared on advance")
	}
	assert.Equal(t, int64(0), q.Pending())

	_, ok := q.Peek(0)
	assert.False(t, ok, "queue is empty")
	assert.Equal(t, uint32(3), ring.NewHWIndex(d.status, uapi.StatusEventHead).LoadRelaxed(), "head published")
}

func TestPeekDoesNotMutate(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	d.post(uapi.EventRecv, false, uapi.Event{Seq: 1})

	for i := 0; i < 3; i++ {
		e, ok := q.Peek(0)
		require.True(t, ok)
		assert.Equal(t, uint32(0), e.Slot())
	}
	assert.Equal(t, uint32(0), q.Head())
	_, ok := q.Peek(8)
	assert.False(t, ok, "offset beyond capacity")
}

func TestAdvanceTwiceIsRejected(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	d.post(uapi.EventSendComplete, false, uapi.Event{})
	d.post(uapi.EventSendComplete, false, uapi.Event{})

	e, ok := q.Peek(0)
	require.True(t, ok)
	require.NoError(t, q.Advance(e))
	assert.ErrorIs(t, q.Advance(e), ErrNotHead)

	second, ok := q.Peek(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), second.Slot())

	assert.ErrorIs(t, q.Advance(Entry{}), ErrNotHead)
}

func TestAdvanceMultipleIsAllOrNothing(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	d.post(uapi.EventSendComplete, false, uapi.Event{})
	d.post(uapi.EventSendComplete, false, uapi.Event{})

	assert.ErrorIs(t, q.AdvanceMultiple(3), ErrNotHead)
	assert.True(t, d.valid(0))
	assert.True(t, d.valid(1))
	assert.Equal(t, uint32(0), q.Head())
	assert.Error(t, q.AdvanceMultiple(9))
	assert.NoError(t, q.AdvanceMultiple(0))
}

func TestDroppedEntryMustStillBeAdvanced(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	d.post(uapi.EventRecv, true, uapi.Event{})
	d.post(uapi.EventRecv, false, uapi.Event{Seq: 9})

	e, ok := q.Peek(0)
	require.True(t, ok)
	assert.True(t, e.Dropped())
	require.NoError(t, q.Advance(e))

	e, ok = q.Peek(0)
	require.True(t, ok)
	assert.False(t, e.Dropped())
	ev, err := e.Decode()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), ev.Seq)
}

func TestPendingSaturatesAtZero(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	q.AddPending(1)
	d.post(uapi.EventSendComplete, false, uapi.Event{})
	d.post(uapi.EventSendComplete, false, uapi.Event{})

	require.NoError(t, q.AdvanceMultiple(2))
	assert.Equal(t, int64(0), q.Pending())
	assert.Equal(t, uint64(1), q.PendingUnderflows())
}

func TestWraparoundManyRotations(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthDouble)
	q := newQueue(t, d)

	for i := 0; i < 50; i++ {
		d.post(uapi.EventRecv, false, uapi.Event{Seq: uint32(i), Length: 2, Inline: []byte{byte(i), 0xAA}})
		e, ok := q.Peek(0)
		require.True(t, ok)
		ev, err := e.Decode()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), ev.Seq)
		assert.Equal(t, []byte{byte(i), 0xAA}, ev.Inline)
		require.NoError(t, q.Advance(e))
	}
	assert.Equal(t, uint32(50%8), q.Head())
}

func TestWaitTimesOut(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)

	start := time.Now()
	_, err := q.Wait(context.Background(), 15*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	// Still usable after an abandoned wait.
	d.post(uapi.EventSendComplete, false, uapi.Event{})
	_, err = q.Wait(context.Background(), time.Second)
	assert.NoError(t, err)
}

func TestWaitWakesOnSignal(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.post(uapi.EventCmdComplete, false, uapi.Event{Cookie: 77})
	}()
	e, err := q.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uapi.EventCmdComplete, e.Kind())
}

func TestWaitHonoursContext(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitPropagatesWaiterErrors(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	boom := errors.New("boom")
	q, err := New(Config{
		Mem:      d.mem,
		Width:    d.width,
		HostHead: ring.NewHWIndex(d.status, uapi.StatusEventHead),
		Waiter: WaiterFunc(func(time.Duration) (interfaces.WaitOutcome, error) {
			return interfaces.WaitTimedOut, boom
		}),
	})
	require.NoError(t, err)
	_, err = q.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestAwaitCommandComplete(t *testing.T) {
	d := newFakeDevice(t, 8, uapi.EventWidthSingle)
	q := newQueue(t, d)

	d.post(uapi.EventCmdComplete, false, uapi.Event{Cookie: 5})
	ev, err := q.AwaitCommandComplete(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.Cookie)

	d.post(uapi.EventCmdComplete, false, uapi.Event{Status: uapi.StatusProtection})
	_, err = q.AwaitCommandComplete(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrCommandFailed)

	d.post(uapi.EventCmdComplete, true, uapi.Event{})
	_, err = q.AwaitCommandComplete(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrDropped)
	_, ok := q.Peek(0)
	assert.False(t, ok, "dropped entry was advanced")

	d.post(uapi.EventRecv, false, uapi.Event{})
	_, err = q.AwaitCommandComplete(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedKind)
	_, ok = q.Peek(0)
	assert.True(t, ok, "foreign entry left for its owner")

	_, err = q.AwaitCommandComplete(context.Background(), 0)
	assert.ErrorIs(t, err, ErrUnexpectedKind)
}

func TestNoDoubleConsumptionUnderConcurrentConsumers(t *testing.T) {
	d := newFakeDevice(t, 16, uapi.EventWidthSingle)
	q := newQueue(t, d)

	const total = 2000
	seen := make([]int, total)
	var mu sync.Mutex

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for i := 0; i < total; i++ {
			// Respect ring space: the device never overwrites a valid entry.
			for d.valid(d.tail) {
				time.Sleep(time.Microsecond)
			}
			d.post(uapi.EventSendComplete, false, uapi.Event{Seq: uint32(i)})
		}
	}()

	var wg sync.WaitGroup
	consumed := 0
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				q.Lock()
				e, ok := q.Peek(0)
				if ok {
					ev, err := e.Decode()
					assert.NoError(t, err)
					assert.NoError(t, q.Advance(e))
					mu.Lock()
					seen[ev.Seq]++
					consumed++
					mu.Unlock()
				}
				q.Unlock()

				mu.Lock()
				finished := consumed == total
				mu.Unlock()
				if finished {
					return
				}
				if !ok {
					time.Sleep(time.Microsecond)
				}
			}
		}()
	}
	wg.Wait()
	<-produced

	for i, n := range seen {
		require.Equalf(t, 1, n, "entry %d consumed %d times", i, n)
	}
}
