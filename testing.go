package hfi

import "sync"

// RecordingObserver is an Observer for tests. It counts every callback and
// keeps the flow-control transitions and control messages in order.
type RecordingObserver struct {
	mu sync.RWMutex

	submits      int
	wouldBlocks  int
	refreshes    int
	events       map[uint8]int
	dropped      int
	transitions  []string
	replays      []int
	control      []uint8
	messagesSent int
	messagesRecv int
	commands     int
	commandErrs  int
}

// NewRecordingObserver creates an empty recording observer.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{events: make(map[uint8]int)}
}

// ObserveSubmit implements Observer
func (r *RecordingObserver) ObserveSubmit(string, uint32, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
}

// ObserveWouldBlock implements Observer
func (r *RecordingObserver) ObserveWouldBlock(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wouldBlocks++
}

// ObserveHeadRefresh implements Observer
func (r *RecordingObserver) ObserveHeadRefresh(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
}

// ObserveEvent implements Observer
func (r *RecordingObserver) ObserveEvent(kind uint8, dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[kind]++
	if dropped {
		r.dropped++
	}
}

// ObserveFlowControl implements Observer
func (r *RecordingObserver) ObserveFlowControl(transition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition)
}

// ObserveReplay implements Observer
func (r *RecordingObserver) ObserveReplay(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays = append(r.replays, n)
}

// ObserveControlMessage implements Observer
func (r *RecordingObserver) ObserveControlMessage(fcType uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control = append(r.control, fcType)
}

// ObserveMessage implements Observer
func (r *RecordingObserver) ObserveMessage(bytes uint64, received bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if received {
		r.messagesRecv++
	} else {
		r.messagesSent++
	}
}

// ObserveCommandLatency implements Observer
func (r *RecordingObserver) ObserveCommandLatency(latencyNs uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands++
	if !success {
		r.commandErrs++
	}
}

// Testing utility methods

// Transitions returns the flow-control transitions seen so far, in order.
func (r *RecordingObserver) Transitions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.transitions...)
}

// ControlMessages returns the flow-control message types sent, in order.
func (r *RecordingObserver) ControlMessages() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint8(nil), r.control...)
}

// Replays returns the size of every replay pass.
func (r *RecordingObserver) Replays() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.replays...)
}

// Events returns how many events of kind were retired.
func (r *RecordingObserver) Events(kind uint8) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[kind]
}

// CallCounts returns the number of times each counting callback fired
func (r *RecordingObserver) CallCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"submit":         r.submits,
		"would_block":    r.wouldBlocks,
		"head_refresh":   r.refreshes,
		"dropped":        r.dropped,
		"sent":           r.messagesSent,
		"received":       r.messagesRecv,
		"command":        r.commands,
		"command_errors": r.commandErrs,
	}
}

// Reset clears everything recorded
func (r *RecordingObserver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.submits, r.wouldBlocks, r.refreshes, r.dropped = 0, 0, 0, 0
	r.messagesSent, r.messagesRecv, r.commands, r.commandErrs = 0, 0, 0, 0
	r.events = make(map[uint8]int)
	r.transitions = nil
	r.replays = nil
	r.control = nil
}

// Compile-time interface check
var _ Observer = (*RecordingObserver)(nil)
