// Package interfaces holds the contracts shared between the public package
// and the internal queue machinery.
package interfaces

// Observer receives operational events from the queue machinery.
// Implementations must be safe for concurrent use and cheap: they run on
// the submission and completion paths.
type Observer interface {
	ObserveSubmit(queue string, slots uint32, staged uint32)
	ObserveWouldBlock(queue string)
	ObserveHeadRefresh(queue string)
	ObserveEvent(kind uint8, dropped bool)
	ObserveFlowControl(transition string)
	ObserveReplay(commands int)
	ObserveControlMessage(fcType uint8)
	ObserveMessage(bytes uint64, received bool)
	ObserveCommandLatency(latencyNs uint64, success bool)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) ObserveSubmit(string, uint32, uint32) {}
func (NopObserver) ObserveWouldBlock(string) {}
func (NopObserver) ObserveHeadRefresh(string) {}
func (NopObserver) ObserveEvent(uint8, bool) {}
func (NopObserver) ObserveFlowControl(string) {}
func (NopObserver) ObserveReplay(int) {}
func (NopObserver) ObserveControlMessage(uint8) {}
func (NopObserver) ObserveMessage(uint64, bool) {}
func (NopObserver) ObserveCommandLatency(uint64, bool) {}

var _ Observer = NopObserver{}

// OrNop returns o, or a NopObserver when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
