package hfi

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-hfi/internal/interfaces"
	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

// LatencyBuckets are the upper bounds, in nanoseconds, of the command
// latency histogram: 1us to 10s, one decade apart.
var LatencyBuckets = [numLatencyBuckets]uint64{
	1_000, 10_000, 100_000,
	1_000_000, 10_000_000, 100_000_000,
	1_000_000_000, 10_000_000_000,
}

const numLatencyBuckets = 8

// latencyHistogram keeps cumulative counts: counts[i] is the number of
// samples no larger than LatencyBuckets[i].
type latencyHistogram struct {
	counts [numLatencyBuckets]atomic.Uint64
	sumNs  atomic.Uint64
}

func (h *latencyHistogram) observe(ns uint64) {
	h.sumNs.Add(ns)
	for i := len(LatencyBuckets) - 1; i >= 0 && ns <= LatencyBuckets[i]; i-- {
		h.counts[i].Add(1)
	}
}

func (h *latencyHistogram) load() (counts [numLatencyBuckets]uint64, sum uint64) {
	for i := range h.counts {
		counts[i] = h.counts[i].Load()
	}
	return counts, h.sumNs.Load()
}

func (h *latencyHistogram) reset() {
	for i := range h.counts {
		h.counts[i].Store(0)
	}
	h.sumNs.Store(0)
}

// quantile estimates the q-th quantile of total samples from cumulative
// counts, interpolating linearly inside the bucket that crosses it. Samples
// above the last bound report the last bound.
func quantile(counts [numLatencyBuckets]uint64, total uint64, q float64) uint64 {
	if total == 0 {
		return 0
	}
	rank := uint64(float64(total) * q)
	var lo, below uint64
	for i, hi := range LatencyBuckets {
		c := counts[i]
		if c >= rank {
			if c == below {
				return hi
			}
			return lo + uint64(float64(rank-below)/float64(c-below)*float64(hi-lo))
		}
		lo, below = hi, c
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// numEventKinds covers every event kind the device reports.
const numEventKinds = int(uapi.EventError) + 1

// numFCTypes covers every flow-control message type.
const numFCTypes = int(uapi.FCResume) + 1

// Metrics tracks ring, flow-control and message statistics for endpoints
type Metrics struct {
	// Command queue producer
	Submissions   atomic.Uint64 // Commands placed on a command queue
	SlotsUsed     atomic.Uint64 // Slots those commands occupied
	StagedSlots   atomic.Uint64 // Slots written through the alignment scratch
	WouldBlock    atomic.Uint64 // Submissions refused for lack of room
	HeadRefreshes atomic.Uint64 // Reads of the device-written head

	// Event queue consumer
	Events        atomic.Uint64 // Entries retired
	DroppedEvents atomic.Uint64 // Entries the device marked dropped
	EventsByKind  [numEventKinds]atomic.Uint64

	// Flow control
	TxBlocked       atomic.Uint64 // Entries into TX_BLOCKED
	TxResumed       atomic.Uint64 // Exits from TX_BLOCKED
	RxBlocked       atomic.Uint64 // Entries into RX_BLOCKED
	RxResumed       atomic.Uint64 // Exits from RX_BLOCKED
	BufferedSends   atomic.Uint64 // Sends held while TX_BLOCKED
	Replays         atomic.Uint64 // Replay passes
	ReplayedSends   atomic.Uint64 // Commands resubmitted by replays
	ControlMessages [numFCTypes]atomic.Uint64

	// Messages
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	BytesSent        atomic.Uint64
	BytesReceived    atomic.Uint64

	// Synchronous commands
	CommandOps    atomic.Uint64
	CommandErrors atomic.Uint64
	latency       latencyHistogram

	// Endpoint lifecycle
	StartTime atomic.Int64 // Start timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano)
}

// NewMetrics returns zeroed metrics with the uptime clock started.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one command placed on a command queue
func (m *Metrics) RecordSubmit(slots, staged uint32) {
	m.Submissions.Add(1)
	m.SlotsUsed.Add(uint64(slots))
	m.StagedSlots.Add(uint64(staged))
}

// RecordEvent records one retired event queue entry
func (m *Metrics) RecordEvent(kind uint8, dropped bool) {
	m.Events.Add(1)
	if dropped {
		m.DroppedEvents.Add(1)
	}
	if int(kind) < numEventKinds {
		m.EventsByKind[kind].Add(1)
	}
}

// RecordFlowControl records a flow-control state transition
func (m *Metrics) RecordFlowControl(transition string) {
	switch transition {
	case "tx_blocked":
		m.TxBlocked.Add(1)
	case "tx_resumed":
		m.TxResumed.Add(1)
	case "rx_blocked":
		m.RxBlocked.Add(1)
	case "rx_resumed":
		m.RxResumed.Add(1)
	case "buffered":
		m.BufferedSends.Add(1)
	}
}

// RecordReplay records one replay pass that resubmitted n commands
func (m *Metrics) RecordReplay(n int) {
	m.Replays.Add(1)
	m.ReplayedSends.Add(uint64(n))
}

// RecordControlMessage records one flow-control message sent to a peer
func (m *Metrics) RecordControlMessage(fcType uint8) {
	if int(fcType) < numFCTypes {
		m.ControlMessages[fcType].Add(1)
	}
}

// RecordMessage records a message sent or received
func (m *Metrics) RecordMessage(bytes uint64, received bool) {
	if received {
		m.MessagesReceived.Add(1)
		m.BytesReceived.Add(bytes)
		return
	}
	m.MessagesSent.Add(1)
	m.BytesSent.Add(bytes)
}

// RecordCommand records a synchronous command and its completion latency
func (m *Metrics) RecordCommand(latencyNs uint64, success bool) {
	m.CommandOps.Add(1)
	if !success {
		m.CommandErrors.Add(1)
	}
	m.latency.observe(latencyNs)
}

// Stop freezes uptime at the current time.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Submissions   uint64
	SlotsUsed     uint64
	StagedSlots   uint64
	WouldBlock    uint64
	HeadRefreshes uint64

	Events        uint64
	DroppedEvents uint64
	EventsByKind  [numEventKinds]uint64

	TxBlocked       uint64
	TxResumed       uint64
	RxBlocked       uint64
	RxResumed       uint64
	BufferedSends   uint64
	Replays         uint64
	ReplayedSends   uint64
	ControlMessages [numFCTypes]uint64

	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	CommandOps    uint64
	CommandErrors uint64
	AvgLatencyNs  uint64
	LatencySumNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64
	// LatencyHistogram holds cumulative counts per LatencyBuckets bound.
	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64

	// Computed statistics
	SendRate        float64 // Messages per second
	RecvRate        float64
	SendBandwidth   float64 // Bytes per second
	RecvBandwidth   float64
	WouldBlockRate  float64 // Percentage of submissions refused
	CommandErrorPct float64 // Percentage of failed commands
}

// Snapshot reads every counter once and derives rates and percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submissions:      m.Submissions.Load(),
		SlotsUsed:        m.SlotsUsed.Load(),
		StagedSlots:      m.StagedSlots.Load(),
		WouldBlock:       m.WouldBlock.Load(),
		HeadRefreshes:    m.HeadRefreshes.Load(),
		Events:           m.Events.Load(),
		DroppedEvents:    m.DroppedEvents.Load(),
		TxBlocked:        m.TxBlocked.Load(),
		TxResumed:        m.TxResumed.Load(),
		RxBlocked:        m.RxBlocked.Load(),
		RxResumed:        m.RxResumed.Load(),
		BufferedSends:    m.BufferedSends.Load(),
		Replays:          m.Replays.Load(),
		ReplayedSends:    m.ReplayedSends.Load(),
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		BytesSent:        m.BytesSent.Load(),
		BytesReceived:    m.BytesReceived.Load(),
		CommandOps:       m.CommandOps.Load(),
		CommandErrors:    m.CommandErrors.Load(),
	}
	for i := range snap.EventsByKind {
		snap.EventsByKind[i] = m.EventsByKind[i].Load()
	}
	for i := range snap.ControlMessages {
		snap.ControlMessages[i] = m.ControlMessages[i].Load()
	}

	snap.LatencyHistogram, snap.LatencySumNs = m.latency.load()
	if snap.CommandOps > 0 {
		snap.AvgLatencyNs = snap.LatencySumNs / snap.CommandOps
		snap.LatencyP50Ns = quantile(snap.LatencyHistogram, snap.CommandOps, 0.50)
		snap.LatencyP99Ns = quantile(snap.LatencyHistogram, snap.CommandOps, 0.99)
		snap.LatencyP999Ns = quantile(snap.LatencyHistogram, snap.CommandOps, 0.999)
		snap.CommandErrorPct = float64(snap.CommandErrors) / float64(snap.CommandOps) * 100.0
	}

	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(end - m.StartTime.Load())

	if snap.UptimeNs > 0 {
		secs := time.Duration(snap.UptimeNs).Seconds()
		snap.SendRate = float64(snap.MessagesSent) / secs
		snap.RecvRate = float64(snap.MessagesReceived) / secs
		snap.SendBandwidth = float64(snap.BytesSent) / secs
		snap.RecvBandwidth = float64(snap.BytesReceived) / secs
	}

	attempts := snap.Submissions + snap.WouldBlock
	if attempts > 0 {
		snap.WouldBlockRate = float64(snap.WouldBlock) / float64(attempts) * 100.0
	}

	return snap
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.Submissions, &m.SlotsUsed, &m.StagedSlots, &m.WouldBlock, &m.HeadRefreshes,
		&m.Events, &m.DroppedEvents,
		&m.TxBlocked, &m.TxResumed, &m.RxBlocked, &m.RxResumed, &m.BufferedSends,
		&m.Replays, &m.ReplayedSends,
		&m.MessagesSent, &m.MessagesReceived, &m.BytesSent, &m.BytesReceived,
		&m.CommandOps, &m.CommandErrors,
	} {
		c.Store(0)
	}
	for i := range m.EventsByKind {
		m.EventsByKind[i].Store(0)
	}
	for i := range m.ControlMessages {
		m.ControlMessages[i].Store(0)
	}
	m.latency.reset()
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives operational events from the queue machinery.
type Observer = interfaces.Observer

// NoOpObserver discards every observation.
type NoOpObserver = interfaces.NopObserver

// MetricsObserver feeds observations into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(_ string, slots, staged uint32) {
	o.metrics.RecordSubmit(slots, staged)
}

func (o *MetricsObserver) ObserveWouldBlock(string) { o.metrics.WouldBlock.Add(1) }

func (o *MetricsObserver) ObserveHeadRefresh(string) { o.metrics.HeadRefreshes.Add(1) }

func (o *MetricsObserver) ObserveEvent(kind uint8, dropped bool) {
	o.metrics.RecordEvent(kind, dropped)
}

func (o *MetricsObserver) ObserveFlowControl(transition string) {
	o.metrics.RecordFlowControl(transition)
}

func (o *MetricsObserver) ObserveReplay(commands int) { o.metrics.RecordReplay(commands) }

func (o *MetricsObserver) ObserveControlMessage(fcType uint8) {
	o.metrics.RecordControlMessage(fcType)
}

func (o *MetricsObserver) ObserveMessage(bytes uint64, received bool) {
	o.metrics.RecordMessage(bytes, received)
}

func (o *MetricsObserver) ObserveCommandLatency(latencyNs uint64, success bool) {
	o.metrics.RecordCommand(latencyNs, success)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
