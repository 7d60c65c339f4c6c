package hfi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

const namespace = "hfi"

// Collector exports a Metrics instance to Prometheus. Values are read at
// scrape time, so one collector serves an endpoint for its whole life.
type Collector struct {
	metrics *Metrics

	submissions   *prometheus.Desc
	slots         *prometheus.Desc
	staged        *prometheus.Desc
	wouldBlock    *prometheus.Desc
	headRefreshes *prometheus.Desc
	events        *prometheus.Desc
	dropped       *prometheus.Desc
	transitions   *prometheus.Desc
	buffered      *prometheus.Desc
	replays       *prometheus.Desc
	replayed      *prometheus.Desc
	control       *prometheus.Desc
	messages      *prometheus.Desc
	bytes         *prometheus.Desc
	commandErrors *prometheus.Desc
	latency       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for m. constLabels are attached to
// every series, typically the queue pair.
func NewCollector(m *Metrics, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		metrics:       m,
		submissions:   desc("commands_submitted_total", "Commands placed on a command queue"),
		slots:         desc("command_slots_total", "Command queue slots consumed"),
		staged:        desc("command_staged_slots_total", "Slots written through the alignment scratch"),
		wouldBlock:    desc("would_block_total", "Submissions refused for lack of room"),
		headRefreshes: desc("head_refreshes_total", "Reads of the device-written command queue head"),
		events:        desc("events_total", "Event queue entries retired", "kind"),
		dropped:       desc("events_dropped_total", "Event queue entries the device marked dropped"),
		transitions:   desc("flow_control_transitions_total", "Flow-control state transitions", "transition"),
		buffered:      desc("sends_buffered_total", "Sends held while the connection was TX_BLOCKED"),
		replays:       desc("replays_total", "Replay passes after a resume"),
		replayed:      desc("replayed_sends_total", "Commands resubmitted by replays"),
		control:       desc("control_messages_total", "Flow-control messages sent", "type"),
		messages:      desc("messages_total", "Messages sent and received", "direction"),
		bytes:         desc("message_bytes_total", "Message payload bytes sent and received", "direction"),
		commandErrors: desc("command_errors_total", "Synchronous commands that completed with an error"),
		latency:       desc("command_latency_seconds", "Synchronous command completion latency"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submissions, c.slots, c.staged, c.wouldBlock, c.headRefreshes,
		c.events, c.dropped, c.transitions, c.buffered, c.replays, c.replayed,
		c.control, c.messages, c.bytes, c.commandErrors, c.latency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.submissions, s.Submissions)
	counter(c.slots, s.SlotsUsed)
	counter(c.staged, s.StagedSlots)
	counter(c.wouldBlock, s.WouldBlock)
	counter(c.headRefreshes, s.HeadRefreshes)

	for kind := uapi.EventCmdComplete; kind <= uapi.EventError; kind++ {
		counter(c.events, s.EventsByKind[kind], uapi.KindName(kind))
	}
	counter(c.dropped, s.DroppedEvents)

	counter(c.transitions, s.TxBlocked, "tx_blocked")
	counter(c.transitions, s.TxResumed, "tx_resumed")
	counter(c.transitions, s.RxBlocked, "rx_blocked")
	counter(c.transitions, s.RxResumed, "rx_resumed")
	counter(c.buffered, s.BufferedSends)
	counter(c.replays, s.Replays)
	counter(c.replayed, s.ReplayedSends)
	for t := uapi.FCRxExitRequest; t <= uapi.FCResume; t++ {
		counter(c.control, s.ControlMessages[t], uapi.FCTypeName(t))
	}

	counter(c.messages, s.MessagesSent, "sent")
	counter(c.messages, s.MessagesReceived, "received")
	counter(c.bytes, s.BytesSent, "sent")
	counter(c.bytes, s.BytesReceived, "received")
	counter(c.commandErrors, s.CommandErrors)

	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, ns := range LatencyBuckets {
		buckets[float64(ns)/1e9] = s.LatencyHistogram[i]
	}
	sum := float64(s.LatencySumNs) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, s.CommandOps, sum, buckets)
}
