package hfi

import (
	"testing"
	"time"

	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Submissions != 0 || snap.Events != 0 {
		t.Errorf("Expected empty initial metrics, got %d submissions %d events", snap.Submissions, snap.Events)
	}

	m.RecordSubmit(1, 0)
	m.RecordSubmit(3, 2)
	m.WouldBlock.Add(1)
	m.RecordEvent(uapi.EventSendComplete, false)
	m.RecordEvent(uapi.EventRecv, true)

	snap = m.Snapshot()
	if snap.Submissions != 2 {
		t.Errorf("Expected 2 submissions, got %d", snap.Submissions)
	}
	if snap.SlotsUsed != 4 {
		t.Errorf("Expected 4 slots, got %d", snap.SlotsUsed)
	}
	if snap.StagedSlots != 2 {
		t.Errorf("Expected 2 staged slots, got %d", snap.StagedSlots)
	}
	if snap.Events != 2 || snap.DroppedEvents != 1 {
		t.Errorf("Expected 2 events with 1 dropped, got %d/%d", snap.Events, snap.DroppedEvents)
	}
	if snap.EventsByKind[uapi.EventRecv] != 1 || snap.EventsByKind[uapi.EventSendComplete] != 1 {
		t.Errorf("Unexpected per-kind counts %v", snap.EventsByKind)
	}

	// 1 refused out of 3 attempts
	expected := float64(1) / float64(3) * 100.0
	if snap.WouldBlockRate < expected-0.1 || snap.WouldBlockRate > expected+0.1 {
		t.Errorf("Expected would-block rate ~%.1f%%, got %.1f%%", expected, snap.WouldBlockRate)
	}
}

func TestMetricsFlowControl(t *testing.T) {
	m := NewMetrics()

	for _, tr := range []string{"tx_blocked", "buffered", "buffered", "tx_resumed", "rx_blocked", "rx_resumed", "bogus"} {
		m.RecordFlowControl(tr)
	}
	m.RecordReplay(5)
	m.RecordControlMessage(uapi.FCRxExitRequest)
	m.RecordControlMessage(uapi.FCResume)
	m.RecordControlMessage(200)

	snap := m.Snapshot()
	if snap.TxBlocked != 1 || snap.TxResumed != 1 || snap.RxBlocked != 1 || snap.RxResumed != 1 {
		t.Errorf("Unexpected transition counts %+v", snap)
	}
	if snap.BufferedSends != 2 {
		t.Errorf("Expected 2 buffered sends, got %d", snap.BufferedSends)
	}
	if snap.Replays != 1 || snap.ReplayedSends != 5 {
		t.Errorf("Expected 1 replay of 5, got %d of %d", snap.Replays, snap.ReplayedSends)
	}
	if snap.ControlMessages[uapi.FCRxExitRequest] != 1 || snap.ControlMessages[uapi.FCResume] != 1 {
		t.Errorf("Unexpected control message counts %v", snap.ControlMessages)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(1_000_000, true)
	m.RecordCommand(2_000_000, false)

	snap := m.Snapshot()
	if snap.AvgLatencyNs != 1_500_000 {
		t.Errorf("Expected avg latency 1500000 ns, got %d ns", snap.AvgLatencyNs)
	}
	if snap.CommandErrors != 1 {
		t.Errorf("Expected 1 command error, got %d", snap.CommandErrors)
	}
	if snap.CommandErrorPct < 49.9 || snap.CommandErrorPct > 50.1 {
		t.Errorf("Expected 50%% command errors, got %.1f%%", snap.CommandErrorPct)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(2, 0)
	m.RecordMessage(100, false)
	m.RecordControlMessage(uapi.FCTxEnter)
	m.RecordCommand(1000, true)

	m.Reset()

	snap := m.Snapshot()
	if snap.Submissions != 0 || snap.MessagesSent != 0 || snap.BytesSent != 0 {
		t.Errorf("Expected zero counters after reset, got %+v", snap)
	}
	if snap.ControlMessages[uapi.FCTxEnter] != 0 {
		t.Errorf("Expected control counters cleared, got %v", snap.ControlMessages)
	}
	if snap.CommandOps != 0 || snap.LatencyHistogram[0] != 0 {
		t.Errorf("Expected command histogram cleared, got %v", snap.LatencyHistogram)
	}
}

func TestObserver(t *testing.T) {
	// NoOpObserver must accept everything
	var observer Observer = NoOpObserver{}
	observer.ObserveSubmit("tx", 1, 0)
	observer.ObserveEvent(uapi.EventRecv, false)
	observer.ObserveMessage(10, true)

	m := NewMetrics()
	mo := NewMetricsObserver(m)
	mo.ObserveSubmit("tx", 2, 1)
	mo.ObserveWouldBlock("tx")
	mo.ObserveHeadRefresh("tx")
	mo.ObserveEvent(uapi.EventFlowControl, false)
	mo.ObserveFlowControl("tx_blocked")
	mo.ObserveReplay(3)
	mo.ObserveControlMessage(uapi.FCTxEnter)
	mo.ObserveMessage(1024, false)
	mo.ObserveMessage(2048, true)
	mo.ObserveCommandLatency(5_000, true)

	snap := m.Snapshot()
	if snap.Submissions != 1 || snap.WouldBlock != 1 || snap.HeadRefreshes != 1 {
		t.Errorf("Producer counters not forwarded: %+v", snap)
	}
	if snap.EventsByKind[uapi.EventFlowControl] != 1 || snap.TxBlocked != 1 || snap.ReplayedSends != 3 {
		t.Errorf("Consumer counters not forwarded: %+v", snap)
	}
	if snap.BytesSent != 1024 || snap.BytesReceived != 2048 {
		t.Errorf("Expected 1024/2048 bytes, got %d/%d", snap.BytesSent, snap.BytesReceived)
	}
	if snap.CommandOps != 1 {
		t.Errorf("Expected 1 command, got %d", snap.CommandOps)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordMessage(1024, false)
	m.RecordMessage(2048, true)

	// Simulate 1 second has passed
	m.StopTime.Store(startTime.Add(time.Second).UnixNano())

	snap := m.Snapshot()
	if snap.SendRate < 0.9 || snap.SendRate > 1.1 {
		t.Errorf("Expected SendRate ~1.0, got %.2f", snap.SendRate)
	}
	if snap.RecvRate < 0.9 || snap.RecvRate > 1.1 {
		t.Errorf("Expected RecvRate ~1.0, got %.2f", snap.RecvRate)
	}
	if snap.SendBandwidth < 1000 || snap.SendBandwidth > 1050 {
		t.Errorf("Expected SendBandwidth ~1024, got %.2f", snap.SendBandwidth)
	}
	if snap.RecvBandwidth < 2000 || snap.RecvBandwidth > 2100 {
		t.Errorf("Expected RecvBandwidth ~2048, got %.2f", snap.RecvBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 commands at 500us, 49 at 5ms, 1 at 50ms
	for i := 0; i < 50; i++ {
		m.RecordCommand(500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordCommand(5_000_000, true)
	}
	m.RecordCommand(50_000_000, true)

	snap := m.Snapshot()
	if snap.CommandOps != 100 {
		t.Errorf("Expected 100 commands, got %d", snap.CommandOps)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 1_000_000 || snap.LatencyP99Ns > 10_000_000 {
		t.Errorf("Expected P99 in 1ms-10ms range, got %d ns", snap.LatencyP99Ns)
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected all commands in the last bucket, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
	if snap.LatencyHistogram[3] != 50 {
		t.Errorf("Expected 50 commands <= 1ms, got %d", snap.LatencyHistogram[3])
	}
}
