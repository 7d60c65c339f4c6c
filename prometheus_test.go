package hfi

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hfi/internal/uapi"
)

func TestCollectorExportsMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit(2, 0)
	m.RecordSubmit(1, 1)
	m.RecordEvent(uapi.EventRecv, false)
	m.RecordFlowControl("tx_blocked")
	m.RecordControlMessage(uapi.FCResume)
	m.RecordMessage(64, false)
	m.RecordCommand(5_000, true)

	c := NewCollector(m, prometheus.Labels{"qp": "1"})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if metric.GetCounter() != nil {
				byName[f.GetName()] += metric.GetCounter().GetValue()
			}
			if h := metric.GetHistogram(); h != nil {
				byName[f.GetName()] = float64(h.GetSampleCount())
			}
		}
	}

	assert.Equal(t, 2.0, byName["hfi_commands_submitted_total"])
	assert.Equal(t, 3.0, byName["hfi_command_slots_total"])
	assert.Equal(t, 1.0, byName["hfi_events_total"])
	assert.Equal(t, 1.0, byName["hfi_flow_control_transitions_total"])
	assert.Equal(t, 1.0, byName["hfi_control_messages_total"])
	assert.Equal(t, 1.0, byName["hfi_messages_total"])
	assert.Equal(t, 64.0, byName["hfi_message_bytes_total"])
	assert.Equal(t, 1.0, byName["hfi_command_latency_seconds"])
}

func TestCollectorLint(t *testing.T) {
	c := NewCollector(NewMetrics(), nil)
	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	assert.Empty(t, problems)
	assert.Positive(t, testutil.CollectAndCount(c))
}
