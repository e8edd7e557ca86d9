// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestIncProcSignal(t *testing.T) {
	c := ProcSignalsTotal.WithLabelValues("SIGTERM", "ok")
	before := counterValue(t, c)

	IncProcSignal("SIGTERM", "ok")

	require.Equal(t, before+1, counterValue(t, c))
}

func TestIncProcWait(t *testing.T) {
	c := ProcWaitsTotal.WithLabelValues("exited")
	before := counterValue(t, c)

	IncProcWait("exited")

	require.Equal(t, before+1, counterValue(t, c))
}

func TestIncBusDropDefaultsReason(t *testing.T) {
	c := BusDroppedTotal.WithLabelValues("unknown")
	before := counterValue(t, c)

	IncBusDrop("")

	require.Equal(t, before+1, counterValue(t, c))
}

func TestQueueDepthGauge(t *testing.T) {
	QueueDepth.WithLabelValues("waiting").Set(7)

	var m dto.Metric
	require.NoError(t, QueueDepth.WithLabelValues("waiting").Write(&m))
	require.Equal(t, float64(7), m.GetGauge().GetValue())
}
