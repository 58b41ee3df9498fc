package mmm_test

import (
	"testing"

	"github.com/MergHQ/netsync/mmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsEveryManager(t *testing.T) {
	first := readyManager(t, nil)
	second := readyManager(t, func(config *mmm.Config) { config.Name = "second" })

	collector := mmm.NewCollector("netsync", first)
	require.Equal(t, 7, testutil.CollectAndCount(collector))

	collector.Add(second)
	require.Equal(t, 14, testutil.CollectAndCount(collector))
	require.Equal(t, 4, testutil.CollectAndCount(collector, "netsync_mmm_requested_bytes", "netsync_mmm_block_bytes"))

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	h := first.AllocHandle(100)
	families, err := registry.Gather()
	require.NoError(t, err)

	requested := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "netsync_mmm_requested_bytes" {
			continue
		}
		for _, metric := range family.GetMetric() {
			requested[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
		}
	}
	require.Equal(t, map[string]float64{"test": 100, "second": 0}, requested)

	require.NoError(t, first.FreeHandle(h))
}
