package sim_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MergHQ/netsync/sim"
	"github.com/stretchr/testify/require"
)

func TestDefaultScenarioIsValid(t *testing.T) {
	scenario, err := sim.LoadScenario("")
	require.NoError(t, err)
	require.Equal(t, sim.DefaultScenario(), scenario)
}

func TestLoadScenarioOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ticks: 40
tick_interval: 20ms
loss: 0.25
properties: 4
allocator:
  name: scenario
  heap_size: 0
`), 0o600))

	scenario, err := sim.LoadScenario(path)
	require.NoError(t, err)
	require.Equal(t, 40, scenario.Ticks)
	require.Equal(t, 20*time.Millisecond, scenario.TickInterval)
	require.Equal(t, 0.25, scenario.Loss)
	require.Equal(t, 4, scenario.Properties)
	require.Equal(t, "scenario", scenario.Allocator.Name)
	require.Zero(t, scenario.Allocator.HeapSize)

	defaults := sim.DefaultScenario()
	require.Equal(t, defaults.SettleTicks, scenario.SettleTicks)
	require.Equal(t, defaults.Allocator.PageSize, scenario.Allocator.PageSize)
}

func TestLoadScenarioRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"loss":          "loss: 1.5\n",
		"max delay":     "max_delay: 0\n",
		"packet budget": "packet_budget: 10\n",
		"allocator":     "allocator:\n  min_class_size: 24\n",
		"syntax":        "ticks: [\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "scenario.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := sim.LoadScenario(path)
			require.Error(t, err)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := sim.LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
