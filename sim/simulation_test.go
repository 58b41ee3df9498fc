package sim_test

import (
	"context"
	"io"
	"testing"

	"github.com/MergHQ/netsync/sim"
	"github.com/MergHQ/netsync/viewstate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var handshake = []viewstate.State{
	viewstate.StateBegin,
	viewstate.StateEstablishContext,
	viewstate.StateConfigureContext,
	viewstate.StateSpawnEntities,
	viewstate.StatePostSpawnEntities,
	viewstate.StateInGame,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func run(t *testing.T, scenario sim.Scenario) (*sim.Simulation, sim.Result) {
	s, err := sim.New(testLogger(), scenario, nil)
	require.NoError(t, err)

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	return s, result
}

func TestLosslessRunConnectsAndConverges(t *testing.T) {
	scenario := sim.DefaultScenario()
	scenario.Loss = 0
	scenario.Ticks = 100
	scenario.SettleTicks = 60

	s, result := run(t, scenario)
	require.Equal(t, 160, result.Ticks)
	require.Zero(t, result.PacketsLost)
	require.True(t, result.Connected())
	require.True(t, result.Converged())

	for _, peer := range result.Peers {
		require.Equal(t, handshake, peer.Entered, peer.Name)
		require.Equal(t, viewstate.StateInGame, peer.State)
		require.Empty(t, peer.Disconnect)
		require.Zero(t, peer.History.Nacks)
		require.NotZero(t, peer.History.Sends)
		require.Equal(t, scenario.Properties, peer.Converged)
	}
	require.False(t, s.Server().View().Locked())

	require.NoError(t, s.Close())
	require.Zero(t, s.Result().Allocator.AllocationCount)
}

func TestLossyRunConverges(t *testing.T) {
	scenario := sim.DefaultScenario()
	scenario.Loss = 0.3
	scenario.MaxDelay = 4
	scenario.Seed = 3
	scenario.Ticks = 300
	scenario.SettleTicks = 300

	s, result := run(t, scenario)
	require.NotZero(t, result.PacketsLost)
	require.True(t, result.Connected())
	require.True(t, result.Converged())

	for _, peer := range result.Peers {
		require.Equal(t, handshake, peer.Entered, peer.Name)
		require.NotZero(t, peer.History.Nacks)
	}

	require.NoError(t, s.Close())
}

func TestSameSeedSameResult(t *testing.T) {
	scenario := sim.DefaultScenario()
	scenario.Ticks = 120
	scenario.SettleTicks = 30

	first, firstResult := run(t, scenario)
	second, secondResult := run(t, scenario)
	require.NotEqual(t, first.Session(), second.Session())

	firstResult.Session = uuid.Nil
	secondResult.Session = uuid.Nil
	require.Equal(t, firstResult, secondResult)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
}

func TestSendRateThrottlesProperties(t *testing.T) {
	scenario := sim.DefaultScenario()
	scenario.Loss = 0
	scenario.ChangeRate = 1
	scenario.SendRate = 2
	scenario.Ticks = 200
	scenario.SettleTicks = 0

	s, result := run(t, scenario)

	seconds := float64(result.Ticks) * scenario.TickInterval.Seconds()
	limit := scenario.Properties * (1 + int(2*seconds))
	for _, peer := range result.Peers {
		require.NotZero(t, peer.History.Sends)
		require.LessOrEqual(t, peer.History.Sends, limit, peer.Name)
	}

	require.NoError(t, s.Close())
}

func TestHeldLoaderLockStallsHandshake(t *testing.T) {
	scenario := sim.DefaultScenario()
	scenario.Loss = 0
	scenario.LoadTicks = 10000
	scenario.Ticks = 150
	scenario.SettleTicks = 0

	s, result := run(t, scenario)
	require.False(t, result.Connected())

	for _, peer := range result.Peers {
		require.Equal(t, handshake[:4], peer.Entered, peer.Name)
		require.Empty(t, peer.Disconnect)
	}

	view := s.Server().View()
	require.Equal(t, []viewstate.Locker{{Name: "loader", Count: 1}}, view.Lockers())
	require.Equal(t, viewstate.LocalFinishedSet, view.LocalSubState())
	require.False(t, view.ShouldSendFinishLocalState())

	require.NoError(t, s.Close())
	require.False(t, view.Locked())
}

func TestRunStopsWhenCancelled(t *testing.T) {
	s, err := sim.New(testLogger(), sim.DefaultScenario(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, result.Ticks)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Step(), sim.ErrClosed)
	require.NoError(t, s.Close())
}

func TestRegistersMetrics(t *testing.T) {
	registry := prometheus.NewPedanticRegistry()
	scenario := sim.DefaultScenario()
	scenario.Loss = 0

	s, err := sim.New(testLogger(), scenario, registry)
	require.NoError(t, err)
	for i := 0; i < 80; i++ {
		require.NoError(t, s.Step())
	}

	families, err := registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, name := range []string{
		"netsync_sim_ticks_total",
		"netsync_sim_packets_total",
		"netsync_sim_view_announcements_total",
		"netsync_mmm_requested_bytes",
		"netsync_history_sends_total",
	} {
		require.True(t, names[name], name)
	}

	require.NoError(t, s.Close())
}

func TestInvalidScenario(t *testing.T) {
	scenario := sim.DefaultScenario()
	scenario.Loss = 1

	_, err := sim.New(testLogger(), scenario, nil)
	require.Error(t, err)
}
