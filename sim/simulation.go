package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/MergHQ/netsync/history"
	"github.com/MergHQ/netsync/memutils/defrag"
	"github.com/MergHQ/netsync/mmm"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"
)

const (
	metricsNamespace = "netsync"

	serverKeyBase history.Key = 0x1000
	clientKeyBase history.Key = 0x2000

	maintenanceMovesPerPass = 64
)

// ErrClosed is returned by Step once the simulation has been closed
var ErrClosed = errors.New("simulation is closed")

// epoch is the simulated time of tick zero
var epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Simulation drives a server and a client peer over a lossy link. Both peers keep their mementos in
// one shared allocator.
//
// Step, Run and Close must be called from a single goroutine; Result and the stats accessors may be
// called from any goroutine.
type Simulation struct {
	logger   *slog.Logger
	scenario Scenario
	session  uuid.UUID
	metrics  *Metrics

	mutex   sync.Mutex
	manager *mmm.Manager
	link    *Link
	server  *Peer
	client  *Peer
	tick    int
	closed  bool
}

// New builds a simulation and starts the handshake on both peers. Its metrics and the collectors
// of its allocator and histories are registered on registerer, which may be nil.
func New(logger *slog.Logger, scenario Scenario, registerer prometheus.Registerer) (*Simulation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := scenario.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scenario")
	}

	manager, err := mmm.New(logger, scenario.Allocator)
	if err != nil {
		return nil, errors.Wrap(err, "create memento allocator")
	}

	session := uuid.New()
	logger = logger.With(slog.String("session", session.String()))

	s := &Simulation{
		logger:   logger,
		scenario: scenario,
		session:  session,
		metrics:  NewMetrics(metricsNamespace, registerer),
		manager:  manager,
		link:     NewLink(rand.New(rand.NewSource(scenario.Seed)), scenario.Loss, scenario.MaxDelay),
	}

	s.server = newPeer(logger, "server", scenario, rand.New(rand.NewSource(scenario.Seed+1)), manager, s.metrics, s.link, serverKeyBase)
	s.client = newPeer(logger, "client", scenario, rand.New(rand.NewSource(scenario.Seed+2)), manager, s.metrics, s.link, clientKeyBase)
	s.server.remote = s.client
	s.client.remote = s.server

	if registerer != nil {
		collectors := []prometheus.Collector{
			mmm.NewCollector(metricsNamespace, manager),
			history.NewCollector(metricsNamespace, s.server.history, s.client.history),
		}
		for _, collector := range collectors {
			if err := registerer.Register(collector); err != nil {
				return nil, errors.CombineErrors(errors.Wrap(err, "register collector"), s.Close())
			}
		}
	}

	s.server.Start()
	s.client.Start()

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "[SIM] simulation started",
		slog.Int("ticks", scenario.Ticks),
		slog.Int("settleTicks", scenario.SettleTicks),
		slog.Float64("loss", scenario.Loss),
		slog.Int("properties", scenario.Properties),
		slog.Int64("seed", scenario.Seed),
	)
	return s, nil
}

// Session identifies this run in logs and results
func (s *Simulation) Session() uuid.UUID {
	return s.session
}

func (s *Simulation) Server() *Peer {
	return s.server
}

func (s *Simulation) Client() *Peer {
	return s.client
}

// Tick returns the number of ticks simulated so far
func (s *Simulation) Tick() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.tick
}

// Step simulates one tick: resolves the packets due, lets both peers send, and runs allocator
// maintenance when due. Property values change only during the first Ticks ticks.
func (s *Simulation) Step() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.tick++
	changing := s.tick <= s.scenario.Ticks
	now := epoch.Add(time.Duration(s.tick) * s.scenario.TickInterval)

	s.link.Advance()
	if err := s.server.Tick(now, changing); err != nil {
		return err
	}
	if err := s.client.Tick(now, changing); err != nil {
		return err
	}

	if s.scenario.MaintenanceEvery > 0 && s.tick%s.scenario.MaintenanceEvery == 0 {
		s.maintain()
	}

	s.metrics.Ticks.Inc()
	return nil
}

func (s *Simulation) maintain() {
	stats := s.manager.Defragment(defrag.DefragmentationInfo{MaxAllocationsPerPass: maintenanceMovesPerPass})
	trimmed := s.manager.TrimPages()

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "[SIM] allocator maintenance",
		slog.Int("tick", s.tick),
		slog.Int("bytesMoved", stats.BytesMoved),
		slog.Int("allocationsMoved", stats.AllocationsMoved),
		slog.Int("bytesTrimmed", trimmed),
	)
}

// Run steps through every tick of the scenario, stopping early when ctx is cancelled
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	total := s.scenario.Ticks + s.scenario.SettleTicks
	for s.Tick() < total {
		if err := ctx.Err(); err != nil {
			return s.Result(), errors.Wrapf(err, "simulation interrupted at tick %d", s.Tick())
		}
		if err := s.Step(); err != nil {
			return s.Result(), errors.Wrapf(err, "simulation failed at tick %d", s.Tick())
		}
	}

	result := s.Result()
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "[SIM] simulation finished",
		slog.Int("ticks", result.Ticks),
		slog.Int("packetsSent", result.PacketsSent),
		slog.Int("packetsLost", result.PacketsLost),
		slog.Bool("connected", result.Connected()),
	)
	return result, nil
}

// Close releases the histories of both peers and destroys the shared allocator, reporting any
// memento that was leaked
func (s *Simulation) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := errors.CombineErrors(s.server.close(), s.client.close())
	return errors.CombineErrors(err, s.manager.Destroy())
}

// AllocatorStats returns the json dump of the shared allocator
func (s *Simulation) AllocatorStats(detailed bool) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.manager.BuildStatsString(detailed)
}

// HistoryStats returns the json dumps of the server and client histories
func (s *Simulation) HistoryStats(detailed bool) (string, string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.server.history.BuildStatsString(detailed), s.client.history.BuildStatsString(detailed)
}
