package sim

import (
	"os"
	"time"

	"github.com/MergHQ/netsync/mmm"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Scenario describes one simulated connection.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after passing to New.
type Scenario struct {
	// Ticks is the number of ticks during which property values keep changing
	Ticks int `yaml:"ticks"`
	// SettleTicks follow Ticks with every value frozen, giving replication time to converge
	SettleTicks int `yaml:"settle_ticks"`
	// TickInterval is the simulated time between ticks, seen by the send strategy
	TickInterval time.Duration `yaml:"tick_interval"`
	// Seed seeds the link and the property values. Runs with the same scenario are identical.
	Seed int64 `yaml:"seed"`

	// Loss is the probability that a packet is dropped
	Loss float64 `yaml:"loss"`
	// MaxDelay is the largest delivery delay in ticks. Packets with different delays overtake each
	// other.
	MaxDelay int `yaml:"max_delay"`
	// PacketBudget caps the encoded property bytes of one packet
	PacketBudget int `yaml:"packet_budget"`

	// Properties is the number of properties each peer replicates to the other
	Properties int `yaml:"properties"`
	// PropertySize is the largest property value in bytes
	PropertySize int `yaml:"property_size"`
	// ChangeRate is the probability that a property changes on a tick
	ChangeRate float64 `yaml:"change_rate"`
	// SendRate limits sends of one property per simulated second. 0 sends whenever dirty.
	SendRate float64 `yaml:"send_rate"`

	// StageTicks is how long a peer works in each handshake stage before finishing it
	StageTicks int `yaml:"stage_ticks"`
	// LoadTicks is how long a peer holds the loader lock after entering SpawnEntities
	LoadTicks int `yaml:"load_ticks"`

	// MaintenanceEvery compacts the allocator heap and trims its empty pages every so many ticks.
	// 0 disables maintenance.
	MaintenanceEvery int `yaml:"maintenance_every"`
	// Allocator sizes the memento allocator shared by both peers
	Allocator mmm.Config `yaml:"allocator"`
}

// DefaultScenario returns a short, lossy scenario that completes the handshake
func DefaultScenario() Scenario {
	allocator := mmm.DefaultConfig()
	allocator.Name = "sim"

	return Scenario{
		Ticks:            200,
		SettleTicks:      100,
		TickInterval:     50 * time.Millisecond,
		Seed:             1,
		Loss:             0.1,
		MaxDelay:         3,
		PacketBudget:     1200,
		Properties:       32,
		PropertySize:     48,
		ChangeRate:       0.2,
		StageTicks:       2,
		LoadTicks:        5,
		MaintenanceEvery: 50,
		Allocator:        allocator,
	}
}

// LoadScenario reads a YAML scenario over the defaults. An empty path returns the defaults.
func LoadScenario(path string) (Scenario, error) {
	scenario := DefaultScenario()
	if path == "" {
		return scenario, scenario.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return scenario, errors.Wrapf(err, "read scenario %s", path)
	}
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return scenario, errors.Wrapf(err, "parse scenario %s", path)
	}

	if err := scenario.Validate(); err != nil {
		return scenario, errors.Wrapf(err, "invalid scenario %s", path)
	}
	return scenario, nil
}

// Validate checks the scenario for consistency
func (s Scenario) Validate() error {
	if s.Ticks < 0 || s.SettleTicks < 0 {
		return errors.Newf("ticks and settle_ticks must not be negative, got %d and %d", s.Ticks, s.SettleTicks)
	}
	if s.TickInterval <= 0 {
		return errors.Newf("tick_interval must be positive, got %s", s.TickInterval)
	}
	if s.Loss < 0 || s.Loss >= 1 {
		return errors.Newf("loss must be in [0, 1), got %g", s.Loss)
	}
	if s.ChangeRate < 0 || s.ChangeRate > 1 {
		return errors.Newf("change_rate must be in [0, 1], got %g", s.ChangeRate)
	}
	if s.MaxDelay < 1 {
		return errors.Newf("max_delay must be at least 1, got %d", s.MaxDelay)
	}
	if s.Properties < 0 {
		return errors.Newf("properties must not be negative, got %d", s.Properties)
	}
	if s.PropertySize < 1 {
		return errors.Newf("property_size must be at least 1, got %d", s.PropertySize)
	}
	if s.PacketBudget < s.PropertySize+updateHeaderSize {
		return errors.Newf("packet_budget %d cannot hold a single %d byte property", s.PacketBudget, s.PropertySize)
	}
	if s.SendRate < 0 {
		return errors.Newf("send_rate must not be negative, got %g", s.SendRate)
	}
	if s.MaintenanceEvery < 0 {
		return errors.Newf("maintenance_every must not be negative, got %d", s.MaintenanceEvery)
	}
	if s.StageTicks < 0 || s.LoadTicks < 0 {
		return errors.Newf("stage_ticks and load_ticks must not be negative, got %d and %d", s.StageTicks, s.LoadTicks)
	}

	return errors.Wrap(s.Allocator.Validate(), "allocator")
}
