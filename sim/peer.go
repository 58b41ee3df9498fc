package sim

import (
	"bytes"
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/MergHQ/netsync/history"
	"github.com/MergHQ/netsync/mmm"
	"github.com/MergHQ/netsync/viewstate"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// updateHeaderSize is the cost of one property update on the wire besides its payload
const updateHeaderSize = 12

// ErrPacketFull is returned by the packet encoder when a property does not fit the packet budget
var ErrPacketFull = errors.New("packet is full")

type property struct {
	key   history.Key
	value []byte
}

func (p *property) AppendValue(dst []byte) []byte {
	return append(dst, p.value...)
}

type replica struct {
	seq   history.Seq
	value []byte
}

// packetEncoder appends property updates to a packet until its budget runs out. Values equal in
// size to their basis are costed as a byte-wise delta.
type packetEncoder struct {
	packet *Packet
	budget int
	used   int
}

var _ history.Encoder = &packetEncoder{}

func (e *packetEncoder) EncodeValue(key history.Key, seq history.Seq, basis []byte, value []byte) error {
	cost := updateHeaderSize + deltaCost(basis, value)
	if e.used+cost > e.budget {
		return errors.Wrapf(ErrPacketFull, "property %s needs %d bytes at %d", key, cost, seq)
	}

	e.used += cost
	e.packet.updates = append(e.packet.updates, update{
		key:      key,
		hasBasis: basis != nil,
		value:    append([]byte(nil), value...),
		cost:     cost,
	})
	return nil
}

func deltaCost(basis, value []byte) int {
	if len(basis) != len(value) {
		return len(value)
	}

	changed := 0
	for i := range value {
		if value[i] != basis[i] {
			changed++
		}
	}
	return changed
}

// Peer is one end of a simulated connection. It walks the handshake as the Owner of its view state
// manager and, once in game, replicates its properties to the remote peer through its history.
type Peer struct {
	logger   *slog.Logger
	name     string
	scenario Scenario
	rng      *rand.Rand
	metrics  *Metrics

	link   *Link
	remote *Peer

	view    *viewstate.Manager
	history *history.History

	properties []*property
	replicas   *swiss.Map[history.Key, *replica]

	tick        int
	nextSeq     history.Seq
	finishAt    int
	loader      *viewstate.ChangeStateLock
	loaderUntil int

	entered       []viewstate.State
	disconnect    string
	packetsSent   int
	fullPackets   int
	announcements int
}

var _ viewstate.Owner = &Peer{}
var _ Endpoint = &Peer{}

func newPeer(logger *slog.Logger, name string, scenario Scenario, rng *rand.Rand, alloc mmm.Allocator, metrics *Metrics, link *Link, keyBase history.Key) *Peer {
	var strategy history.Strategy
	if scenario.SendRate > 0 {
		strategy = history.NewRateLimitStrategy(rate.Limit(scenario.SendRate), 1)
	}

	p := &Peer{
		logger:   logger,
		name:     name,
		scenario: scenario,
		rng:      rng,
		metrics:  metrics,
		link:     link,
		history:  history.New(logger, name, alloc, strategy),
		replicas: swiss.NewMap[history.Key, *replica](uint32(max(scenario.Properties, 1))),
		nextSeq:  1,
		finishAt: -1,
	}
	p.view = viewstate.New(logger, name, p)

	for i := 0; i < scenario.Properties; i++ {
		prop := &property{key: keyBase + history.Key(i)}
		p.randomize(prop)
		p.properties = append(p.properties, prop)
	}

	return p
}

func (p *Peer) randomize(prop *property) {
	prop.value = prop.value[:0]
	size := 1 + p.rng.Intn(p.scenario.PropertySize)
	for i := 0; i < size; i++ {
		prop.value = append(prop.value, byte(p.rng.Intn(256)))
	}
}

// mutate changes some properties. Most changes keep the size so that deltas against the basis stay
// small.
func (p *Peer) mutate() {
	for _, prop := range p.properties {
		if p.rng.Float64() >= p.scenario.ChangeRate {
			continue
		}

		if p.rng.Intn(4) == 0 {
			p.randomize(prop)
			continue
		}
		prop.value[p.rng.Intn(len(prop.value))]++
	}
}

// Start queues the first handshake stage
func (p *Peer) Start() bool {
	return p.view.SetLocalState(viewstate.StateBegin)
}

// Tick advances the peer by one tick and sends at most one packet
func (p *Peer) Tick(now time.Time, changing bool) error {
	p.tick++
	if p.view.Dead() {
		return nil
	}

	if p.loader != nil && p.tick >= p.loaderUntil {
		p.loader.Release()
		p.loader = nil
	}
	if p.finishAt >= 0 && p.tick >= p.finishAt && p.view.LocalSubState() == viewstate.LocalAcked {
		p.finishAt = -1
		p.view.FinishLocalState()
	}

	packet := &Packet{Seq: p.nextSeq}
	if state, ok := p.view.ShouldSendLocalState(); ok {
		packet.view = append(packet.view, viewMessage{kind: viewMessageSet, state: state})
		p.view.SendLocalState()
	} else if p.view.ShouldSendFinishLocalState() {
		packet.view = append(packet.view, viewMessage{kind: viewMessageFinish, state: p.view.LocalState()})
		p.view.SendFinishLocalState()
	}

	if p.view.IsInState(viewstate.StateInGame) {
		if changing {
			p.mutate()
		}
		if err := p.replicate(packet, now); err != nil {
			return err
		}
	}

	if packet.empty() {
		return nil
	}

	p.nextSeq = p.nextSeq.Next()
	p.packetsSent++
	p.metrics.Packets.WithLabelValues(p.name).Inc()
	p.link.Send(p, p.remote, packet)
	return nil
}

// replicate writes every dirty property into packet, starting from a different property each tick
// so that a full packet does not starve the same ones
func (p *Peer) replicate(packet *Packet, now time.Time) error {
	if len(p.properties) == 0 {
		return nil
	}

	encoder := &packetEncoder{packet: packet, budget: p.scenario.PacketBudget}
	start := p.tick % len(p.properties)
	for i := range p.properties {
		prop := p.properties[(start+i)%len(p.properties)]
		ctx := history.Context{
			Key:        prop.key,
			CurrentSeq: packet.Seq,
			Source:     prop,
			Encoder:    encoder,
			Now:        now,
		}
		if !p.history.NeedToSync(ctx) {
			continue
		}

		result, err := p.history.Send(ctx)
		if err != nil {
			return errors.Wrapf(err, "replicate %s from %s", prop.key, p.name)
		}
		if result == history.SendFailed {
			p.fullPackets++
			p.metrics.FailedSends.Inc()
			break
		}
	}

	return nil
}

// Resolve applies the delivery verdict of a packet this peer sent
func (p *Peer) Resolve(packet *Packet, delivered bool) {
	for _, msg := range packet.view {
		switch msg.kind {
		case viewMessageSet:
			p.view.AckLocalState(delivered)
		case viewMessageFinish:
			p.view.AckFinishLocalState(delivered)
		}
	}

	for _, u := range packet.updates {
		p.history.Ack(history.Context{Key: u.key, CurrentSeq: packet.Seq}, delivered)
	}
}

// Deliver applies a packet sent by the remote peer. Updates older than the applied value of a
// property are ignored.
func (p *Peer) Deliver(packet *Packet) {
	for _, msg := range packet.view {
		switch msg.kind {
		case viewMessageSet:
			p.view.SetRemoteState(msg.state)
		case viewMessageFinish:
			p.view.FinishRemoteState()
		}
	}

	for _, u := range packet.updates {
		r, ok := p.replicas.Get(u.key)
		if !ok {
			r = &replica{seq: packet.Seq, value: u.value}
			p.replicas.Put(u.key, r)
			continue
		}
		if packet.Seq.After(r.seq) {
			r.seq = packet.Seq
			r.value = u.value
		}
	}
}

func (p *Peer) EnterState(state viewstate.State) bool {
	p.entered = append(p.entered, state)
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "[SIM] entered view state",
		slog.String("peer", p.name),
		slog.String("state", state.String()),
		slog.Int("tick", p.tick),
	)

	if state == viewstate.StateInGame {
		p.finishAt = -1
		return true
	}

	p.finishAt = p.tick + p.scenario.StageTicks
	if state == viewstate.StateSpawnEntities && p.scenario.LoadTicks > 0 {
		p.loader = viewstate.NewChangeStateLock(p.view, "loader")
		p.loaderUntil = p.tick + p.scenario.LoadTicks
	}
	return true
}

func (p *Peer) ExitState(state viewstate.State) {
	p.view.SetLocalState(viewstate.NextState(state))
}

func (p *Peer) OnNeedToSendStateInformation(urgent bool) {
	p.announcements++
	p.metrics.Announcements.WithLabelValues(p.name, strconv.FormatBool(urgent)).Inc()
}

func (p *Peer) OnViewStateDisconnect(reason string) {
	p.disconnect = reason
	p.metrics.Disconnects.Inc()
	p.logger.LogAttrs(context.Background(), slog.LevelError, "[SIM] peer disconnected",
		slog.String("peer", p.name),
		slog.String("reason", reason),
		slog.Int("tick", p.tick),
	)
}

// Name returns the name of the peer
func (p *Peer) Name() string {
	return p.name
}

// View returns the view state manager of the peer
func (p *Peer) View() *viewstate.Manager {
	return p.view
}

// History returns the synchronization history of the properties the peer sends
func (p *Peer) History() *history.History {
	return p.history
}

// Entered returns every stage entered so far, in order
func (p *Peer) Entered() []viewstate.State {
	return p.entered
}

// Converged returns the number of this peer's properties whose current value the remote peer holds
func (p *Peer) Converged() int {
	converged := 0
	for _, prop := range p.properties {
		r, ok := p.remote.replicas.Get(prop.key)
		if ok && bytes.Equal(r.value, prop.value) {
			converged++
		}
	}
	return converged
}

func (p *Peer) close() error {
	if p.loader != nil {
		p.loader.Release()
		p.loader = nil
	}
	return p.history.Close()
}
