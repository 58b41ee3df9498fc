package sim

import (
	"fmt"
	"io"
	"strings"

	"github.com/MergHQ/netsync/history"
	"github.com/MergHQ/netsync/memutils"
	"github.com/MergHQ/netsync/viewstate"
	"github.com/google/uuid"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PeerResult summarizes one peer at the end of a run
type PeerResult struct {
	Name string
	// State is the stage most recently entered
	State viewstate.State
	// Entered lists every stage entered, in order
	Entered     []viewstate.State
	Disconnect  string
	PacketsSent int
	FullPackets int
	// Announcements counts requests to send view state information
	Announcements int
	// Converged is the number of the peer's properties whose current value the other peer holds
	Converged  int
	Properties int
	History    history.Stats
}

// Result summarizes a run
type Result struct {
	Session     uuid.UUID
	Ticks       int
	PacketsSent int
	PacketsLost int
	InFlight    int
	Peers       []PeerResult
	Allocator   memutils.Statistics
}

// Connected reports whether both peers reached the game without a protocol violation
func (r Result) Connected() bool {
	for _, peer := range r.Peers {
		if peer.Disconnect != "" || peer.State != viewstate.StateInGame {
			return false
		}
	}
	return len(r.Peers) > 0
}

// Converged reports whether every property of every peer reached the other side
func (r Result) Converged() bool {
	for _, peer := range r.Peers {
		if peer.Converged != peer.Properties {
			return false
		}
	}
	return true
}

func (s *Simulation) peerResult(p *Peer) PeerResult {
	return PeerResult{
		Name:          p.name,
		State:         p.view.CurrentState(),
		Entered:       append([]viewstate.State(nil), p.entered...),
		Disconnect:    p.disconnect,
		PacketsSent:   p.packetsSent,
		FullPackets:   p.fullPackets,
		Announcements: p.announcements,
		Converged:     p.Converged(),
		Properties:    len(p.properties),
		History:       p.history.Stats(),
	}
}

// Result summarizes the run so far
func (s *Simulation) Result() Result {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return Result{
		Session:     s.session,
		Ticks:       s.tick,
		PacketsSent: s.link.sent,
		PacketsLost: s.link.lost,
		InFlight:    s.link.InFlight(),
		Peers:       []PeerResult{s.peerResult(s.server), s.peerResult(s.client)},
		Allocator:   s.manager.Statistics(),
	}
}

func (r Result) PrintJson(json *jwriter.ObjectState) {
	json.Name("Session").String(r.Session.String())
	json.Name("Ticks").Int(r.Ticks)
	json.Name("PacketsSent").Int(r.PacketsSent)
	json.Name("PacketsLost").Int(r.PacketsLost)
	json.Name("InFlight").Int(r.InFlight)
	json.Name("Connected").Bool(r.Connected())
	json.Name("Converged").Bool(r.Converged())

	peersArr := json.Name("Peers").Array()
	for _, peer := range r.Peers {
		peerObj := peersArr.Object()
		peerObj.Name("Name").String(peer.Name)
		peerObj.Name("State").String(peer.State.String())

		enteredArr := peerObj.Name("Entered").Array()
		for _, state := range peer.Entered {
			enteredArr.String(state.String())
		}
		enteredArr.End()

		if peer.Disconnect != "" {
			peerObj.Name("Disconnect").String(peer.Disconnect)
		}
		peerObj.Name("PacketsSent").Int(peer.PacketsSent)
		peerObj.Name("FullPackets").Int(peer.FullPackets)
		peerObj.Name("Announcements").Int(peer.Announcements)
		peerObj.Name("Converged").Int(peer.Converged)
		peerObj.Name("Properties").Int(peer.Properties)

		historyObj := peerObj.Name("History").Object()
		peer.History.PrintJson(&historyObj)
		historyObj.End()

		peerObj.End()
	}
	peersArr.End()

	allocatorObj := json.Name("Allocator").Object()
	r.Allocator.PrintJson(&allocatorObj)
	allocatorObj.End()
}

// BuildJsonString returns the result as a json object
func (r Result) BuildJsonString() string {
	writer := jwriter.NewWriter()
	root := writer.Object()
	r.PrintJson(&root)
	root.End()

	return string(writer.Bytes())
}

// WriteText writes a human readable summary of the result
func (r Result) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "session %s: %d ticks, %d packets sent, %d lost, %d in flight\n",
		r.Session, r.Ticks, r.PacketsSent, r.PacketsLost, r.InFlight)
	for _, peer := range r.Peers {
		fmt.Fprintf(&b, "  %s: state %s, %d/%d properties converged, %d packets, %d full\n",
			peer.Name, peer.State, peer.Converged, peer.Properties, peer.PacketsSent, peer.FullPackets)
		if peer.Disconnect != "" {
			fmt.Fprintf(&b, "    disconnected: %s\n", peer.Disconnect)
		}
		fmt.Fprintf(&b, "    history: %d sends, %d failed, %d acks, %d nacks, %d unknown, %d mementos\n",
			peer.History.Sends, peer.History.FailedSends, peer.History.Acks, peer.History.Nacks,
			peer.History.UnknownAcks, peer.History.Mementos)
	}
	fmt.Fprintf(&b, "  allocator: %d allocations, %d requested bytes, %d allocated bytes, %d block bytes\n",
		r.Allocator.AllocationCount, r.Allocator.RequestedBytes, r.Allocator.AllocationBytes, r.Allocator.BlockBytes)

	_, err := io.WriteString(w, b.String())
	return err
}
