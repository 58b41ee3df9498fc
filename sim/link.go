package sim

import (
	"math/rand"

	"github.com/MergHQ/netsync/history"
	"github.com/MergHQ/netsync/viewstate"
	"golang.org/x/exp/slices"
)

type viewMessageKind int

const (
	viewMessageSet viewMessageKind = iota
	viewMessageFinish
)

var viewMessageKindMapping = map[viewMessageKind]string{
	viewMessageSet:    "Set",
	viewMessageFinish: "Finish",
}

func (k viewMessageKind) String() string {
	return viewMessageKindMapping[k]
}

// viewMessage carries one view state announcement
type viewMessage struct {
	kind  viewMessageKind
	state viewstate.State
}

// update carries the value of one property
type update struct {
	key      history.Key
	hasBasis bool
	value    []byte
	cost     int
}

// Packet is one datagram between the peers
type Packet struct {
	Seq     history.Seq
	view    []viewMessage
	updates []update
}

func (p *Packet) empty() bool {
	return len(p.view) == 0 && len(p.updates) == 0
}

// Endpoint receives packets and the delivery verdicts of the packets it sent
type Endpoint interface {
	Deliver(packet *Packet)
	Resolve(packet *Packet, delivered bool)
}

type flight struct {
	due    int
	order  uint64
	lost   bool
	from   Endpoint
	to     Endpoint
	packet *Packet
}

// Link is an in-memory datagram link that drops and reorders packets. Every packet sent is
// eventually resolved on its sender: when a packet arrives, the sender learns of the delivery before
// the receiver processes it, and a dropped packet is reported lost once its delay elapses.
type Link struct {
	rng      *rand.Rand
	loss     float64
	maxDelay int

	now      int
	order    uint64
	inflight []flight

	sent      int
	delivered int
	lost      int
}

func NewLink(rng *rand.Rand, loss float64, maxDelay int) *Link {
	return &Link{
		rng:      rng,
		loss:     loss,
		maxDelay: max(maxDelay, 1),
	}
}

// Send schedules packet for delivery from one endpoint to another
func (l *Link) Send(from, to Endpoint, packet *Packet) {
	l.order++
	l.sent++
	l.inflight = append(l.inflight, flight{
		due:    l.now + 1 + l.rng.Intn(l.maxDelay),
		order:  l.order,
		lost:   l.rng.Float64() < l.loss,
		from:   from,
		to:     to,
		packet: packet,
	})
}

// Advance moves the link one tick forward and resolves every packet due by then, earliest first
func (l *Link) Advance() {
	l.now++

	var due []flight
	pending := l.inflight[:0]
	for _, f := range l.inflight {
		if f.due <= l.now {
			due = append(due, f)
			continue
		}
		pending = append(pending, f)
	}
	for i := len(pending); i < len(l.inflight); i++ {
		l.inflight[i] = flight{}
	}
	l.inflight = pending

	slices.SortFunc(due, func(a, b flight) int {
		if a.due != b.due {
			return a.due - b.due
		}
		if a.order < b.order {
			return -1
		}
		return 1
	})

	for _, f := range due {
		if f.lost {
			l.lost++
			f.from.Resolve(f.packet, false)
			continue
		}

		l.delivered++
		f.from.Resolve(f.packet, true)
		f.to.Deliver(f.packet)
	}
}

// InFlight returns the number of packets not yet resolved
func (l *Link) InFlight() int {
	return len(l.inflight)
}

// Now returns the current tick
func (l *Link) Now() int {
	return l.now
}
