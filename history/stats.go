package history

import (
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

type counters struct {
	properties  atomic.Int64
	mementos    atomic.Int64
	sends       atomic.Int64
	failedSends atomic.Int64
	acks        atomic.Int64
	nacks       atomic.Int64
	unknownAcks atomic.Int64
	resets      atomic.Int64
}

// Stats is a snapshot of a history's counters
type Stats struct {
	// Properties is the number of properties with a slot
	Properties int
	// Mementos is the number of retained mementos across every property
	Mementos int
	// Sends is the number of successful sends
	Sends int
	// FailedSends is the number of sends refused by the encoder
	FailedSends int
	// Acks and Nacks count resolved positive and negative acknowledgements
	Acks  int
	Nacks int
	// UnknownAcks counts verdicts for mementos that were no longer retained
	UnknownAcks int
	// Resets counts calls to Flush and Reset
	Resets int
}

// Stats returns the current counters. It is safe to call from any goroutine.
func (h *History) Stats() Stats {
	return Stats{
		Properties:  int(h.counters.properties.Load()),
		Mementos:    int(h.counters.mementos.Load()),
		Sends:       int(h.counters.sends.Load()),
		FailedSends: int(h.counters.failedSends.Load()),
		Acks:        int(h.counters.acks.Load()),
		Nacks:       int(h.counters.nacks.Load()),
		UnknownAcks: int(h.counters.unknownAcks.Load()),
		Resets:      int(h.counters.resets.Load()),
	}
}

func (s Stats) PrintJson(json *jwriter.ObjectState) {
	json.Name("Properties").Int(s.Properties)
	json.Name("Mementos").Int(s.Mementos)
	json.Name("Sends").Int(s.Sends)
	json.Name("FailedSends").Int(s.FailedSends)
	json.Name("Acks").Int(s.Acks)
	json.Name("Nacks").Int(s.Nacks)
	json.Name("UnknownAcks").Int(s.UnknownAcks)
	json.Name("Resets").Int(s.Resets)
}

// BuildStatsString returns a json dump of the history's counters and, when detailed, the state of
// every property in key order. Like every other method except Stats, it must be called from the
// goroutine driving the history.
func (h *History) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("Name").String(h.name)

	totalObj := root.Name("Total").Object()
	h.Stats().PrintJson(&totalObj)
	totalObj.End()

	if detailed {
		keys := make([]Key, 0, h.slots.Count())
		h.slots.Iter(func(key Key, _ *slot) bool {
			keys = append(keys, key)
			return false
		})
		slices.Sort(keys)

		propertiesArr := root.Name("Properties").Array()
		for _, key := range keys {
			s, _ := h.slots.Get(key)

			propertyObj := propertiesArr.Object()
			propertyObj.Name("Key").String(key.String())
			propertyObj.Name("State").String(s.state.String())
			propertyObj.Name("Mementos").Int(len(s.mementos))
			if index := s.basisIndex(); index >= 0 {
				propertyObj.Name("BasisSeq").Int(int(s.mementos[index].seq))
			}
			propertyObj.End()
		}
		propertiesArr.End()
	}

	root.End()
	return string(writer.Bytes())
}
