package history

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "history"

type counterDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(Stats) int
}

// Collector exports the counters of one or more histories to Prometheus, labelled by history name
type Collector struct {
	mutex     sync.Mutex
	histories []*History
	descs     []counterDesc
}

var _ prometheus.Collector = &Collector{}

func NewCollector(namespace string, histories ...*History) *Collector {
	counter := func(name, help string, valueType prometheus.ValueType, value func(Stats) int) counterDesc {
		return counterDesc{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, metricsSubsystem, name), help, []string{"history"}, nil),
			valueType: valueType,
			value:     value,
		}
	}

	return &Collector{
		histories: histories,
		descs: []counterDesc{
			counter("properties", "Properties with a memento slot", prometheus.GaugeValue, func(s Stats) int { return s.Properties }),
			counter("mementos", "Retained mementos", prometheus.GaugeValue, func(s Stats) int { return s.Mementos }),
			counter("sends_total", "Values encoded into outgoing packets", prometheus.CounterValue, func(s Stats) int { return s.Sends }),
			counter("failed_sends_total", "Sends deferred because the encoder refused the value", prometheus.CounterValue, func(s Stats) int { return s.FailedSends }),
			counter("acks_total", "Positive acknowledgements", prometheus.CounterValue, func(s Stats) int { return s.Acks }),
			counter("nacks_total", "Negative acknowledgements", prometheus.CounterValue, func(s Stats) int { return s.Nacks }),
			counter("unknown_acks_total", "Verdicts for mementos no longer retained", prometheus.CounterValue, func(s Stats) int { return s.UnknownAcks }),
			counter("resets_total", "Flushes and resets", prometheus.CounterValue, func(s Stats) int { return s.Resets }),
		},
	}
}

// Add starts exporting h
func (c *Collector) Add(h *History) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.histories = append(c.histories, h)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.Lock()
	histories := append([]*History(nil), c.histories...)
	c.mutex.Unlock()

	for _, h := range histories {
		stats := h.Stats()
		for _, d := range c.descs {
			ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, float64(d.value(stats)), h.name)
		}
	}
}
