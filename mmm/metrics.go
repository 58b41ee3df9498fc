package mmm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "mmm"

// Collector exports the statistics of one or more managers to Prometheus, labelled by manager
// name. It reads the managers at scrape time and registers nothing globally.
type Collector struct {
	mutex    sync.Mutex
	managers []*Manager

	requestedBytes *prometheus.Desc
	allocatedBytes *prometheus.Desc
	blockBytes     *prometheus.Desc
	peakBlockBytes *prometheus.Desc
	allocations    *prometheus.Desc
	blocks         *prometheus.Desc
	bytesMoved     *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

func NewCollector(namespace string, managers ...*Manager) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, metricsSubsystem, name), help, []string{"manager"}, nil)
	}

	return &Collector{
		managers:       managers,
		requestedBytes: desc("requested_bytes", "Logical bytes requested by live allocations"),
		allocatedBytes: desc("allocated_bytes", "Capacity handed out to live allocations"),
		blockBytes:     desc("block_bytes", "Bytes held in slab pages and the heap arena"),
		peakBlockBytes: desc("peak_block_bytes", "Highest block_bytes since the manager was created"),
		allocations:    desc("allocations", "Live handles and raw buffers"),
		blocks:         desc("blocks", "Slab pages plus the heap arena"),
		bytesMoved:     desc("defrag_bytes_moved_total", "Bytes relocated by heap compaction"),
	}
}

// Add starts exporting m
func (c *Collector) Add(m *Manager) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.managers = append(c.managers, m)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestedBytes
	ch <- c.allocatedBytes
	ch <- c.blockBytes
	ch <- c.peakBlockBytes
	ch <- c.allocations
	ch <- c.blocks
	ch <- c.bytesMoved
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.Lock()
	managers := append([]*Manager(nil), c.managers...)
	c.mutex.Unlock()

	for _, m := range managers {
		stats := m.Statistics()
		name := m.Name()

		ch <- prometheus.MustNewConstMetric(c.requestedBytes, prometheus.GaugeValue, float64(stats.RequestedBytes), name)
		ch <- prometheus.MustNewConstMetric(c.allocatedBytes, prometheus.GaugeValue, float64(stats.AllocationBytes), name)
		ch <- prometheus.MustNewConstMetric(c.blockBytes, prometheus.GaugeValue, float64(stats.BlockBytes), name)
		ch <- prometheus.MustNewConstMetric(c.peakBlockBytes, prometheus.GaugeValue, float64(m.PeakBlockBytes()), name)
		ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(stats.AllocationCount), name)
		ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(stats.BlockCount), name)
		ch <- prometheus.MustNewConstMetric(c.bytesMoved, prometheus.CounterValue, float64(m.DefragmentationStats().BytesMoved), name)
	}
}
