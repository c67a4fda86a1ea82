package firmware

import (
	"sync/atomic"

	"github.com/c35s/barefw/netif"
	"github.com/c35s/barefw/virtio/driver"
	"github.com/prometheus/client_golang/prometheus"
)

// collector exports the driver and interface counters.
type collector struct {
	net   *driver.NetStats
	ifc   *netif.Stats
	block *driver.BlockStats // nil without a disk

	netFrames   *prometheus.Desc
	ifcFrames   *prometheus.Desc
	blkRequests *prometheus.Desc
	blkErrors   *prometheus.Desc
}

func newCollector(net *driver.NetStats, ifc *netif.Stats, block *driver.BlockStats) *collector {
	return &collector{
		net:   net,
		ifc:   ifc,
		block: block,

		netFrames: prometheus.NewDesc("barefw_virtio_net_frames_total",
			"Frames handled by the network driver.",
			[]string{"dir", "result"}, nil),

		ifcFrames: prometheus.NewDesc("barefw_netif_frames_total",
			"Frames crossing the network interface.",
			[]string{"dir", "result"}, nil),

		blkRequests: prometheus.NewDesc("barefw_virtio_blk_requests_total",
			"Requests completed by the block driver.",
			[]string{"op"}, nil),

		blkErrors: prometheus.NewDesc("barefw_virtio_blk_errors_total",
			"Block requests that failed.",
			nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.netFrames
	ch <- c.ifcFrames
	ch <- c.blkRequests
	ch <- c.blkErrors
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v *atomic.Uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v.Load()), labels...)
	}

	counter(c.netFrames, &c.net.TxFrames, "tx", "ok")
	counter(c.netFrames, &c.net.TxDropped, "tx", "dropped")
	counter(c.netFrames, &c.net.TxRejected, "tx", "rejected")
	counter(c.netFrames, &c.net.RxFrames, "rx", "ok")
	counter(c.netFrames, &c.net.RxDropped, "rx", "dropped")

	counter(c.ifcFrames, &c.ifc.InFrames, "in", "ok")
	counter(c.ifcFrames, &c.ifc.OutFrames, "out", "ok")
	counter(c.ifcFrames, &c.ifc.OutDropped, "out", "dropped")

	if c.block == nil {
		return
	}

	counter(c.blkRequests, &c.block.Reads, "read")
	counter(c.blkRequests, &c.block.Writes, "write")
	counter(c.blkRequests, &c.block.Flushes, "flush")
	counter(c.blkErrors, &c.block.Errors)
}
