package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayStats provides the collector access to live gateway state.
type GatewayStats interface {
	OpenConnections() int
	ActiveStreams() int
	QueuedStreams() int
}

// ArchiveStats provides the collector access to the archive queue.
type ArchiveStats interface {
	Pending() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool    *pgxpool.Pool
	gateway GatewayStats
	archive ArchiveStats

	openConns       *prometheus.Desc
	activeStreams   *prometheus.Desc
	queuedStreams   *prometheus.Desc
	archivePending  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Any argument may be nil; its gauges then report 0.
func NewCollector(pool *pgxpool.Pool, gateway GatewayStats, archive ArchiveStats) *Collector {
	return &Collector{
		pool:    pool,
		gateway: gateway,
		archive: archive,
		openConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_connections"),
			"Websocket connections currently registered.",
			nil, nil,
		),
		activeStreams: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_streams"),
			"Streams queued or being decoded.",
			nil, nil,
		),
		queuedStreams: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "decode_queue_depth"),
			"Streams waiting for a decode pass.",
			nil, nil,
		),
		archivePending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "archive", "pending"),
			"Finished sessions waiting to be archived.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConns
	ch <- c.activeStreams
	ch <- c.queuedStreams
	ch <- c.archivePending
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var open, active, queued, pending float64
	if c.gateway != nil {
		open = float64(c.gateway.OpenConnections())
		active = float64(c.gateway.ActiveStreams())
		queued = float64(c.gateway.QueuedStreams())
	}
	if c.archive != nil {
		pending = float64(c.archive.Pending())
	}
	ch <- prometheus.MustNewConstMetric(c.openConns, prometheus.GaugeValue, open)
	ch <- prometheus.MustNewConstMetric(c.activeStreams, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.queuedStreams, prometheus.GaugeValue, queued)
	ch <- prometheus.MustNewConstMetric(c.archivePending, prometheus.GaugeValue, pending)

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
	}
}
