package storage

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/torua/internal/logging"
)

// StoreCollector exports the statistics of a Store on every scrape.
type StoreCollector struct {
	store  Store
	logger *slog.Logger

	shards *prometheus.Desc
	files  *prometheus.Desc
	bytes  *prometheus.Desc
	errors *prometheus.Desc
}

// NewStoreCollector returns a collector labelling its series with the node id.
func NewStoreCollector(store Store, nodeID string, logger *slog.Logger) *StoreCollector {
	labels := prometheus.Labels{"node": nodeID}
	return &StoreCollector{
		store:  store,
		logger: logging.OrDiscard(logger),

		shards: prometheus.NewDesc(
			"torua_store_shards",
			"Number of shard copies with a store listing on this node",
			nil, labels,
		),
		files: prometheus.NewDesc(
			"torua_store_files",
			"Number of files across all store listings",
			nil, labels,
		),
		bytes: prometheus.NewDesc(
			"torua_store_bytes",
			"Total size of all listed files in bytes",
			nil, labels,
		),
		errors: prometheus.NewDesc(
			"torua_store_stats_up",
			"1 if the last statistics read succeeded",
			nil, labels,
		),
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.shards
	ch <- c.files
	ch <- c.bytes
	ch <- c.errors
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.store.Stats()
	if err != nil {
		c.logger.Warn("failed to read store stats", "error", err)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.shards, prometheus.GaugeValue, float64(stats.Shards))
	ch <- prometheus.MustNewConstMetric(c.files, prometheus.GaugeValue, float64(stats.Files))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(stats.Bytes))
}
