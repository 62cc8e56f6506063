package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sizeDesc = prometheus.NewDesc(
		"trellis_cache_entries",
		"Orders currently cached.",
		nil, nil)
	capacityDesc = prometheus.NewDesc(
		"trellis_cache_capacity",
		"Maximum number of cached orders.",
		nil, nil)
	hitsDesc = prometheus.NewDesc(
		"trellis_cache_hits_total",
		"Local cache hits.",
		nil, nil)
	missesDesc = prometheus.NewDesc(
		"trellis_cache_misses_total",
		"Local cache misses.",
		nil, nil)
	evictionsDesc = prometheus.NewDesc(
		"trellis_cache_evictions_total",
		"Entries evicted to make room.",
		nil, nil)
	usesDesc = prometheus.NewDesc(
		"trellis_cache_entry_uses",
		"Hits recorded against the entries currently cached.",
		nil, nil)
)

// Describe implements prometheus.Collector.
func (c *Cache) Describe(ch chan<- *prometheus.Desc) {
	ch <- sizeDesc
	ch <- capacityDesc
	ch <- hitsDesc
	ch <- missesDesc
	ch <- evictionsDesc
	ch <- usesDesc
}

// Collect implements prometheus.Collector.
func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	st := c.Stats()
	var uses int
	for _, e := range c.Entries() {
		uses += e.Uses
	}
	ch <- prometheus.MustNewConstMetric(sizeDesc, prometheus.GaugeValue, float64(st.Size))
	ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(st.Hits))
	ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(st.Misses))
	ch <- prometheus.MustNewConstMetric(evictionsDesc, prometheus.CounterValue, float64(st.Evictions))
	ch <- prometheus.MustNewConstMetric(usesDesc, prometheus.GaugeValue, float64(uses))
}

var _ prometheus.Collector = (*Cache)(nil)
