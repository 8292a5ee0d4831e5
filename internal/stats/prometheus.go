// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Sink's aggregated totals as Prometheus metrics.
type Collector struct {
	sink *Sink

	rxPackets    *prometheus.Desc
	rxBytes      *prometheus.Desc
	txPackets    *prometheus.Desc
	txBytes      *prometheus.Desc
	dropped      *prometheus.Desc
	invalid      *prometheus.Desc
	rateLimited  *prometheus.Desc
	authFailures *prometheus.Desc
	sealErrors   *prometheus.Desc
}

// NewCollector creates a collector over the sink.
func NewCollector(sink *Sink) *Collector {
	return &Collector{
		sink: sink,
		rxPackets: prometheus.NewDesc("flygate_rx_packets_total",
			"Packets received by the classifier", nil, nil),
		rxBytes: prometheus.NewDesc("flygate_rx_bytes_total",
			"Bytes received by the classifier", nil, nil),
		txPackets: prometheus.NewDesc("flygate_tx_packets_total",
			"Frames handed to the transport", nil, nil),
		txBytes: prometheus.NewDesc("flygate_tx_bytes_total",
			"Bytes handed to the transport", nil, nil),
		dropped: prometheus.NewDesc("flygate_dropped_packets_total",
			"Packets dropped by admission control or heuristics", nil, nil),
		invalid: prometheus.NewDesc("flygate_invalid_packets_total",
			"Packets dropped for malformed headers", nil, nil),
		rateLimited: prometheus.NewDesc("flygate_rate_limited_total",
			"Packets dropped by the per-source token bucket", nil, nil),
		authFailures: prometheus.NewDesc("flygate_auth_failures_total",
			"Frames that failed AEAD authentication", nil, nil),
		sealErrors: prometheus.NewDesc("flygate_seal_errors_total",
			"Egress segments dropped on seal failure", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.txPackets
	ch <- c.txBytes
	ch <- c.dropped
	ch <- c.invalid
	ch <- c.rateLimited
	ch <- c.authFailures
	ch <- c.sealErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	t := c.sink.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.rxPackets, prometheus.CounterValue, float64(t.RxPackets))
	ch <- prometheus.MustNewConstMetric(c.rxBytes, prometheus.CounterValue, float64(t.RxBytes))
	ch <- prometheus.MustNewConstMetric(c.txPackets, prometheus.CounterValue, float64(t.TxPackets))
	ch <- prometheus.MustNewConstMetric(c.txBytes, prometheus.CounterValue, float64(t.TxBytes))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(t.Dropped))
	ch <- prometheus.MustNewConstMetric(c.invalid, prometheus.CounterValue, float64(t.Invalid))
	ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.CounterValue, float64(t.RateLimited))
	ch <- prometheus.MustNewConstMetric(c.authFailures, prometheus.CounterValue, float64(t.AuthFailures))
	ch <- prometheus.MustNewConstMetric(c.sealErrors, prometheus.CounterValue, float64(t.SealErrors))
}
