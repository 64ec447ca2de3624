package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a consumer's counters to prometheus
type Collector struct {
	consumer *Consumer

	completedDesc       *prometheus.Desc
	lostDesc            *prometheus.Desc
	overflowDesc        *prometheus.Desc
	forcedEvictionsDesc *prometheus.Desc
	warmupDiscardsDesc  *prometheus.Desc
	deferralTimeoutDesc *prometheus.Desc
	skippedPacketsDesc  *prometheus.Desc
	queuedDesc          *prometheus.Desc
	readyDesc           *prometheus.Desc
}

func NewCollector(c *Consumer) *Collector {
	return &Collector{
		consumer: c,

		completedDesc: prometheus.NewDesc(
			"frametrace_presents_completed_total",
			"Total presents completed, including lost presents",
			nil, nil),
		lostDesc: prometheus.NewDesc(
			"frametrace_presents_lost_total",
			"Total presents whose tracking was inconsistent",
			nil, nil),
		overflowDesc: prometheus.NewDesc(
			"frametrace_completed_overflow_total",
			"Total presents dropped because the completed ring was full",
			nil, nil),
		forcedEvictionsDesc: prometheus.NewDesc(
			"frametrace_tracked_evictions_total",
			"Total in-flight presents evicted from the tracked ring",
			nil, nil),
		warmupDiscardsDesc: prometheus.NewDesc(
			"frametrace_warmup_discards_total",
			"Total presents discarded as the first completion of a session",
			nil, nil),
		deferralTimeoutDesc: prometheus.NewDesc(
			"frametrace_deferral_timeouts_total",
			"Total presents released after waiting for a marker too long",
			nil, nil),
		skippedPacketsDesc: prometheus.NewDesc(
			"frametrace_gpu_packets_skipped_total",
			"Total GPU packets not tracked because a node queue was full",
			nil, nil),
		queuedDesc: prometheus.NewDesc(
			"frametrace_presents_queued",
			"Completed presents not yet dequeued",
			nil, nil),
		readyDesc: prometheus.NewDesc(
			"frametrace_presents_ready",
			"Completed presents ready to be dequeued",
			nil, nil),
	}
}

func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.completedDesc
	ch <- col.lostDesc
	ch <- col.overflowDesc
	ch <- col.forcedEvictionsDesc
	ch <- col.warmupDiscardsDesc
	ch <- col.deferralTimeoutDesc
	ch <- col.skippedPacketsDesc
	ch <- col.queuedDesc
	ch <- col.readyDesc
}

func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.consumer.Stats()

	ch <- prometheus.MustNewConstMetric(col.completedDesc, prometheus.CounterValue, float64(s.CompletedCount))
	ch <- prometheus.MustNewConstMetric(col.lostDesc, prometheus.CounterValue, float64(s.LostCount))
	ch <- prometheus.MustNewConstMetric(col.overflowDesc, prometheus.CounterValue, float64(s.OverflowCount))
	ch <- prometheus.MustNewConstMetric(col.forcedEvictionsDesc, prometheus.CounterValue, float64(s.ForcedEvictions))
	ch <- prometheus.MustNewConstMetric(col.warmupDiscardsDesc, prometheus.CounterValue, float64(s.WarmupDiscards))
	ch <- prometheus.MustNewConstMetric(col.deferralTimeoutDesc, prometheus.CounterValue, float64(s.DeferralTimeouts))
	ch <- prometheus.MustNewConstMetric(col.skippedPacketsDesc, prometheus.CounterValue, float64(s.SkippedPackets))
	ch <- prometheus.MustNewConstMetric(col.queuedDesc, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(col.readyDesc, prometheus.GaugeValue, float64(s.Ready))
}
