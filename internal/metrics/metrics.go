package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IndicatorsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osseccti_indicators_extracted_total",
			Help: "Indicators extracted from OSSEC log input (ip/user)",
		},
		[]string{"type"},
	)
	LogLinesScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osseccti_log_lines_scanned_total",
			Help: "Log lines read from the input",
		},
	)
	FeedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osseccti_feed_writes_total",
			Help: "Feed document writes by outcome",
		},
		[]string{"result"},
	)
	FeedLastWrite = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "osseccti_feed_last_write_timestamp_seconds",
			Help: "Unix time of the last successful feed write",
		},
	)
	LedgerSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osseccti_ledger_submissions_total",
			Help: "Ledger transactions submitted, by type and engine result (or rpc_error)",
		},
		[]string{"tx_type", "result"},
	)
	LedgerSubmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osseccti_ledger_submit_duration_seconds",
			Help:    "Latency of sign-and-submit round trips",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tx_type"},
	)
	FeedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osseccti_feed_requests_total",
			Help: "Requests to the feed and TAXII endpoints",
		},
		[]string{"route", "code"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "osseccti_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": Version},
		},
	)
)

// Version is reported by the build info gauge and the version command
var Version = "0.1.0"

func MustRegister() {
	prometheus.MustRegister(IndicatorsExtracted, LogLinesScanned, FeedWrites, FeedLastWrite,
		LedgerSubmissions, LedgerSubmitDuration, FeedRequests, BuildInfo)
	BuildInfo.Set(1)
}

// WriteTextfile dumps the default registry for the node exporter's
// textfile collector. One-shot runs have no scrape window.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
