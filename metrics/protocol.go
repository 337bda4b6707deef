// Package metrics has prometheus metrics for the IMAP protocol engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommand = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcore_command_total",
			Help: "IMAP commands written, by command name.",
		},
		[]string{
			"command", // lower case, e.g. fetch, login
		},
	)
	metricResult = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcore_command_result_total",
			Help: "Tagged command completions, by result.",
		},
		[]string{
			"result", // ok, no, bad, cancelled, connectionlost, timeout
		},
	)
	metricUntagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcore_untagged_total",
			Help: "Untagged responses received, by kind.",
		},
		[]string{
			"kind", // lower case, e.g. fetch, exists, capability
		},
	)
	metricProtocolError = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcore_protocol_error_total",
			Help: "Protocol errors, by the stage that detected them.",
		},
		[]string{
			"stage", // framer, parser, router, dispatch
		},
	)
	metricLiteralBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcore_literal_bytes_total",
			Help: "Literal payload bytes received.",
		},
		[]string{
			"mode", // buffered, streamed
		},
	)
	metricFetchAttr = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcore_fetch_attr_total",
			Help: "FETCH attributes parsed, by attribute.",
		},
		[]string{
			"attr", // upper case, e.g. FLAGS, ENVELOPE, BODY[]
		},
	)
)

func CommandInc(command string) {
	metricCommand.WithLabelValues(command).Inc()
}

func ResultInc(result string) {
	metricResult.WithLabelValues(result).Inc()
}

func UntaggedInc(kind string) {
	metricUntagged.WithLabelValues(kind).Inc()
}

func ProtocolErrorInc(stage string) {
	metricProtocolError.WithLabelValues(stage).Inc()
}

func LiteralBytesAdd(mode string, n int64) {
	metricLiteralBytes.WithLabelValues(mode).Add(float64(n))
}

func FetchAttrInc(attr string) {
	metricFetchAttr.WithLabelValues(attr).Inc()
}
