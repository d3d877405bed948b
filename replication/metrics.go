package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "tendis"
var subsystem = "replication"

var (
	// metricConnectedSlaves counts subscribers attached across all stores.
	metricConnectedSlaves = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "connected_slaves",
		Help:      "Number of subscribers attached for incremental push",
	})

	// metricBinlogLag tracks per-store lag as seen by the most recent push
	// job of any subscriber of that store.
	metricBinlogLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "binlog_lag",
		Help:      "Highest binlog id minus the subscriber's acknowledged position",
	}, []string{"store"})

	// metricFirstBinlogID tracks the per-store recycle cursor.
	metricFirstBinlogID = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "first_binlog_id",
		Help:      "Smallest binlog id retained in the store",
	}, []string{"store"})

	// MetricStartupSeconds reports how long manager startup took.
	MetricStartupSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "startup_seconds",
		Help:      "Seconds taken by replication manager startup",
	})
)
