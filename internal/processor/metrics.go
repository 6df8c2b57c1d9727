package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The UI counters of spec §4.7, exported as process-level gauges so an
// external scrape sees the same numbers the GUI does.
var (
	metricLocalEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncd",
		Subsystem: "processor",
		Name:      "local_events_pending",
		Help:      "Locally-originated events not yet acknowledged by the coordinator.",
	})
	metricRemoteEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncd",
		Subsystem: "processor",
		Name:      "remote_events_pending",
		Help:      "Remote events not yet applied to the local filesystem.",
	})
	metricEventsErased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncd",
		Subsystem: "processor",
		Name:      "events_erased_total",
		Help:      "Events removed by erase_nested sweeps and registration rejections.",
	})
	metricPacksCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncd",
		Subsystem: "processor",
		Name:      "remote_packs_committed_total",
		Help:      "Remote event packs fully committed to the event database.",
	})
	metricPackRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncd",
		Subsystem: "processor",
		Name:      "remote_pack_retries_total",
		Help:      "Remote event packs rolled back and retried after a mid-pack failure.",
	})
)
