// Package stats exposes process-wide counters and gauges for the
// crawler, generalizing the reference client's per-torrent use of
// go-metrics transfer-rate meters to crawler-wide throughput counters
// (queries sent, jobs accepted/dropped, workers in flight, metadata
// fetched/failed).
package stats

import (
	"sync"

	"github.com/rcrowley/go-metrics"
)

// Registry is the process-wide metrics registry. A dedicated registry
// (rather than metrics.DefaultRegistry) keeps this package's counters
// isolated from anything else linked into the same binary.
var Registry = metrics.NewRegistry()

var workersInFlightMu sync.Mutex

var (
	QueriesSent       = metrics.NewRegisteredCounter("dht.queries_sent", Registry)
	QueriesRateLimited = metrics.NewRegisteredCounter("dht.queries_rate_limited", Registry)
	RepliesReceived   = metrics.NewRegisteredCounter("dht.replies_received", Registry)
	NodesDiscovered   = metrics.NewRegisteredCounter("dht.nodes_discovered", Registry)
	Rejoins           = metrics.NewRegisteredCounter("dht.rejoins", Registry)

	JobsAccepted = metrics.NewRegisteredCounter("scheduler.jobs_accepted", Registry)
	JobsDropped  = metrics.NewRegisteredCounter("scheduler.jobs_dropped", Registry)
	WorkersInFlight = metrics.NewRegisteredGauge("scheduler.workers_in_flight", Registry)

	MetadataFetched = metrics.NewRegisteredCounter("metadata.fetched", Registry)
	MetadataFailed  = metrics.NewRegisteredCounter("metadata.failed", Registry)
)

// IncWorkersInFlight and DecWorkersInFlight adjust the in-flight
// worker gauge safely under concurrent dispatch, since go-metrics'
// int64 Gauge only exposes Value/Update, not an atomic increment.
func IncWorkersInFlight() {
	workersInFlightMu.Lock()
	WorkersInFlight.Update(WorkersInFlight.Value() + 1)
	workersInFlightMu.Unlock()
}

func DecWorkersInFlight() {
	workersInFlightMu.Lock()
	WorkersInFlight.Update(WorkersInFlight.Value() - 1)
	workersInFlightMu.Unlock()
}

// Snapshot is a point-in-time copy of the counters suitable for
// logger.Status.
type Snapshot struct {
	QueriesSent        int64
	QueriesRateLimited int64
	RepliesReceived    int64
	NodesDiscovered    int64
	Rejoins            int64
	JobsAccepted       int64
	JobsDropped        int64
	WorkersInFlight    int64
	MetadataFetched    int64
	MetadataFailed     int64
}

// Snap reads every counter/gauge into a Snapshot.
func Snap() Snapshot {
	return Snapshot{
		QueriesSent:        QueriesSent.Count(),
		QueriesRateLimited: QueriesRateLimited.Count(),
		RepliesReceived:    RepliesReceived.Count(),
		NodesDiscovered:    NodesDiscovered.Count(),
		Rejoins:            Rejoins.Count(),
		JobsAccepted:       JobsAccepted.Count(),
		JobsDropped:        JobsDropped.Count(),
		WorkersInFlight:    WorkersInFlight.Value(),
		MetadataFetched:    MetadataFetched.Count(),
		MetadataFailed:     MetadataFailed.Count(),
	}
}

// Fields renders the snapshot as a map for Logger.Status.
func (s Snapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"queries_sent":         s.QueriesSent,
		"queries_rate_limited": s.QueriesRateLimited,
		"replies_received":     s.RepliesReceived,
		"nodes_discovered":     s.NodesDiscovered,
		"rejoins":              s.Rejoins,
		"jobs_accepted":        s.JobsAccepted,
		"jobs_dropped":         s.JobsDropped,
		"workers_in_flight":    s.WorkersInFlight,
		"metadata_fetched":     s.MetadataFetched,
		"metadata_failed":      s.MetadataFailed,
	}
}
