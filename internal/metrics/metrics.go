// Package metrics exposes the speed-enforcement server's Prometheus
// counters and gauges, and mirrors a handful of them in plain atomics so
// the server can log periodic snapshots without round-tripping through
// the Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/protohackers/speed-server/internal/logging"
)

// Prometheus series.
var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_accepted_total",
		Help: "Total TCP connections accepted.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Currently open connections.",
	})
	CamerasIdentified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cameras_identified_total",
		Help: "Connections that identified as a camera.",
	})
	DispatchersIdentified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchers_identified_total",
		Help: "Connections that identified as a dispatcher.",
	})
	ObservationsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observations_recorded_total",
		Help: "Plate observations accepted into the observation log.",
	})
	ObservationsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observations_duplicate_total",
		Help: "Plate observations ignored because the (plate, road, timestamp) key already existed.",
	})
	CandidateViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candidate_violations_total",
		Help: "Observations that computed a speed above the camera's limit.",
	})
	TicketsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_emitted_total",
		Help: "Tickets that passed day-deduplication and were handed to dispatch.",
	})
	TicketsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_suppressed_total",
		Help: "Candidate tickets suppressed because a day they cover was already ticketed for that plate.",
	})
	TicketsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickets_buffered",
		Help: "Tickets currently waiting for a dispatcher, summed across all roads.",
	})
	TicketsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_delivered_total",
		Help: "Tickets successfully handed to a dispatcher subscriber channel.",
	})
	SubscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscribers_evicted_total",
		Help: "Dispatcher subscriber channels evicted after a failed send.",
	})
	RegionCommandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "region_commands_dropped_total",
		Help: "Observations dropped because the Region's command queue was full.",
	})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_sent_total",
		Help: "Heartbeat frames written to clients.",
	})
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Protocol errors by reason.",
	}, []string{"reason"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Frames rejected by the decoder for an unknown message tag.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Local mirrored counters for cheap in-process snapshotting.
var (
	localConnAccepted atomic.Uint64
	localObservations atomic.Uint64
	localDuplicates   atomic.Uint64
	localTickets      atomic.Uint64
	localSuppressed   atomic.Uint64
	localDelivered    atomic.Uint64
	localEvicted      atomic.Uint64
	localDropped      atomic.Uint64
	localHeartbeats   atomic.Uint64
	localProtoErrors  atomic.Uint64
	localMalformed    atomic.Uint64
	localActive       atomic.Int64
)

// Snapshot is a cheap copy of local counters, used by the periodic metrics
// logger so it doesn't need to scrape the Prometheus registry.
type Snapshot struct {
	ConnectionsAccepted uint64
	ConnectionsActive   int64
	Observations        uint64
	Duplicates          uint64
	TicketsEmitted      uint64
	TicketsSuppressed   uint64
	TicketsDelivered    uint64
	SubscribersEvicted  uint64
	RegionDrops         uint64
	Heartbeats          uint64
	ProtocolErrors      uint64
	Malformed           uint64
}

// Snap returns the current local counters.
func Snap() Snapshot {
	return Snapshot{
		ConnectionsAccepted: localConnAccepted.Load(),
		ConnectionsActive:   localActive.Load(),
		Observations:        localObservations.Load(),
		Duplicates:          localDuplicates.Load(),
		TicketsEmitted:      localTickets.Load(),
		TicketsSuppressed:   localSuppressed.Load(),
		TicketsDelivered:    localDelivered.Load(),
		SubscribersEvicted:  localEvicted.Load(),
		RegionDrops:         localDropped.Load(),
		Heartbeats:          localHeartbeats.Load(),
		ProtocolErrors:      localProtoErrors.Load(),
		Malformed:           localMalformed.Load(),
	}
}

func IncConnectionAccepted() {
	ConnectionsAccepted.Inc()
	localConnAccepted.Add(1)
}

func SetConnectionsActive(n int) {
	ConnectionsActive.Set(float64(n))
	localActive.Store(int64(n))
}

func IncCameraIdentified() { CamerasIdentified.Inc() }

func IncDispatcherIdentified() { DispatchersIdentified.Inc() }

func IncObservationRecorded() {
	ObservationsRecorded.Inc()
	localObservations.Add(1)
}

func IncObservationDuplicate() {
	ObservationsDuplicate.Inc()
	localDuplicates.Add(1)
}

func IncCandidateViolation() { CandidateViolations.Inc() }

func IncTicketEmitted() {
	TicketsEmitted.Inc()
	localTickets.Add(1)
}

func IncTicketSuppressed() {
	TicketsSuppressed.Inc()
	localSuppressed.Add(1)
}

func SetTicketsBuffered(n int) { TicketsBuffered.Set(float64(n)) }

func IncTicketDelivered() {
	TicketsDelivered.Inc()
	localDelivered.Add(1)
}

func IncSubscriberEvicted() {
	SubscribersEvicted.Inc()
	localEvicted.Add(1)
}

func IncRegionCommandDropped() {
	RegionCommandsDropped.Inc()
	localDropped.Add(1)
}

func IncHeartbeatSent() {
	HeartbeatsSent.Inc()
	localHeartbeats.Add(1)
}

func IncProtocolError(reason string) {
	ProtocolErrors.WithLabelValues(reason).Inc()
	localProtoErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// InitBuildInfo sets the build info gauge and pre-registers the protocol
// error label series so the first error of a given kind doesn't pay
// registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, reason := range []string{"invalid message", "invalid camera message", "invalid dispatcher message", "already beating", "unknown message type"} {
		ProtocolErrors.WithLabelValues(reason).Add(0)
	}
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to ready
// when none is set so the metrics endpoint doesn't flap before startup
// wires one in.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
