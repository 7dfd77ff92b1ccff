// Package metrics exposes the Prometheus counters and gauges for the VDP
// daemon: frames decoded/rejected by the codec, transactions registered,
// completed, timed out, and NAKs emitted by the protocol engine, plus the
// monitor bridge's hub fan-out stats.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shikamaru-ctrl/vdp-server/internal/logging"
)

var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdp_frames_decoded_total",
		Help: "Total well-formed frames extracted from the byte stream.",
	})
	InvalidFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdp_invalid_frames_total",
		Help: "Total rejected byte runs by reason (bad_length, bad_end, bad_checksum, garbage_before_start).",
	}, []string{"reason"})
	NaksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdp_naks_sent_total",
		Help: "Total NAK frames emitted by the engine in response to invalid or rejected input.",
	})
	TransactionsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdp_transactions_registered_total",
		Help: "Total requests registered in the transaction table.",
	})
	TransactionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdp_transactions_completed_total",
		Help: "Total pending entries resolved, labeled by outcome (success, nack, timeout).",
	}, []string{"outcome"})
	TransactionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vdp_transactions_live",
		Help: "Current count of outstanding (unresolved) transaction table entries.",
	})
	BridgeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vdp_bridge_clients",
		Help: "Current number of connected bus-monitor observers.",
	})
	BridgeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdp_bridge_dropped_frames_total",
		Help: "Total frames dropped by the monitor bridge hub due to slow observers.",
	})
	BridgeKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdp_bridge_kicked_clients_total",
		Help: "Total observers disconnected by the bridge hub's kick backpressure policy.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdp_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTransportRead   = "transport_read"
	ErrTransportWrite  = "transport_write"
	ErrBridgeHandshake = "bridge_handshake"
	ErrBridgeWrite     = "bridge_write"
)

// Local mirrored counters, cheap to snapshot for periodic structured logging
// without round-tripping through the Prometheus registry.
var (
	localFramesDecoded uint64
	localInvalid       uint64
	localNaks          uint64
	localTxnRegistered uint64
	localTxnCompleted  uint64
	localErrors        uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FramesDecoded uint64
	InvalidFrames uint64
	NaksSent      uint64
	TxnRegistered uint64
	TxnCompleted  uint64
	Errors        uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesDecoded: atomic.LoadUint64(&localFramesDecoded),
		InvalidFrames: atomic.LoadUint64(&localInvalid),
		NaksSent:      atomic.LoadUint64(&localNaks),
		TxnRegistered: atomic.LoadUint64(&localTxnRegistered),
		TxnCompleted:  atomic.LoadUint64(&localTxnCompleted),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

func IncFramesDecoded() {
	FramesDecoded.Inc()
	atomic.AddUint64(&localFramesDecoded, 1)
}

func IncInvalidFrame(reason string) {
	InvalidFrames.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localInvalid, 1)
}

func IncNakSent() {
	NaksSent.Inc()
	atomic.AddUint64(&localNaks, 1)
}

func IncTransactionRegistered() {
	TransactionsRegistered.Inc()
	atomic.AddUint64(&localTxnRegistered, 1)
}

func IncTransactionCompleted(outcome string) {
	TransactionsCompleted.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&localTxnCompleted, 1)
}

func SetTransactionsLive(n int) { TransactionsLive.Set(float64(n)) }

func SetBridgeClients(n int) { BridgeClients.Set(float64(n)) }

func IncBridgeDrop() { BridgeDropped.Inc() }

func IncBridgeKick() { BridgeKicked.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTransportRead, ErrTransportWrite, ErrBridgeHandshake, ErrBridgeWrite} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // treat as ready before the readiness func is wired, so /ready doesn't flap at boot
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
