package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_tx_frames_total",
		Help: "Total CAN frames successfully transmitted on the bus.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_rx_frames_total",
		Help: "Total CAN frames received from the bus (loopback excluded).",
	})
	LoopbackFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_loopback_frames_total",
		Help: "Total locally echoed frames delivered to the receive queue.",
	})
	RxOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_rx_overflows_total",
		Help: "Total receive overflows, hardware FIFO and software queue combined.",
	})
	BusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_bus_errors_total",
		Help: "Total bus errors reported through the last-error-code field.",
	})
	BusOffEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_bus_off_total",
		Help: "Total bus-off conditions with in-flight transmissions aborted.",
	})
	SendTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bxcan_send_timeouts_total",
		Help: "Total send calls that returned without transmitting (backpressure).",
	})
	SlcanTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slcan_tx_lines_total",
		Help: "Total SLCAN lines written to the serial dump port.",
	})
	LastErrorCode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bxcan_last_error_code",
		Help: "Most recent hardware last-error-code field (4 bits).",
	})
	PeakTxMailbox = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bxcan_peak_tx_mailbox",
		Help: "Highest transmit mailbox index ever loaded this session.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrStart          = "driver_start"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrMMIO           = "mmio"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address and a
// /ready probe backed by the registered readiness function.
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTx          uint64
	localRx          uint64
	localLoopback    uint64
	localRxOverflow  uint64
	localBusErrors   uint64
	localBusOff      uint64
	localSendTimeout uint64
	localSlcanTx     uint64
	localErrors      uint64
	localLastErrCode uint64
	localPeakMailbox uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Tx           uint64
	Rx           uint64
	Loopback     uint64
	RxOverflows  uint64
	BusErrors    uint64
	BusOff       uint64
	SendTimeouts uint64
	SlcanTx      uint64
	Errors       uint64 // sum across error labels
	LastErrCode  uint8
	PeakMailbox  uint8
}

func Snap() Snapshot {
	return Snapshot{
		Tx:           atomic.LoadUint64(&localTx),
		Rx:           atomic.LoadUint64(&localRx),
		Loopback:     atomic.LoadUint64(&localLoopback),
		RxOverflows:  atomic.LoadUint64(&localRxOverflow),
		BusErrors:    atomic.LoadUint64(&localBusErrors),
		BusOff:       atomic.LoadUint64(&localBusOff),
		SendTimeouts: atomic.LoadUint64(&localSendTimeout),
		SlcanTx:      atomic.LoadUint64(&localSlcanTx),
		Errors:       atomic.LoadUint64(&localErrors),
		LastErrCode:  uint8(atomic.LoadUint64(&localLastErrCode)),
		PeakMailbox:  uint8(atomic.LoadUint64(&localPeakMailbox)),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncLoopback() {
	LoopbackFrames.Inc()
	atomic.AddUint64(&localLoopback, 1)
}

func IncRxOverflow() {
	RxOverflows.Inc()
	atomic.AddUint64(&localRxOverflow, 1)
}

func IncBusError() {
	BusErrors.Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

func IncBusOff() {
	BusOffEvents.Inc()
	atomic.AddUint64(&localBusOff, 1)
}

func IncSendTimeout() {
	SendTimeouts.Inc()
	atomic.AddUint64(&localSendTimeout, 1)
}

func IncSlcanTx() {
	SlcanTxLines.Inc()
	atomic.AddUint64(&localSlcanTx, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetLastErrorCode records the most recent hardware LEC value.
func SetLastErrorCode(lec uint8) {
	LastErrorCode.Set(float64(lec))
	atomic.StoreUint64(&localLastErrCode, uint64(lec))
}

// SetPeakTxMailbox records the highest mailbox index used so far.
func SetPeakTxMailbox(mbx uint8) {
	PeakTxMailbox.Set(float64(mbx))
	atomic.StoreUint64(&localPeakMailbox, uint64(mbx))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{ErrStart, ErrSerialWrite, ErrSerialOverflow, ErrMMIO} {
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
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
