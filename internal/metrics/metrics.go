package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bundler"

// Metrics holds the Prometheus collectors of the bundler. Each instance owns
// its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Admission
	Admissions *prometheus.CounterVec // by result

	// Bundling
	Bundles       *prometheus.CounterVec // by result
	OpsIncluded   prometheus.Counter
	OpsFailed     prometheus.Counter
	GasUsed       prometheus.Counter
	CycleDuration prometheus.Histogram
	CyclesSkipped prometheus.Counter
	CycleErrors   prometheus.Counter

	// Mempool
	MempoolSize *prometheus.GaugeVec // by state
	Pruned      prometheus.Counter

	// RPC
	RPCRequests *prometheus.CounterVec // by method
	RPCErrors   *prometheus.CounterVec // by method

	logger log.Logger
}

// New creates a Metrics instance registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "User operation admission attempts by result",
		}, []string{"result"}),
		Bundles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Bundle submissions by result",
		}, []string{"result"}),
		OpsIncluded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_included_total",
			Help:      "User operations included on chain",
		}),
		OpsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_failed_total",
			Help:      "User operations marked failed",
		}),
		GasUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_used_total",
			Help:      "Cumulative gas used by included bundles",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of bundling cycles in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		CyclesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Scheduled cycles skipped because a cycle was still running",
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Bundling cycles that ended with an error",
		}),
		MempoolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_entries",
			Help:      "Mempool entries by state",
		}, []string{"state"}),
		Pruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mempool_pruned_total",
			Help:      "Entries removed by mempool pruning",
		}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method",
		}, []string{"method"}),
		RPCErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "JSON-RPC errors by method",
		}, []string{"method"}),
		logger: log.New("module", "metrics"),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"inso-bundler","timestamp":%d}`, time.Now().Unix())
	})
	return mux
}

// Serve starts the metrics HTTP endpoint in the background. The returned
// server can be shut down by the caller.
func (m *Metrics) Serve(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "err", err)
		}
	}()
	return server
}
