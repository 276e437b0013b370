// Package monitoring exposes suite runtime counters in Prometheus
// format.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

var (
	// PacketsDiverted counts packets the kernel handed to a queue.
	PacketsDiverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangle_packets_diverted_total",
		Help: "Packets delivered to a userspace queue, by direction.",
	}, []string{"direction"})

	// PacketsReinjected counts packets released back to the kernel,
	// including pipeline-built extras.
	PacketsReinjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangle_packets_reinjected_total",
		Help: "Packets re-injected after the pipeline, by direction.",
	}, []string{"direction"})

	// PacketsDropped counts originals discarded because their pipeline
	// returned an empty carrier.
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangle_packets_dropped_total",
		Help: "Originals dropped on an empty pipeline result, by direction.",
	}, []string{"direction"})

	// TestsTotal counts finished tests by outcome.
	TestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangle_tests_total",
		Help: "Finished tests by status.",
	}, []string{"status"})
)

// Serve starts the metrics listener on addr and returns the server so
// the caller can shut it down. Listen failures are logged, not fatal:
// metrics are advisory.
func Serve(addr string, log *reporting.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listener starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener stopped", "error", err)
		}
	}()
	return srv
}
