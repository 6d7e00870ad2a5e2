package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teamz88/farmon-be/internal/health"
)

var (
	// Reconciliation metrics

	ReconcileActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magiclink",
		Name:      "reconcile_actions_total",
		Help:      "Credential reconciliations, by resulting action.",
	}, []string{"action"})

	ReconcileErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "magiclink",
		Name:      "reconcile_errors_total",
		Help:      "Per-user reconciliation failures recorded in run summaries.",
	})

	// Webhook delivery metrics

	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magiclink",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	WebhookDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "magiclink",
		Name:      "webhook_delivery_duration_seconds",
		Help:      "Duration of one webhook HTTP delivery.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	// Batch run metrics

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "magiclink",
		Name:      "run_duration_seconds",
		Help:      "Time taken by one full reconcile+dispatch run.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magiclink",
		Name:      "runs_total",
		Help:      "Completed batch runs, by result.",
	}, []string{"result"})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "magiclink",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magiclink",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		ReconcileActionsTotal,
		ReconcileErrorsTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		RunDuration,
		RunsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer exposes /metrics plus the liveness/readiness endpoints on a
// dedicated port, separate from the API surface.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
