package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// Provisioning tracks pipeline outcomes per step.
type Provisioning struct {
	runs  *prometheus.CounterVec
	steps *prometheus.CounterVec
}

// NewProvisioning registers the provisioning collectors on reg.
func NewProvisioning(reg prometheus.Registerer) *Provisioning {
	factory := promauto.With(reg)
	return &Provisioning{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyterm_provision_runs_total",
			Help: "ensureProvisioned invocations by outcome.",
		}, []string{"outcome"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "polyterm_provision_steps_total",
			Help: "Provisioning step executions by step and outcome.",
		}, []string{"step", "outcome"}),
	}
}

// ObserveRun records one full pipeline invocation. Nil-receiver safe so
// callers can run without metrics wired.
func (p *Provisioning) ObserveRun(err error) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(outcome(err)).Inc()
}

// ObserveStep records one step execution.
func (p *Provisioning) ObserveStep(step domain.Step, err error) {
	if p == nil {
		return
	}
	p.steps.WithLabelValues(string(step), outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Serve exposes the registry on addr under /metrics. Blocks.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
