package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/sim"
)

// LoopCollector bundles Prometheus metrics for the simulation loop. It is both
// a sim.Instruments and a sim.Observer, so one value wires timing events and
// per-tick records.
type LoopCollector struct {
	gatherer prometheus.Gatherer

	Ticks         prometheus.Counter
	TickDurations prometheus.Histogram
	Overruns      prometheus.Counter
	AppliedForce  prometheus.Gauge
	Angles        *prometheus.GaugeVec
	Phase         prometheus.Gauge
	Runs          *prometheus.CounterVec
}

// NewLoopCollector registers loop metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewLoopCollector(reg prometheus.Registerer) (*LoopCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dipcsim_ticks_total",
		Help: "Total number of executed simulation ticks.",
	}), "dipcsim_ticks_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dipcsim_tick_duration_seconds",
		Help:    "Wall-clock time spent computing one tick.",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 2e-3, 5e-3, 1e-2},
	}), "dipcsim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	overruns, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dipcsim_overrun_ticks_total",
		Help: "Ticks dropped because the loop fell behind the wall clock.",
	}), "dipcsim_overrun_ticks_total")
	if err != nil {
		return nil, err
	}
	force, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dipcsim_applied_force_newtons",
		Help: "Saturated force applied to the cart in the last tick.",
	}), "dipcsim_applied_force_newtons")
	if err != nil {
		return nil, err
	}
	angles, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dipcsim_angle_radians",
		Help: "Rod angles from upright after the last tick.",
	}, []string{"rod"}), "dipcsim_angle_radians")
	if err != nil {
		return nil, err
	}
	phase, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dipcsim_phase",
		Help: "Loop phase: 0 idle, 1 running, 2 paused, 3 terminated.",
	}), "dipcsim_phase")
	if err != nil {
		return nil, err
	}
	runs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dipcsim_runs_total",
		Help: "Finished runs, labeled by law and stop reason.",
	}, []string{"law", "reason"}), "dipcsim_runs_total")
	if err != nil {
		return nil, err
	}

	return &LoopCollector{
		gatherer:      gatherer,
		Ticks:         ticks,
		TickDurations: durations,
		Overruns:      overruns,
		AppliedForce:  force,
		Angles:        angles,
		Phase:         phase,
		Runs:          runs,
	}, nil
}

func (c *LoopCollector) TickDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDurations.Observe(d.Seconds())
}

func (c *LoopCollector) Overrun(dropped int) {
	if c == nil {
		return
	}
	c.Overruns.Add(float64(dropped))
}

func (c *LoopCollector) PhaseChanged(p sim.Phase) {
	if c == nil {
		return
	}
	c.Phase.Set(float64(p))
}

func (c *LoopCollector) OnTick(rec dynamo.Record) {
	if c == nil {
		return
	}
	c.AppliedForce.Set(rec.F)
	c.Angles.WithLabelValues("theta1").Set(rec.Q[dynamo.Theta1])
	c.Angles.WithLabelValues("theta2").Set(rec.Q[dynamo.Theta2])
}

// RecordRun counts a finished run.
func (c *LoopCollector) RecordRun(law string, res sim.Result) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(law, string(res.Reason)).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LoopCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes the handler on addr under /metrics until ctx is done.
func (c *LoopCollector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
