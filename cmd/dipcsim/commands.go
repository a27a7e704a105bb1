package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/dipcsim/internal/config"
	"github.com/san-kum/dipcsim/internal/control"
	"github.com/san-kum/dipcsim/internal/experiment"
	"github.com/san-kum/dipcsim/internal/logging"
	"github.com/san-kum/dipcsim/internal/monitor"
	"github.com/san-kum/dipcsim/internal/observability"
	"github.com/san-kum/dipcsim/internal/optim"
	"github.com/san-kum/dipcsim/internal/sim"
	"github.com/san-kum/dipcsim/internal/storage"
)

// session holds what run and live share: the experiment, the prometheus
// collector and an optional recording.
type session struct {
	cfg       *config.Config
	log       logging.Logger
	exp       *experiment.Experiment
	collector *observability.LoopCollector
	run       *storage.Run
}

func newSession(ctx context.Context, cfg *config.Config, log logging.Logger, id string, record bool) (*session, error) {
	exp, err := experiment.New(cfg, nil, log)
	if err != nil {
		return nil, err
	}
	collector, err := observability.NewLoopCollector(nil)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log, exp: exp, collector: collector}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Warn(ctx, "metrics endpoint stopped", logging.Err(err))
			}
		}()
	}

	if record {
		st := storage.New(cfg.Storage.Dir)
		if err := st.Init(); err != nil {
			return nil, err
		}
		if s.run, err = st.Create(id, cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *session) options() []sim.Option {
	opts := []sim.Option{sim.WithInstruments(s.collector), sim.WithObserver(s.collector)}
	if s.run != nil {
		opts = append(opts, sim.WithObserver(s.run))
	}
	return opts
}

// finish records the outcome of a run. The loop has already closed the
// records file.
func (s *session) finish(res sim.Result, metrics map[string]float64) error {
	law := s.exp.Law().Name()
	s.collector.RecordRun(law, res)
	if s.run == nil {
		return nil
	}
	meta := storage.RunMetadata{
		Law:       law,
		Dt:        s.cfg.Params.Dt,
		Delay:     s.cfg.Params.Delay,
		Duration:  s.cfg.Duration,
		Reason:    string(res.Reason),
		Ticks:     res.Ticks,
		Overruns:  res.Overruns,
		FinalTime: res.Final.T,
		Metrics:   metrics,
	}
	if res.Err != nil {
		meta.Error = res.Err.Error()
	}
	return s.run.Finish(meta)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	ctx, stop := signalContext(cmd)
	defer stop()
	if runID != "" {
		ctx = logging.ContextWithRunID(ctx, runID)
	}
	ctx, id := logging.EnsureRunID(ctx)

	s, err := newSession(ctx, cfg, log, id, !noSave)
	if err != nil {
		return err
	}

	fmt.Printf("running %s (%s pacing)...\n", cfg.Law, pacingName(cfg))
	start := time.Now()
	result, err := s.exp.Run(ctx, s.options()...)
	if result == nil {
		return err
	}
	if ferr := s.finish(result.Result, result.Metrics); ferr != nil {
		err = errors.Join(err, ferr)
	}

	fmt.Printf("completed in %v\n", time.Since(start).Round(time.Millisecond))
	if s.run != nil {
		fmt.Printf("run id: %s\n", s.run.ID)
	}
	fmt.Printf("reason: %s\n", result.Reason)
	fmt.Printf("ticks: %d (overruns %d)\n", result.Ticks, result.Overruns)
	printMetrics(result.Metrics)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func pacingName(cfg *config.Config) string {
	p, err := sim.ParsePacing(cfg.Pacing)
	if err != nil {
		return cfg.Pacing
	}
	return p.String()
}

func printMetrics(values map[string]float64) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("\nmetrics:")
	for _, name := range names {
		fmt.Printf("  %s: %.6f\n", name, values[name])
	}
}

// liveLogConfig moves terminal logging into live.log under the data
// directory, since the monitor owns the terminal. A file output is kept.
func liveLogConfig(cfg *config.Config) logging.Config {
	lc := cfg.Log
	if lc.ToTerminal() {
		lc.Output = filepath.Join(cfg.Storage.Dir, "live.log")
	}
	return lc
}

// runLive runs the loop in real time behind the terminal monitor.
func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Pacing = sim.Realtime.String()

	ctx, stop := signalContext(cmd)
	defer stop()
	ctx, id := logging.EnsureRunID(ctx)

	lc := liveLogConfig(cfg)
	if err := os.MkdirAll(filepath.Dir(lc.Output), 0o755); err != nil {
		return err
	}

	s, err := newSession(ctx, cfg, logging.New(lc), id, save)
	if err != nil {
		return err
	}
	loop, err := s.exp.Loop(s.options()...)
	if err != nil {
		return err
	}

	type outcome struct {
		res sim.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := loop.Run(ctx)
		done <- outcome{res, err}
	}()

	uiErr := monitor.Run(loop, loop.Channel(), monitor.Options{
		Title:  s.exp.Law().Name(),
		Params: cfg.Params,
		Bounds: cfg.Input,
	})
	loop.Stop()
	out := <-done

	if err := s.finish(out.res, s.exp.Metrics().Values()); err != nil {
		return err
	}
	if uiErr != nil {
		return uiErr
	}
	fmt.Printf("%s after %.2fs (%d ticks, %d overruns)\n", out.res.Reason, out.res.Final.T, out.res.Ticks, out.res.Overruns)
	if s.run != nil {
		fmt.Printf("run id: %s\n", s.run.ID)
	}
	if errors.Is(out.err, context.Canceled) {
		return nil
	}
	return out.err
}

func runTune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	tuner, err := optim.NewPDTuner(cfg, logging.New(cfg.Log))
	if err != nil {
		return err
	}
	trials, err := tuner.Tune(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tKP\tKD\tSCORE\tRESULT")
	for i, t := range trials {
		if i >= top {
			break
		}
		result := string(t.Reason)
		if t.Err != nil {
			result = t.Err.Error()
		}
		score := "-"
		if !math.IsInf(t.Score, 1) {
			score = fmt.Sprintf("%.3e", t.Score)
		}
		fmt.Fprintf(w, "%d\t%.2f\t%.2f\t%s\t%s\n", i+1, t.Params[optim.ParamKp], t.Params[optim.ParamKd], score, result)
	}
	return w.Flush()
}

func showGains(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	exp, err := experiment.New(cfg, nil, nil)
	if err != nil {
		return err
	}

	fmt.Printf("law: %s\n", exp.Law().Name())
	fmt.Printf("delay: %.4fs (%d steps)\n", cfg.Params.Delay, cfg.Params.WithDefaults().DelaySteps())

	d, ok := exp.Law().(control.Designed)
	if !ok {
		if cfg.Law == config.LawPD {
			fmt.Printf("kp: %v\nkd: %v\n", cfg.PD.Kp, cfg.PD.Kd)
		}
		return nil
	}
	g := d.Gains()
	fmt.Println("k:")
	for i, name := range []string{"x", "theta1", "theta2", "dx", "dtheta1", "dtheta2"} {
		fmt.Printf("  %-8s %12.4f\n", name, g.K[i])
	}
	if g.Gamma > 0 {
		fmt.Printf("gamma: %.4f\n", g.Gamma)
	}
	fmt.Println("closed-loop poles:")
	for _, p := range g.Poles {
		fmt.Printf("  %8.4f %+8.4fi\n", real(p), imag(p))
	}
	return nil
}

func openStore(cmd *cobra.Command) (*storage.Store, error) {
	dir := dataDir
	if dir == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		dir = cfg.Storage.Dir
	}
	return storage.New(dir), nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	runs, err := st.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLAW\tTIME\tSIMULATED\tDT\tDELAY\tREASON\tTICKS")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2fs\t%.4fs\t%.4fs\t%s\t%d\n",
			run.ID,
			run.Law,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.FinalTime,
			run.Dt,
			run.Delay,
			run.Reason,
			run.Ticks,
		)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	times, values, err := st.Column(runID, column)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("law: %s\n", meta.Law)
	fmt.Printf("reason: %s after %.2fs\n\n", meta.Reason, times[len(times)-1])

	graph := asciigraph.Plot(values,
		asciigraph.Height(15),
		asciigraph.Width(70),
		asciigraph.Caption(column),
	)
	fmt.Println(graph)
	printMetrics(meta.Metrics)
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	return st.ExportJSON(os.Stdout, args[0])
}

func listPresets(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLAW\tDELAY\tDURATION")
	for _, name := range config.ListPresets() {
		p := config.GetPreset(name)
		fmt.Fprintf(w, "%s\t%s\t%.3fs\t%.1fs\n", name, p.Law, p.Params.Delay, p.Duration)
	}
	return w.Flush()
}
