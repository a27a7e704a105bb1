package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/san-kum/dipcsim/internal/config"
)

var (
	configFile  string
	preset      string
	dataDir     string
	logLevel    string
	metricsAddr string

	law        string
	dt         float64
	delaySec   float64
	duration   float64
	maxAngle   float64
	pacing     string
	theta1     float64
	theta2     float64
	compensate bool
	runID      string
	noSave     bool
	save       bool

	top    int
	column string
)

// main registers the commands and exits with status 1 on error.
func main() {
	rootCmd := &cobra.Command{
		Use:           "dipcsim",
		Short:         "double inverted pendulum on a cart",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "start from a preset ("+strings.Join(config.ListPresets(), ", ")+")")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "run storage directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a closed-loop simulation and record it",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	simFlags(runCmd)
	runCmd.Flags().StringVar(&pacing, "pacing", "", "realtime or lockstep")
	runCmd.Flags().StringVar(&runID, "id", "", "run id (default: random)")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "do not record the run")

	liveCmd := &cobra.Command{
		Use:   "live",
		Short: "balance in real time with a terminal view",
		Args:  cobra.NoArgs,
		RunE:  runLive,
	}
	simFlags(liveCmd)
	liveCmd.Flags().BoolVar(&save, "save", false, "record the session")

	tuneCmd := &cobra.Command{
		Use:   "tune",
		Short: "grid search the PD gains of theta1",
		Args:  cobra.NoArgs,
		RunE:  runTune,
	}
	tuneCmd.Flags().Float64Var(&delaySec, "delay", 0, "actuation delay in seconds")
	tuneCmd.Flags().IntVar(&top, "top", 10, "number of results to print")

	gainsCmd := &cobra.Command{
		Use:   "gains",
		Short: "design the configured law and print its gains",
		Args:  cobra.NoArgs,
		RunE:  showGains,
	}
	gainsCmd.Flags().StringVar(&law, "law", "", "control law ("+strings.Join(config.Laws, ", ")+")")
	gainsCmd.Flags().Float64Var(&delaySec, "delay", 0, "actuation delay in seconds")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a column of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&column, "column", "theta1", "record column to plot")

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export a recorded run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		RunE:  listPresets,
	}

	rootCmd.AddCommand(runCmd, liveCmd, tuneCmd, gainsCmd, listCmd, plotCmd, exportCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func simFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&law, "law", "", "control law ("+strings.Join(config.Laws, ", ")+")")
	cmd.Flags().Float64Var(&dt, "dt", 0, "timestep in seconds")
	cmd.Flags().Float64Var(&delaySec, "delay", 0, "actuation delay in seconds")
	cmd.Flags().Float64Var(&duration, "time", 0, "duration in seconds, 0 runs until stopped")
	cmd.Flags().Float64Var(&maxAngle, "max-angle", 0, "end the round when a rod leaves this angle")
	cmd.Flags().Float64Var(&theta1, "theta1", 0, "initial angle of the lower rod")
	cmd.Flags().Float64Var(&theta2, "theta2", 0, "initial angle of the upper rod")
	cmd.Flags().BoolVar(&compensate, "compensate", true, "predict the state across the actuation delay")
}

// loadConfig starts from the preset or the defaults, replaces that with the
// config file when given, then applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("law") {
		cfg.Law = law
	}
	if flags.Changed("dt") {
		cfg.Params.Dt = dt
	}
	if flags.Changed("delay") {
		cfg.Params.Delay = delaySec
	}
	if flags.Changed("time") {
		cfg.Duration = duration
	}
	if flags.Changed("max-angle") {
		cfg.MaxAngle = maxAngle
	}
	if flags.Changed("pacing") {
		cfg.Pacing = pacing
	}
	if flags.Changed("theta1") {
		cfg.InitState.Theta1 = theta1
	}
	if flags.Changed("theta2") {
		cfg.InitState.Theta2 = theta2
	}
	if flags.Changed("compensate") {
		cfg.Compensate = compensate
	}
	if dataDir != "" {
		cfg.Storage.Dir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
