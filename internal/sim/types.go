package sim

import (
	"fmt"
	"math"
	"time"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// Phase is the lifecycle state of a Loop.
type Phase int32

const (
	Idle Phase = iota
	Running
	Paused
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Pacing selects how ticks are scheduled against the wall clock.
type Pacing int

const (
	// Realtime runs one tick per Dt of wall-clock time.
	Realtime Pacing = iota
	// Lockstep runs ticks back to back. Used for tests, tuning and
	// headless runs.
	Lockstep
)

func (p Pacing) String() string {
	if p == Lockstep {
		return "lockstep"
	}
	return "realtime"
}

// ParsePacing accepts "realtime" and "lockstep".
func ParsePacing(s string) (Pacing, error) {
	switch s {
	case "", "realtime":
		return Realtime, nil
	case "lockstep":
		return Lockstep, nil
	default:
		return Realtime, dynamo.Configf("pacing", "unknown mode %q", s)
	}
}

// StopReason tells why a run reached Terminated.
type StopReason string

const (
	StopNone      StopReason = ""
	StopSignal    StopReason = "stopped"
	StopDuration  StopReason = "duration"
	StopFell      StopReason = "fell"
	StopCancelled StopReason = "cancelled"
	StopDiverged  StopReason = "diverged"
	StopError     StopReason = "error"
)

// Input is one sample of human input. It is read once at the start of a tick.
type Input struct {
	// Reference is added to the configured reference.
	Reference dynamo.Reference
	// Disturbance is added to the matured command before saturation.
	Disturbance float64
}

// InputBounds limits untrusted human input. Zero disables a channel.
type InputBounds struct {
	CartReference  float64 `yaml:"cart_reference"`
	AngleReference float64 `yaml:"angle_reference"`
	Disturbance    float64 `yaml:"disturbance"`
}

func (b InputBounds) clamp(in Input) Input {
	out := Input{Disturbance: dynamo.Clamp(in.Disturbance, -b.Disturbance, b.Disturbance)}
	out.Reference.Q[dynamo.Cart] = dynamo.Clamp(in.Reference.Q[dynamo.Cart], -b.CartReference, b.CartReference)
	for _, i := range []int{dynamo.Theta1, dynamo.Theta2} {
		out.Reference.Q[i] = dynamo.Clamp(in.Reference.Q[i], -b.AngleReference, b.AngleReference)
	}
	return out
}

// Config controls a single run of the loop.
type Config struct {
	Pacing Pacing
	// Duration in simulated seconds; zero runs until stopped.
	Duration float64
	// MaxAngle ends the round when either rod leaves [-MaxAngle, MaxAngle].
	// Zero disables the check.
	MaxAngle float64
	// MaxCatchUp is the number of overdue ticks run back to back in Realtime
	// pacing before the rest of the backlog is dropped.
	MaxCatchUp int
	// AutoStart skips the Idle phase.
	AutoStart bool
	Reference dynamo.Reference
	Bounds    InputBounds
}

const DefaultMaxCatchUp = 5

func (c Config) validate() error {
	if math.IsNaN(c.Duration) || math.IsInf(c.Duration, 0) || c.Duration < 0 {
		return dynamo.Configf("duration", "must be non-negative and finite, got %v", c.Duration)
	}
	if math.IsNaN(c.MaxAngle) || c.MaxAngle < 0 {
		return dynamo.Configf("max_angle", "must be non-negative, got %v", c.MaxAngle)
	}
	if c.MaxCatchUp < 0 {
		return dynamo.Configf("max_catch_up", "must be non-negative, got %d", c.MaxCatchUp)
	}
	for _, v := range []float64{c.Bounds.CartReference, c.Bounds.AngleReference, c.Bounds.Disturbance} {
		if math.IsNaN(v) || v < 0 {
			return dynamo.Configf("input_bounds", "must be non-negative, got %+v", c.Bounds)
		}
	}
	return nil
}

// Observer receives every record in tick order on the loop goroutine. It
// must not block. Observers that implement io.Closer are closed when the
// loop exits.
type Observer interface {
	OnTick(rec dynamo.Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec dynamo.Record)

func (f ObserverFunc) OnTick(rec dynamo.Record) { f(rec) }

// Instruments receives timing events. All methods are called from the loop
// goroutine.
type Instruments interface {
	TickDuration(d time.Duration)
	Overrun(dropped int)
	PhaseChanged(p Phase)
}

type noInstruments struct{}

func (noInstruments) TickDuration(time.Duration) {}
func (noInstruments) Overrun(int)                {}
func (noInstruments) PhaseChanged(Phase)         {}

// Result summarizes a finished run.
type Result struct {
	Reason   StopReason
	Ticks    int
	Overruns int
	Final    dynamo.State
	Err      error
}

// Snapshot is the latest state published by the loop together with the phase
// at publication time.
type Snapshot struct {
	dynamo.Snapshot
	Phase Phase
	// Command is the raw law output of the tick that produced State.
	Command float64
}
