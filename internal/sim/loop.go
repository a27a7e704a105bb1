package sim

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/dipcsim/internal/control"
	"github.com/san-kum/dipcsim/internal/delay"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/integrators"
	"github.com/san-kum/dipcsim/internal/logging"
)

var ErrAlreadyRun = errors.New("sim: loop can only run once")

type signals struct {
	start, pause, resume, stop bool
}

// Loop owns the plant state and advances it one tick at a time. Only the
// goroutine in Run touches the state, the delay line and the history buffer.
// Everything else talks to the loop through signals, SetInput and the
// Channel.
type Loop struct {
	model     integrators.System
	rk4       *integrators.RK4
	law       control.Law
	params    dynamo.Params
	cfg       Config
	period    time.Duration
	maxTicks  int
	log       logging.Logger
	inst      Instruments
	ch        *Channel
	observers []Observer

	history  *delay.Buffer
	line     []float64
	lineHead int
	state    dynamo.State
	ticks    int
	overruns int

	input   atomic.Pointer[Input]
	phase   atomic.Int32
	ran     atomic.Bool
	mu      sync.Mutex
	pending signals
	wake    chan struct{}
	done    chan struct{}
}

type Option func(*Loop)

func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

func WithObserver(obs ...Observer) Option {
	return func(lp *Loop) { lp.observers = append(lp.observers, obs...) }
}

func WithInstruments(i Instruments) Option {
	return func(lp *Loop) {
		if i != nil {
			lp.inst = i
		}
	}
}

// WithChannel publishes into an existing channel instead of a fresh one.
func WithChannel(c *Channel) Option {
	return func(lp *Loop) {
		if c != nil {
			lp.ch = c
		}
	}
}

// New builds an idle loop starting from x0. The parameters supply the
// timestep, the actuator limit and the actuation delay.
func New(model integrators.System, law control.Law, p dynamo.Params, x0 dynamo.State, cfg Config, opts ...Option) (*Loop, error) {
	if model == nil {
		return nil, dynamo.Configf("model", "required")
	}
	if law == nil {
		return nil, dynamo.Configf("law", "required")
	}
	p = p.WithDefaults()
	if err := p.ValidateTiming(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !x0.IsValid() {
		return nil, dynamo.Configf("initial_state", "must be finite, got %+v", x0)
	}
	if cfg.MaxCatchUp == 0 {
		cfg.MaxCatchUp = DefaultMaxCatchUp
	}

	period := time.Duration(p.Dt * float64(time.Second))
	if cfg.Pacing == Realtime && period <= 0 {
		return nil, dynamo.Configf("dt", "%v is below the 1ns clock resolution for realtime pacing", p.Dt)
	}

	n := p.DelaySteps()
	l := &Loop{
		model:   model,
		rk4:     integrators.NewRK4(),
		law:     law,
		params:  p,
		cfg:     cfg,
		period:  period,
		log:     logging.Noop(),
		inst:    noInstruments{},
		ch:      NewChannel(),
		history: delay.NewBuffer(max(n, 1)),
		line:    make([]float64, n),
		state:   x0,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if cfg.Duration > 0 {
		// Any positive duration runs at least one tick.
		l.maxTicks = max(1, int(math.Ceil(cfg.Duration/p.Dt-1e-9)))
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(logging.String("law", law.Name()))
	l.ch.publish(x0, Idle, 0)
	return l, nil
}

func (l *Loop) Start()  { l.signal(func(s *signals) { s.start = true }) }
func (l *Loop) Pause()  { l.signal(func(s *signals) { s.pause = true }) }
func (l *Loop) Resume() { l.signal(func(s *signals) { s.resume = true }) }
func (l *Loop) Stop()   { l.signal(func(s *signals) { s.stop = true }) }

func (l *Loop) signal(set func(*signals)) {
	l.mu.Lock()
	set(&l.pending)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) takeSignals() signals {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.pending
	l.pending = signals{}
	return s
}

// SetInput stores the latest human input after clamping it to the configured
// bounds. It is safe to call from any goroutine and never blocks the loop.
func (l *Loop) SetInput(in Input) {
	in = l.cfg.Bounds.clamp(in)
	l.input.Store(&in)
}

// Input returns the input the next tick will read.
func (l *Loop) Input() Input {
	if p := l.input.Load(); p != nil {
		return *p
	}
	return Input{}
}

func (l *Loop) Phase() Phase { return Phase(l.phase.Load()) }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) Channel() *Channel { return l.ch }

func (l *Loop) Params() dynamo.Params { return l.params }

func (l *Loop) Law() control.Law { return l.law }

func (l *Loop) setPhase(ctx context.Context, p Phase) {
	from := l.Phase()
	if from == p {
		return
	}
	l.phase.Store(int32(p))
	l.inst.PhaseChanged(p)
	l.ch.republish(p)
	l.log.Info(ctx, "phase changed",
		logging.String("from", from.String()),
		logging.String("to", p.String()),
		logging.Float("t", l.state.T))
}

// Run drives the loop until a stop condition, a Stop signal, a fatal error or
// cancellation of ctx. It returns the summary of the run; the error is
// non-nil for divergence, a failing model and cancellation. Run may be
// called once.
func (l *Loop) Run(ctx context.Context) (res Result, err error) {
	if !l.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}
	defer func() { res, err = l.finish(ctx, res, err) }()

	if l.cfg.AutoStart {
		l.Start()
	}
	l.log.Info(ctx, "loop ready",
		logging.Float("dt", l.params.Dt),
		logging.Int("delay_steps", len(l.line)),
		logging.String("pacing", l.cfg.Pacing.String()))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var base time.Time
	var sinceBase int

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Reason: StopCancelled}, ctxErr
		}
		sig := l.takeSignals()
		if sig.stop {
			return Result{Reason: StopSignal}, nil
		}
		if sig.start && l.Phase() == Idle {
			l.setPhase(ctx, Running)
			base, sinceBase = time.Now(), 0
		}
		if sig.pause && l.Phase() == Running {
			l.setPhase(ctx, Paused)
		}
		if sig.resume && l.Phase() == Paused {
			l.setPhase(ctx, Running)
			base, sinceBase = time.Now(), 0
		}

		if l.Phase() != Running {
			l.idle(ctx)
			continue
		}

		n := 1
		if l.cfg.Pacing == Realtime {
			due := int(time.Since(base)/l.period) - sinceBase
			if due <= 0 {
				next := base.Add(time.Duration(sinceBase+1) * l.period)
				l.sleep(ctx, timer, time.Until(next))
				continue
			}
			if due > l.cfg.MaxCatchUp {
				dropped := due - l.cfg.MaxCatchUp
				l.overruns += dropped
				sinceBase += dropped
				due = l.cfg.MaxCatchUp
				l.inst.Overrun(dropped)
				l.log.Warn(ctx, "tick overrun",
					logging.Int("dropped", dropped),
					logging.Int("total", l.overruns),
					logging.Float("t", l.state.T))
			}
			n = due
		}

		for i := 0; i < n; i++ {
			reason, tickErr := l.tick(ctx)
			sinceBase++
			if reason != StopNone {
				return Result{Reason: reason}, tickErr
			}
		}
	}
}

// tick runs one control and integration step.
func (l *Loop) tick(ctx context.Context) (StopReason, error) {
	began := time.Now()

	in := l.Input()
	ref := l.cfg.Reference
	for i := range ref.Q {
		ref.Q[i] += in.Reference.Q[i]
	}

	raw := l.law.Compute(control.Observation{State: l.state, Reference: ref, History: l.history})
	if r, ok := l.law.(control.PredictionReporter); ok {
		if perr := r.PredictionErr(); perr != nil {
			l.log.Warn(ctx, "delay prediction failed, using raw state",
				logging.Int("step", l.ticks+1), logging.Err(perr))
		}
	}
	cmd := control.Saturate(raw, l.params.MaxForce)
	applied := control.Saturate(l.delayLine(cmd)+in.Disturbance, l.params.MaxForce)

	next, err := l.rk4.Step(l.model, l.state, applied, l.params.Dt)
	if err != nil {
		var div *dynamo.DivergenceError
		if errors.As(err, &div) {
			div.Step = l.ticks + 1
			l.log.Error(ctx, "simulation diverged", logging.Int("step", div.Step), logging.Float("t", div.Time), logging.Err(err))
			return StopDiverged, err
		}
		l.log.Error(ctx, "integration failed", logging.Int("step", l.ticks+1), logging.Err(err))
		return StopError, err
	}

	l.ticks++
	l.state = next
	l.history.Push(next, cmd)

	rec := dynamo.NewRecord(l.ticks, next)
	rec.Command = raw
	rec.Reference = ref
	rec.Disturbance = in.Disturbance
	l.ch.publish(next, Running, raw)
	for _, o := range l.observers {
		o.OnTick(rec)
	}
	l.inst.TickDuration(time.Since(began))

	if l.maxTicks > 0 && l.ticks >= l.maxTicks {
		return StopDuration, nil
	}
	if m := l.cfg.MaxAngle; m > 0 && (math.Abs(next.Q[dynamo.Theta1]) > m || math.Abs(next.Q[dynamo.Theta2]) > m) {
		return StopFell, nil
	}
	return StopNone, nil
}

// delayLine pushes the newest command and returns the one issued len(line)
// ticks ago. Commands start out as zero.
func (l *Loop) delayLine(cmd float64) float64 {
	if len(l.line) == 0 {
		return cmd
	}
	out := l.line[l.lineHead]
	l.line[l.lineHead] = cmd
	l.lineHead = (l.lineHead + 1) % len(l.line)
	return out
}

func (l *Loop) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-l.wake:
	}
}

func (l *Loop) sleep(ctx context.Context, timer *time.Timer, d time.Duration) {
	if d <= 0 {
		return
	}
	timer.Reset(d)
	select {
	case <-ctx.Done():
	case <-l.wake:
	case <-timer.C:
	}
	timer.Stop()
}

func (l *Loop) finish(ctx context.Context, res Result, err error) (Result, error) {
	res.Ticks = l.ticks
	res.Overruns = l.overruns
	res.Final = l.state

	l.history.Reset()
	for _, o := range l.observers {
		c, ok := o.(io.Closer)
		if !ok {
			continue
		}
		if cerr := c.Close(); cerr != nil {
			l.log.Warn(ctx, "observer close failed", logging.Err(cerr))
			err = errors.Join(err, cerr)
		}
	}
	res.Err = err

	l.setPhase(ctx, Terminated)
	close(l.done)

	fields := []logging.Field{
		logging.String("reason", string(res.Reason)),
		logging.Int("ticks", res.Ticks),
		logging.Int("overruns", res.Overruns),
		logging.Float("t", res.Final.T),
	}
	if err != nil {
		l.log.Error(ctx, "run finished", append(fields, logging.Err(err))...)
	} else {
		l.log.Info(ctx, "run finished", fields...)
	}
	return res, err
}
