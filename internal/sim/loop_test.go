package sim_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/dipcsim/internal/control"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/physics"
	"github.com/san-kum/dipcsim/internal/sim"
)

type recorder struct {
	mu      sync.Mutex
	records []dynamo.Record
	closed  bool
}

func (r *recorder) OnTick(rec dynamo.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []dynamo.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dynamo.Record(nil), r.records...)
}

type nanModel struct{}

func (nanModel) Accelerations(q, dq [dynamo.NumQ]float64, f float64) ([dynamo.NumQ]float64, error) {
	return [dynamo.NumQ]float64{math.NaN(), 0, 0}, nil
}

type outcome struct {
	res sim.Result
	err error
}

func runAsync(ctx context.Context, l *sim.Loop) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := l.Run(ctx)
		out <- outcome{res, err}
	}()
	return out
}

func tilted(th1, th2 float64) dynamo.State {
	return dynamo.State{Q: [dynamo.NumQ]float64{0, th1, th2}}
}

var _ = Describe("Loop", func() {
	var (
		params dynamo.Params
		model  *physics.DIPC
		lin    *physics.LinearModel
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		params = dynamo.DefaultParams()
		var err error
		model, err = physics.New(params)
		Expect(err).NotTo(HaveOccurred())
		lin, err = model.Linearize(physics.Upright)
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	polePlacement := func() control.Law {
		law, err := control.NewPolePlacement(lin, []complex128{-3, -3.5, -4, -4.5, -5, -5.5})
		Expect(err).NotTo(HaveOccurred())
		return law
	}

	Describe("construction", func() {
		It("rejects a non-positive timestep", func() {
			params.Dt = 0
			_, err := sim.New(model, control.NewNone(), params, dynamo.State{}, sim.Config{})
			Expect(errors.Is(err, dynamo.ErrConfiguration)).To(BeTrue())
		})

		It("rejects a missing law and a non-finite initial state", func() {
			_, err := sim.New(model, nil, params, dynamo.State{}, sim.Config{})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))

			_, err = sim.New(model, control.NewNone(), params, tilted(math.NaN(), 0), sim.Config{})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})

		It("rejects negative stop conditions", func() {
			_, err := sim.New(model, control.NewNone(), params, dynamo.State{}, sim.Config{MaxAngle: -1})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})

		It("rejects a timestep below the clock resolution for realtime pacing", func() {
			params.Dt = 1e-10
			_, err := sim.New(model, control.NewNone(), params, dynamo.State{}, sim.Config{Pacing: sim.Realtime})
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})

		It("publishes the initial state while idle", func() {
			l, err := sim.New(model, control.NewNone(), params, tilted(0.1, 0), sim.Config{})
			Expect(err).NotTo(HaveOccurred())
			snap, ok := l.Channel().Latest()
			Expect(ok).To(BeTrue())
			Expect(snap.Phase).To(Equal(sim.Idle))
			Expect(snap.State.Q[dynamo.Theta1]).To(Equal(0.1))
			Expect(l.Phase()).To(Equal(sim.Idle))
		})
	})

	Describe("balancing", func() {
		It("keeps both rods upright under pole placement", func() {
			rec := &recorder{}
			l, err := sim.New(model, polePlacement(), params, tilted(0.05, 0.05),
				sim.Config{Pacing: sim.Lockstep, Duration: 5, AutoStart: true},
				sim.WithObserver(rec))
			Expect(err).NotTo(HaveOccurred())

			res, err := l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(sim.StopDuration))
			Expect(res.Ticks).To(Equal(2500))
			Expect(res.Final.T).To(BeNumerically("~", 5, 1e-9))
			Expect(math.Abs(res.Final.Q[dynamo.Theta1])).To(BeNumerically("<", 1e-3))
			Expect(math.Abs(res.Final.Q[dynamo.Theta2])).To(BeNumerically("<", 1e-3))

			records := rec.all()
			Expect(records).To(HaveLen(2500))
			Expect(rec.closed).To(BeTrue())
			for i, r := range records {
				Expect(r.Step).To(Equal(i + 1))
				Expect(math.Abs(r.F)).To(BeNumerically("<=", params.MaxForce))
			}
		})

		It("holds upright until stopped by hand after five seconds", func() {
			var l *sim.Loop
			stopper := sim.ObserverFunc(func(rec dynamo.Record) {
				if rec.T >= 5 {
					l.Stop()
				}
			})
			var err error
			l, err = sim.New(model, polePlacement(), params, tilted(0.05, 0.05),
				sim.Config{Pacing: sim.Lockstep, AutoStart: true},
				sim.WithObserver(stopper))
			Expect(err).NotTo(HaveOccurred())

			res, err := l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(sim.StopSignal))
			Expect(l.Phase()).To(Equal(sim.Terminated))
			Expect(res.Final.T).To(BeNumerically(">=", 5-1e-9))
			Expect(math.Abs(res.Final.Q[dynamo.Theta1])).To(BeNumerically("<", 0.01))
			Expect(math.Abs(res.Final.Q[dynamo.Theta2])).To(BeNumerically("<", 0.01))
		})

		It("is reproducible in lockstep", func() {
			run := func() dynamo.State {
				l, err := sim.New(model, polePlacement(), params, tilted(0.05, -0.02),
					sim.Config{Pacing: sim.Lockstep, Duration: 1, AutoStart: true})
				Expect(err).NotTo(HaveOccurred())
				res, err := l.Run(ctx)
				Expect(err).NotTo(HaveOccurred())
				return res.Final
			}
			Expect(run()).To(Equal(run()))
		})
	})

	Describe("actuation", func() {
		It("applies the saturated force and reports the raw command", func() {
			params.MaxForce = 5
			pd, err := control.NewPD([3]float64{0, -500, 0}, [3]float64{}, params.Dt)
			Expect(err).NotTo(HaveOccurred())
			rec := &recorder{}
			l, err := sim.New(model, pd, params, tilted(0.1, 0),
				sim.Config{Pacing: sim.Lockstep, Duration: 0.01, AutoStart: true},
				sim.WithObserver(rec))
			Expect(err).NotTo(HaveOccurred())
			_, err = l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			first := rec.all()[0]
			Expect(first.Command).To(BeNumerically("~", 50, 1e-9))
			Expect(first.F).To(Equal(5.0))
		})

		It("holds commands back by the actuation delay", func() {
			params.Delay = 5 * params.Dt
			pd, err := control.NewPD([3]float64{0, -20, 0}, [3]float64{}, params.Dt)
			Expect(err).NotTo(HaveOccurred())
			rec := &recorder{}
			l, err := sim.New(model, pd, params, tilted(0.02, 0),
				sim.Config{Pacing: sim.Lockstep, Duration: 0.02, AutoStart: true},
				sim.WithObserver(rec))
			Expect(err).NotTo(HaveOccurred())
			_, err = l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			records := rec.all()
			Expect(records).To(HaveLen(10))
			for i := 0; i < 5; i++ {
				Expect(records[i].F).To(Equal(0.0))
			}
			for i := 5; i < 10; i++ {
				Expect(records[i].F).To(Equal(records[i-5].Command))
			}
		})

		It("adds the clamped human disturbance", func() {
			rec := &recorder{}
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{},
				sim.Config{Pacing: sim.Lockstep, Duration: 0.004, AutoStart: true, Bounds: sim.InputBounds{Disturbance: 3}},
				sim.WithObserver(rec))
			Expect(err).NotTo(HaveOccurred())
			l.SetInput(sim.Input{Disturbance: 10})
			_, err = l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			for _, r := range rec.all() {
				Expect(r.F).To(Equal(3.0))
				Expect(r.Disturbance).To(Equal(3.0))
			}
		})
	})

	Describe("input", func() {
		It("clamps references and maps NaN to zero", func() {
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{},
				sim.Config{Bounds: sim.InputBounds{CartReference: 0.5, Disturbance: 2}})
			Expect(err).NotTo(HaveOccurred())

			in := sim.Input{Disturbance: math.NaN()}
			in.Reference.Q[dynamo.Cart] = 3
			in.Reference.Q[dynamo.Theta1] = 0.3
			l.SetInput(in)

			got := l.Input()
			Expect(got.Reference.Q[dynamo.Cart]).To(Equal(0.5))
			Expect(got.Reference.Q[dynamo.Theta1]).To(Equal(0.0))
			Expect(got.Disturbance).To(Equal(0.0))
		})
	})

	Describe("stop conditions", func() {
		It("ends the round when a rod falls past the maximum angle", func() {
			l, err := sim.New(model, control.NewNone(), params, tilted(0.1, 0.1),
				sim.Config{Pacing: sim.Lockstep, MaxAngle: 0.5, AutoStart: true})
			Expect(err).NotTo(HaveOccurred())
			res, err := l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(sim.StopFell))
			Expect(l.Phase()).To(Equal(sim.Terminated))
		})

		It("runs at least one tick for a duration shorter than the timestep", func() {
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{},
				sim.Config{Pacing: sim.Lockstep, Duration: 0.0009, AutoStart: true})
			Expect(err).NotTo(HaveOccurred())
			res, err := l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(sim.StopDuration))
			Expect(res.Ticks).To(Equal(1))
		})

		It("terminates with a divergence error on a non-finite state", func() {
			rec := &recorder{}
			l, err := sim.New(nanModel{}, control.NewNone(), params, dynamo.State{},
				sim.Config{Pacing: sim.Lockstep, AutoStart: true}, sim.WithObserver(rec))
			Expect(err).NotTo(HaveOccurred())
			res, err := l.Run(ctx)
			Expect(res.Reason).To(Equal(sim.StopDiverged))

			var div *dynamo.DivergenceError
			Expect(errors.As(err, &div)).To(BeTrue())
			Expect(div.Step).To(Equal(1))
			Expect(res.Ticks).To(Equal(0))
			Expect(rec.closed).To(BeTrue())
			Expect(l.Phase()).To(Equal(sim.Terminated))
		})

		It("stops on cancellation", func() {
			cctx, ccancel := context.WithCancel(ctx)
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{}, sim.Config{Pacing: sim.Lockstep})
			Expect(err).NotTo(HaveOccurred())
			done := runAsync(cctx, l)
			ccancel()

			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.res.Reason).To(Equal(sim.StopCancelled))
			Expect(out.err).To(MatchError(context.Canceled))
		})

		It("runs only once", func() {
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{},
				sim.Config{Pacing: sim.Lockstep, Duration: 0.01, AutoStart: true})
			Expect(err).NotTo(HaveOccurred())
			_, err = l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = l.Run(ctx)
			Expect(err).To(MatchError(sim.ErrAlreadyRun))
		})
	})

	Describe("phases", func() {
		It("moves through idle, running, paused and terminated", func() {
			rec := &recorder{}
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{},
				sim.Config{Pacing: sim.Lockstep}, sim.WithObserver(rec))
			Expect(err).NotTo(HaveOccurred())
			done := runAsync(ctx, l)

			Consistently(l.Phase, 50*time.Millisecond).Should(Equal(sim.Idle))
			Expect(rec.all()).To(BeEmpty())

			l.Start()
			Eventually(l.Phase).Should(Equal(sim.Running))
			Eventually(func() int { return len(rec.all()) }).Should(BeNumerically(">", 10))

			l.Pause()
			Eventually(l.Phase).Should(Equal(sim.Paused))
			paused := len(rec.all())
			Consistently(func() int { return len(rec.all()) }, 50*time.Millisecond).Should(Equal(paused))
			snap, _ := l.Channel().Latest()
			Expect(snap.Phase).To(Equal(sim.Paused))

			l.Resume()
			Eventually(func() int { return len(rec.all()) }).Should(BeNumerically(">", paused))

			l.Stop()
			var out outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).NotTo(HaveOccurred())
			Expect(out.res.Reason).To(Equal(sim.StopSignal))
			Expect(l.Done()).To(BeClosed())
			Expect(rec.closed).To(BeTrue())

			snap, _ = l.Channel().Latest()
			Expect(snap.Phase).To(Equal(sim.Terminated))
		})

		It("terminates from idle on stop", func() {
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{}, sim.Config{})
			Expect(err).NotTo(HaveOccurred())
			l.Stop()
			res, err := l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(sim.StopSignal))
			Expect(res.Ticks).To(BeZero())
			Expect(l.Phase()).To(Equal(sim.Terminated))
		})
	})

	Describe("realtime pacing", func() {
		It("spreads ticks over wall-clock time", func() {
			params.Dt = 0.01
			l, err := sim.New(model, control.NewNone(), params, dynamo.State{},
				sim.Config{Pacing: sim.Realtime, Duration: 0.2, AutoStart: true})
			Expect(err).NotTo(HaveOccurred())

			began := time.Now()
			res, err := l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reason).To(Equal(sim.StopDuration))
			Expect(res.Ticks).To(Equal(20))
			Expect(time.Since(began)).To(BeNumerically(">=", 180*time.Millisecond))
		})
	})

	Describe("state channel", func() {
		It("hands whole snapshots to concurrent readers", func() {
			l, err := sim.New(model, polePlacement(), params, tilted(0.05, 0.05),
				sim.Config{Pacing: sim.Lockstep, Duration: 2, AutoStart: true})
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			var mu sync.Mutex
			var failures []string
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					var last uint64
					for {
						snap, ok := l.Channel().Latest()
						if ok {
							bad := snap.Seq < last || !snap.State.IsValid()
							// Seq 1 is the idle snapshot and Seq 2 the switch to running.
							if snap.Phase == sim.Running && math.Abs(snap.State.T-float64(snap.Seq-2)*params.Dt) > 1e-9 {
								bad = true
							}
							if bad {
								mu.Lock()
								failures = append(failures, "inconsistent snapshot")
								mu.Unlock()
								return
							}
							last = snap.Seq
						}
						select {
						case <-l.Done():
							return
						default:
						}
					}
				}()
			}

			_, err = l.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			wg.Wait()
			Expect(failures).To(BeEmpty())
		})
	})
})
