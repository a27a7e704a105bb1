package monitor

import (
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/sim"
)

type fakeLoop struct {
	mu     sync.Mutex
	calls  []string
	input  sim.Input
	bounds sim.InputBounds
	done   chan struct{}
}

func newFakeLoop(b sim.InputBounds) *fakeLoop {
	return &fakeLoop{bounds: b, done: make(chan struct{})}
}

func (f *fakeLoop) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeLoop) Start()  { f.record("start") }
func (f *fakeLoop) Pause()  { f.record("pause") }
func (f *fakeLoop) Resume() { f.record("resume") }
func (f *fakeLoop) Stop()   { f.record("stop") }

func (f *fakeLoop) SetInput(in sim.Input) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in.Disturbance = dynamo.Clamp(in.Disturbance, -f.bounds.Disturbance, f.bounds.Disturbance)
	f.input = in
}

func (f *fakeLoop) Input() sim.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}

func (f *fakeLoop) Done() <-chan struct{} { return f.done }

func (f *fakeLoop) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

type fixedSource struct {
	snap sim.Snapshot
	ok   bool
}

func (s *fixedSource) Latest() (sim.Snapshot, bool) { return s.snap, s.ok }

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return nm, cmd
}

func snapshot(seq uint64, phase sim.Phase, theta1 float64) sim.Snapshot {
	return sim.Snapshot{
		Snapshot: dynamo.Snapshot{Seq: seq, State: dynamo.State{Q: [dynamo.NumQ]float64{0, theta1, 0}, T: float64(seq) * 0.002}},
		Phase:    phase,
	}
}

func TestSpaceFollowsPhase(t *testing.T) {
	tests := []struct {
		phase sim.Phase
		want  string
	}{
		{sim.Idle, "start"},
		{sim.Running, "pause"},
		{sim.Paused, "resume"},
		{sim.Terminated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			loop := newFakeLoop(sim.InputBounds{})
			src := &fixedSource{snap: snapshot(1, tt.phase, 0), ok: true}
			m := New(loop, src, Options{})
			m, _ = update(t, m, frameMsg{})
			update(t, m, key(" "))
			if got := loop.lastCall(); got != tt.want {
				t.Errorf("space in %s sent %q, want %q", tt.phase, got, tt.want)
			}
		})
	}
}

func TestInputKeys(t *testing.T) {
	loop := newFakeLoop(sim.InputBounds{Disturbance: 20, CartReference: 1})
	m := New(loop, &fixedSource{}, Options{Bounds: loop.bounds})

	m, _ = update(t, m, key("right"))
	m, _ = update(t, m, key("right"))
	if got := loop.Input().Disturbance; got != 10 {
		t.Errorf("disturbance = %v, want 10", got)
	}
	for i := 0; i < 10; i++ {
		m, _ = update(t, m, key("right"))
	}
	if got := loop.Input().Disturbance; got != 20 {
		t.Errorf("disturbance = %v, want clamped 20", got)
	}
	m, _ = update(t, m, key("h"))
	if got := loop.Input().Disturbance; got != 15 {
		t.Errorf("disturbance = %v, want 15", got)
	}

	m, _ = update(t, m, key("d"))
	m, _ = update(t, m, key("d"))
	m, _ = update(t, m, key("a"))
	if got := loop.Input().Reference.Q[dynamo.Cart]; got < 0.0999 || got > 0.1001 {
		t.Errorf("cart reference = %v, want 0.1", got)
	}

	update(t, m, key("0"))
	if in := loop.Input(); in != (sim.Input{}) {
		t.Errorf("input not cleared: %+v", in)
	}
}

func TestQuitStopsLoop(t *testing.T) {
	loop := newFakeLoop(sim.InputBounds{})
	m := New(loop, &fixedSource{}, Options{})
	_, cmd := update(t, m, key("q"))
	if loop.lastCall() != "stop" {
		t.Errorf("quit sent %q", loop.lastCall())
	}
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestHistoryOnlyWhileRunning(t *testing.T) {
	loop := newFakeLoop(sim.InputBounds{})
	src := &fixedSource{snap: snapshot(1, sim.Idle, 0), ok: true}
	m := New(loop, src, Options{})

	m, cmd := update(t, m, frameMsg{})
	if cmd == nil {
		t.Error("frames should keep ticking")
	}
	if len(m.theta1History) != 0 {
		t.Errorf("idle snapshot recorded: %v", m.theta1History)
	}

	src.snap = snapshot(2, sim.Running, 0.01)
	m, _ = update(t, m, frameMsg{})
	m, _ = update(t, m, frameMsg{})
	if len(m.theta1History) != 1 || m.theta1History[0] != 0.01 {
		t.Errorf("history = %v, want one sample per new snapshot", m.theta1History)
	}

	for i := uint64(3); i < historyCapacity+10; i++ {
		src.snap = snapshot(i, sim.Running, float64(i))
		m, _ = update(t, m, frameMsg{})
	}
	if len(m.theta1History) != historyCapacity {
		t.Errorf("history length = %d, want %d", len(m.theta1History), historyCapacity)
	}
	if last := m.theta1History[len(m.theta1History)-1]; last != historyCapacity+9 {
		t.Errorf("last sample = %v", last)
	}
}

func TestDoneStopsFrames(t *testing.T) {
	loop := newFakeLoop(sim.InputBounds{})
	src := &fixedSource{snap: snapshot(5, sim.Terminated, 0.2), ok: true}
	m := New(loop, src, Options{})

	m, _ = update(t, m, doneMsg{})
	if !m.finished {
		t.Fatal("expected finished after doneMsg")
	}
	if _, cmd := update(t, m, frameMsg{}); cmd != nil {
		t.Error("no more frames after the loop finished")
	}
	if !strings.Contains(m.View(), "terminated") {
		t.Error("view should show the terminated phase")
	}
}

func TestViewDrawsRig(t *testing.T) {
	loop := newFakeLoop(sim.InputBounds{})
	src := &fixedSource{snap: snapshot(3, sim.Running, 0.1), ok: true}
	m := New(loop, src, Options{Title: "lqr", Params: dynamo.DefaultParams()})
	m, _ = update(t, m, frameMsg{})

	view := m.View()
	for _, want := range []string{"LQR", "running", "theta1", "+0.1000 rad"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	w, h := m.canvas.Dots()
	groundY := h - 6
	if !m.canvas.On(w/2, groundY) {
		t.Error("cart not drawn at the centre")
	}
}

func TestCanvas(t *testing.T) {
	c := NewCanvas(2, 1)
	c.Set(0, 0)
	c.Set(3, 3)
	c.Set(-1, 0)
	c.Set(4, 0)
	if got := c.String(); got != string([]rune{0x2801, 0x2880})+"\n" {
		t.Errorf("canvas = %q", got)
	}
	c.Clear()
	c.Line(0, 0, 3, 3)
	for i := 0; i < 4; i++ {
		if !c.On(i, i) {
			t.Errorf("dot (%d,%d) not set", i, i)
		}
	}
}
