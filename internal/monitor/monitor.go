package monitor

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/sim"
)

const (
	canvasCols      = 60
	canvasRows      = 20
	historyCapacity = 240
	frameInterval   = time.Second / 30
)

// Controls is the part of a running loop the monitor drives. *sim.Loop
// satisfies it.
type Controls interface {
	Start()
	Pause()
	Resume()
	Stop()
	SetInput(sim.Input)
	Input() sim.Input
	Done() <-chan struct{}
}

// Snapshots is a source of loop snapshots, usually a *sim.Channel.
type Snapshots interface {
	Latest() (sim.Snapshot, bool)
}

type Options struct {
	Title  string
	Params dynamo.Params
	// Bounds sets the input step sizes: each key press moves the disturbance
	// by a quarter of its bound and the cart reference by a tenth of its bound.
	Bounds sim.InputBounds
}

type frameMsg time.Time

type doneMsg struct{}

// Model is a bubbletea model that renders the cart and both rods from the
// latest snapshot and turns key presses into loop signals and human input.
type Model struct {
	ctrl   Controls
	src    Snapshots
	opts   Options
	canvas *Canvas

	snap     sim.Snapshot
	haveSnap bool
	finished bool
	showHelp bool

	theta1History []float64
	forceHistory  []float64
	lastSeq       uint64
}

func New(ctrl Controls, src Snapshots, opts Options) Model {
	if opts.Title == "" {
		opts.Title = "dipc"
	}
	opts.Params = opts.Params.WithDefaults()
	return Model{
		ctrl:          ctrl,
		src:           src,
		opts:          opts,
		canvas:        NewCanvas(canvasCols, canvasRows),
		theta1History: make([]float64, 0, historyCapacity),
		forceHistory:  make([]float64, 0, historyCapacity),
	}
}

func frame() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func waitDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return doneMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(frame(), waitDone(m.ctrl.Done()))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case frameMsg:
		m.refresh()
		if m.finished {
			return m, nil
		}
		return m, frame()
	case doneMsg:
		m.finished = true
		m.refresh()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	dStep := m.opts.Bounds.Disturbance / 4
	rStep := m.opts.Bounds.CartReference / 10

	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.ctrl.Stop()
		return m, tea.Quit
	case "s", "enter":
		m.ctrl.Start()
	case " ":
		switch m.snap.Phase {
		case sim.Idle:
			m.ctrl.Start()
		case sim.Running:
			m.ctrl.Pause()
		case sim.Paused:
			m.ctrl.Resume()
		}
	case "left", "h":
		m.nudge(func(in *sim.Input) { in.Disturbance -= dStep })
	case "right", "l":
		m.nudge(func(in *sim.Input) { in.Disturbance += dStep })
	case "a":
		m.nudge(func(in *sim.Input) { in.Reference.Q[dynamo.Cart] -= rStep })
	case "d":
		m.nudge(func(in *sim.Input) { in.Reference.Q[dynamo.Cart] += rStep })
	case "0", "x":
		m.ctrl.SetInput(sim.Input{})
	case "?":
		m.showHelp = !m.showHelp
	}
	return m, nil
}

// nudge edits the current input. The loop clamps it to its bounds, so the
// value read back may differ from the one written.
func (m Model) nudge(edit func(*sim.Input)) {
	in := m.ctrl.Input()
	edit(&in)
	m.ctrl.SetInput(in)
}

func (m *Model) refresh() {
	snap, ok := m.src.Latest()
	if !ok {
		return
	}
	m.snap, m.haveSnap = snap, true
	if snap.Seq == m.lastSeq || snap.Phase != sim.Running {
		m.lastSeq = snap.Seq
		return
	}
	m.lastSeq = snap.Seq
	m.theta1History = appendBounded(m.theta1History, snap.State.Q[dynamo.Theta1])
	m.forceHistory = appendBounded(m.forceHistory, snap.State.F)
}

func appendBounded(h []float64, v float64) []float64 {
	if len(h) == historyCapacity {
		copy(h, h[1:])
		h = h[:len(h)-1]
	}
	return append(h, v)
}

// draw renders the rig with the cart centred and the rods scaled to fill
// most of the canvas height. Angles are measured from upright, positive
// towards +x.
func (m *Model) draw() {
	c := m.canvas
	c.Clear()
	w, h := c.Dots()
	groundY := h - 6
	c.Line(0, groundY+4, w-1, groundY+4)
	if !m.haveSnap {
		return
	}

	p := m.opts.Params
	scale := 0.9 * float64(groundY) / (p.Length1 + p.Length2)
	q := m.snap.State.Q

	// Keep the cart on screen by wrapping its position.
	span := float64(w) / scale
	x := math.Mod(q[dynamo.Cart]+span/2, span)
	if x < 0 {
		x += span
	}
	cartX := int(x * scale)
	c.Rect(cartX-6, groundY, cartX+6, groundY+3)

	j1x := cartX + int(math.Round(p.Length1*scale*math.Sin(q[dynamo.Theta1])))
	j1y := groundY - int(math.Round(p.Length1*scale*math.Cos(q[dynamo.Theta1])))
	tipX := j1x + int(math.Round(p.Length2*scale*math.Sin(q[dynamo.Theta2])))
	tipY := j1y - int(math.Round(p.Length2*scale*math.Cos(q[dynamo.Theta2])))
	c.Line(cartX, groundY, j1x, j1y)
	c.Line(j1x, j1y, tipX, tipY)
	c.Rect(j1x-1, j1y-1, j1x+1, j1y+1)
	c.Rect(tipX-1, tipY-1, tipX+1, tipY+1)

	if in := m.ctrl.Input(); in.Disturbance != 0 {
		dir := 1
		if in.Disturbance < 0 {
			dir = -1
		}
		for i := 0; i < 3; i++ {
			c.Line(cartX+dir*(8+i*3), groundY+1, cartX+dir*(9+i*3), groundY+2)
		}
	}
}

func (m Model) View() string {
	m.draw()
	canvasView := canvasStyle.Render(m.canvas.String())

	var s strings.Builder
	s.WriteString(headerStyle.Render(strings.ToUpper(m.opts.Title)) + "\n")
	s.WriteString(phaseBadge(m.snap.Phase) + "\n\n")

	st := m.snap.State
	row := func(label, value string) {
		s.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
	}
	row("time", fmt.Sprintf("%.2fs", st.T))
	row("cart", fmt.Sprintf("%+.3f m", st.Q[dynamo.Cart]))
	row("theta1", fmt.Sprintf("%+.4f rad", st.Q[dynamo.Theta1]))
	row("theta2", fmt.Sprintf("%+.4f rad", st.Q[dynamo.Theta2]))
	row("force", fmt.Sprintf("%+.2f N", st.F))
	row("command", fmt.Sprintf("%+.2f N", m.snap.Command))

	in := m.ctrl.Input()
	s.WriteString(labelStyle.Render("push") + inputStyle.Render(fmt.Sprintf("%+.2f N", in.Disturbance)) + "\n")
	s.WriteString(labelStyle.Render("target x") + inputStyle.Render(fmt.Sprintf("%+.2f m", in.Reference.Q[dynamo.Cart])) + "\n")

	if len(m.theta1History) > 1 {
		chart := asciigraph.Plot(m.theta1History, asciigraph.Height(4), asciigraph.Width(30), asciigraph.Caption("theta1"))
		s.WriteString(graphStyle.Render(chart) + "\n")
	}
	if len(m.forceHistory) > 1 {
		chart := asciigraph.Plot(m.forceHistory, asciigraph.Height(4), asciigraph.Width(30), asciigraph.Caption("force"))
		s.WriteString(graphStyle.Render(chart) + "\n")
	}

	if m.showHelp {
		s.WriteString(helpStyle.Render("s/enter start   space pause/resume\nh/l push cart   a/d move target\n0 clear input   q quit"))
	} else {
		s.WriteString(helpStyle.Render("? help   q quit"))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, canvasView, statsStyle.Render(s.String()))
}

// Run shows the monitor on the terminal until the user quits. Quitting stops
// the loop.
func Run(ctrl Controls, src Snapshots, opts Options) error {
	_, err := tea.NewProgram(New(ctrl, src, opts), tea.WithAltScreen()).Run()
	return err
}
