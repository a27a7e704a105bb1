package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/dipcsim/internal/sim"
)

var statsStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(lipgloss.Color("240")).
	Padding(1, 2).
	Width(44)

var (
	canvasStyle = lipgloss.NewStyle().Padding(1, 2)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	graphStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Padding(1, 0)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)

	phaseStyles = map[sim.Phase]lipgloss.Style{
		sim.Idle:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#666688")),
		sim.Running:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff88")),
		sim.Paused:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffaa00")),
		sim.Terminated: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff4444")),
	}
)

func phaseBadge(p sim.Phase) string {
	style, ok := phaseStyles[p]
	if !ok {
		style = valueStyle
	}
	return style.Render(p.String())
}
