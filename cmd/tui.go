// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Stage progress
type stageProgress struct {
	done  uint32
	total uint32
}

// TUI model
type monitorModel struct {
	header        string
	stats         *ofl.Statistics
	events        table.Model
	rows          []table.Row
	maxRows       int
	stages        map[string]stageProgress
	stageOrder    []string
	log           []logEntry
	maxLogEntries int
	finished      bool
	sessionErr    error
	width         int
	height        int
	quitting      bool
}

// Messages
type eventMsg struct {
	ev ofl.Event
}
type progressMsg struct {
	stage string
	done  uint32
	total uint32
}
type sessionDoneMsg struct {
	err error
}
type monitorTickMsg time.Time

func newMonitorModel(header string, stats *ofl.Statistics) monitorModel {
	columns := []table.Column{
		{Title: "#", Width: 6},
		{Title: "Command", Width: 12},
		{Title: "Address", Width: 10},
		{Title: "Length", Width: 9},
		{Title: "Result", Width: 16},
		{Title: "Time", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(10),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return monitorModel{
		header:        header,
		stats:         stats,
		events:        t,
		maxRows:       500,
		stages:        make(map[string]stageProgress),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h := m.height - 22
		if h < 5 {
			h = 5
		}
		m.events.SetHeight(h)

	case monitorTickMsg:
		m.stats.CalculateRates()
		return m, monitorTickCmd()

	case eventMsg:
		m.addEvent(msg.ev)

	case progressMsg:
		if _, ok := m.stages[msg.stage]; !ok {
			m.stageOrder = append(m.stageOrder, msg.stage)
		}
		m.stages[msg.stage] = stageProgress{done: msg.done, total: msg.total}

	case sessionDoneMsg:
		m.finished = true
		m.sessionErr = msg.err
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Session failed: %v", msg.err), true)
		} else {
			m.addLogEntry("Image programmed and verified", false)
		}
	}

	return m, nil
}

func (m *monitorModel) addEvent(ev ofl.Event) {
	m.rows = append(m.rows, table.Row{
		fmt.Sprintf("%d", ev.Seq),
		ofl.FormatOpcode(ev.Op),
		fmt.Sprintf("%08X", ev.Addr),
		fmt.Sprintf("%d", ev.NumBytes),
		ofl.FormatResult(ev.Result),
		ev.Duration.Round(time.Microsecond).String(),
	})
	if len(m.rows) > m.maxRows {
		m.rows = m.rows[len(m.rows)-m.maxRows:]
	}
	m.events.SetRows(m.rows)
	m.events.GotoBottom()

	if !ev.Succeeded() {
		m.addLogEntry(strings.TrimSpace(ofl.FormatEvent(ev)), true)
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	infoStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("FLASHLOADER - COMMAND MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(m.header + " | Press 'q' to quit"))
	s.WriteString("\n\n")

	// Session state
	switch {
	case !m.finished:
		s.WriteString(infoStyle.Render("⏳ Session running..."))
	case m.sessionErr != nil:
		s.WriteString(errorStyle.Render("✗ Session failed"))
	default:
		s.WriteString(valueStyle.Render("✓ Image programmed and verified"))
	}
	s.WriteString("\n\n")

	// Statistics
	snap := m.stats.Snapshot()
	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		labelStyle.Render("Commands:"), valueStyle.Render(fmt.Sprintf("%d", snap.TotalCommands)),
		labelStyle.Render("OK:"), valueStyle.Render(fmt.Sprintf("%d", snap.Succeeded)),
		labelStyle.Render("Failed:"), failStyle(snap.Failed, errorStyle, valueStyle),
		labelStyle.Render("Unsupported:"), failStyle(snap.Unsupported, infoStyle, valueStyle),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f cmds/s", snap.CommandRate)),
		labelStyle.Render("Busy:"), valueStyle.Render(snap.BusyTime.Round(time.Millisecond).String()),
		labelStyle.Render("Idle polls:"), valueStyle.Render(fmt.Sprintf("%d", snap.IdlePolls)),
	))
	for _, stage := range m.stageOrder {
		p := m.stages[stage]
		statsContent.WriteString(fmt.Sprintf("\n%s %s",
			labelStyle.Render(fmt.Sprintf("%-8s", stage+":")),
			valueStyle.Render(progressBar(p.done, p.total, 30)),
		))
	}
	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Commands
	s.WriteString(labelStyle.Render("Commands:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.events.View()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	logContent := strings.Builder{}
	startIdx := len(m.log) - 4
	if startIdx < 0 {
		startIdx = 0
	}
	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for i := startIdx; i < len(m.log); i++ {
		entry := m.log[i]
		timestamp := entry.timestamp.Format("15:04:05.000")
		if entry.isError {
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), infoStyle.Render("ℹ "+entry.message)))
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

func failStyle(n uint64, bad, good lipgloss.Style) string {
	if n > 0 {
		return bad.Render(fmt.Sprintf("%d", n))
	}
	return good.Render(fmt.Sprintf("%d", n))
}

// progressBar renders done/total as a fixed width bar
func progressBar(done, total uint32, width int) string {
	if total == 0 {
		return strings.Repeat("░", width)
	}
	filled := int(uint64(done) * uint64(width) / uint64(total))
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("%s%s %3d%%", strings.Repeat("█", filled), strings.Repeat("░", width-filled),
		uint64(done)*100/uint64(total))
}
