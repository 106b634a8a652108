// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli holds the terminal dashboard that watches worker heartbeats.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cmdbox/internal/dispatch"
)

// Common styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	readyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B")).
			Bold(true)

	busyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))
)

// ServiceLister is what the dashboard polls
type ServiceLister interface {
	ListServices(ctx context.Context) ([]dispatch.ServiceSummary, error)
}

type servicesMsg struct {
	services []dispatch.ServiceSummary
	err      error
	at       time.Time
}

type tickMsg time.Time

// WatchModel renders a live table of heartbeats
type WatchModel struct {
	lister   ServiceLister
	interval time.Duration
	services []dispatch.ServiceSummary
	err      error
	updated  time.Time
	width    int
	quitting bool
}

// NewWatchModel creates a dashboard refreshing every interval
func NewWatchModel(lister ServiceLister, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return WatchModel{lister: lister, interval: interval}
}

func (m WatchModel) Init() tea.Cmd {
	return m.poll
}

func (m WatchModel) poll() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	services, err := m.lister.ListServices(ctx)
	return servicesMsg{services: services, err: err, at: time.Now()}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.poll
		}

	case servicesMsg:
		m.err = msg.err
		if msg.err == nil {
			m.services = msg.services
		}
		m.updated = msg.at
		return m, m.tick()

	case tickMsg:
		return m, m.poll
	}

	return m, nil
}

func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("cmdbox services"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n\n")
	}

	if len(m.services) == 0 {
		b.WriteString(helpStyle.Render("No live services"))
		b.WriteString("\n")
	} else {
		row := "%-24s %-8s %8s %8s %8s %8s  %s"
		b.WriteString(headerStyle.Render(fmt.Sprintf(row, "SERVICE", "STATUS", "RECV", "OK", "WARN", "ERR", "STARTED")))
		b.WriteString("\n")
		for _, s := range m.services {
			line := fmt.Sprintf(row, s.Name, s.Status, fmtCount(s.ReceiveCount), fmtCount(s.SuccessCount), fmtCount(s.WarnCount), fmtCount(s.ErrorCount), s.Ctime)
			b.WriteString(statusStyle(s.Status).Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if !m.updated.IsZero() {
		b.WriteString(helpStyle.Render("updated " + m.updated.Format("15:04:05") + " | r: refresh | q: quit"))
	} else {
		b.WriteString(helpStyle.Render("r: refresh | q: quit"))
	}
	return b.String()
}

func statusStyle(status string) lipgloss.Style {
	switch dispatch.WorkerStatus(status) {
	case dispatch.StatusReady:
		return readyStyle
	case dispatch.StatusBusy:
		return busyStyle
	case dispatch.StatusStopped:
		return errorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func fmtCount(n int64) string {
	return fmt.Sprintf("%d", n)
}

// StartWatch runs the dashboard until the user quits
func StartWatch(lister ServiceLister, interval time.Duration) error {
	p := tea.NewProgram(NewWatchModel(lister, interval), tea.WithAltScreen())

	// Ensure proper cleanup on panic or interrupt
	defer func() {
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err := p.Run()
	return err
}
