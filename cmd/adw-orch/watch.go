package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// tickMsg triggers a refresh
type tickMsg time.Time

// snapshotMsg carries a freshly rendered status view
type snapshotMsg struct {
	view string
	err  error
}

// watchModel re-renders a run's status on every tick
type watchModel struct {
	load        func() (string, error)
	view        string
	err         error
	lastRefresh time.Time
}

func newWatchModel(load func() (string, error)) watchModel {
	return watchModel{load: load}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) refresh() tea.Cmd {
	return func() tea.Msg {
		view, err := m.load()
		return snapshotMsg{view: view, err: err}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())
	case snapshotMsg:
		m.lastRefresh = time.Now()
		m.err = msg.err
		if msg.err == nil {
			m.view = msg.view
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	out := m.view
	if m.err != nil {
		out += "\n" + errorStyle.Render("refresh failed: "+m.err.Error())
	}
	footer := "q quit · r refresh"
	if !m.lastRefresh.IsZero() {
		footer = "updated " + m.lastRefresh.Format("15:04:05") + " · " + footer
	}
	return out + "\n\n" + mutedStyle.Render(footer) + "\n"
}

// watchStatus runs the live status view until the user quits or ctx ends
func watchStatus(ctx context.Context, load func() (string, error)) error {
	p := tea.NewProgram(newWatchModel(load), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
