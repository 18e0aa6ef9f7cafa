package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/adw-orchestrator/internal/runindex"
	"github.com/hochfrequenz/adw-orchestrator/internal/runstate"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(domain.PhaseCompleted), string(domain.ChainSucceeded):
		return successStyle
	case string(domain.PhaseCompletedUnverified):
		return warningStyle
	case string(domain.PhaseFailed), string(domain.ChainAborted):
		return errorStyle
	case string(domain.PhaseRunning):
		return runningStyle
	default:
		return mutedStyle
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// renderChainResult summarizes one finished chain execution
func renderChainResult(res *orchestrator.ChainResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n",
		titleStyle.Render(res.Chain),
		mutedStyle.Render(res.RunID.String()),
		statusStyle(string(res.Status)).Render(string(res.Status)))

	t := newTable("PHASE", "STATUS", "DURATION", "DETAILS")
	for _, p := range res.Phases {
		duration := ""
		if p.Status != domain.PhasePending {
			duration = p.Duration.Round(time.Second).String()
		}
		t.Row(p.Name, statusStyle(string(p.Status)).Render(string(p.Status)), duration, p.Details)
	}
	b.WriteString(t.Render())
	return b.String()
}

// renderStatus shows the persisted phase ledger of a run, oldest update first
func renderStatus(runID domain.RunID, state *runstate.RunState, doc *runstate.StatusDocument, ledger runstate.ProcessLedger) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ADW " + runID.String()))
	if state.HasIssue() {
		issue := "#" + strconv.Itoa(state.IssueNumber)
		if state.RepositorySlug != "" {
			issue = state.RepositorySlug + issue
		}
		b.WriteString("  " + mutedStyle.Render(issue))
	}
	if doc.CurrentPhase != "" {
		b.WriteString("  current: " + doc.CurrentPhase)
	}
	b.WriteString("\n")

	if len(doc.Phases) == 0 {
		b.WriteString(mutedStyle.Render("no phases recorded"))
		return b.String()
	}

	names := make([]string, 0, len(doc.Phases))
	for name := range doc.Phases {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return doc.Phases[names[i]].UpdatedAt.Before(doc.Phases[names[j]].UpdatedAt)
	})

	t := newTable("PHASE", "STATUS", "PID", "UPDATED", "DETAILS")
	for _, name := range names {
		entry := doc.Phases[name]
		pid := ""
		if proc, ok := ledger[name]; ok {
			pid = strconv.Itoa(proc.PID)
		}
		t.Row(name,
			statusStyle(string(entry.Status)).Render(string(entry.Status)),
			pid,
			entry.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			entry.Details)
	}
	b.WriteString(t.Render())
	return b.String()
}

// renderHistory lists recorded chain executions
func renderHistory(runs []*runindex.ChainRun) string {
	t := newTable("STARTED", "ADW_ID", "CHAIN", "TRIGGER", "STATUS", "PHASES", "DURATION")
	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		status := string(run.Status)
		if run.FailedPhase != "" {
			status += " (" + run.FailedPhase + ")"
		}
		t.Row(
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.RunID.String(),
			run.Chain,
			string(run.Trigger),
			statusStyle(string(run.Status)).Render(status),
			strconv.Itoa(len(run.Phases)),
			duration,
		)
	}
	return t.Render()
}
