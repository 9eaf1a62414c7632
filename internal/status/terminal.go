package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loomworks/loom/internal/worker"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	barStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	alertStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	escalateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
)

func workerStateStyle(s worker.State) lipgloss.Style {
	switch s {
	case worker.StateStalled, worker.StateEscalated:
		return alertStyle
	case worker.StateResuming, worker.StateCheckpointed:
		return escalateStyle
	default:
		return mutedStyle
	}
}

// Terminal renders the styled report for interactive use.
func (s *Snapshot) Terminal() string {
	var b strings.Builder
	rule := mutedStyle.Render(strings.Repeat("=", 60))

	b.WriteString(rule + "\n")
	b.WriteString("  " + headerStyle.Render("PROJECT STATUS") + "\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "  Phase: %s\n", s.Phase)
	fmt.Fprintf(&b, "  Progress: [%s] %d%%  (%d/%d tasks done)\n\n",
		barStyle.Render(progressBar(s.Percent, 20)), s.Percent, s.Done, s.Total)

	b.WriteString("  " + sectionStyle.Render("Summary:") + "\n")
	maxCol := 0
	maxCount := 1
	for _, col := range s.Columns {
		if len(col) > maxCol {
			maxCol = len(col)
		}
		if s.Counts[col] > maxCount {
			maxCount = s.Counts[col]
		}
	}
	for _, col := range s.Columns {
		cnt := s.Counts[col]
		fmt.Fprintf(&b, "    %-*s  %s  %d\n",
			maxCol, col, barStyle.Render(progressBar(cnt*100/maxCount, 5)), cnt)
	}
	b.WriteString("\n")

	for _, col := range s.Columns {
		if col == "done" {
			continue
		}
		tasks := s.ByStatus[col]
		if len(tasks) == 0 {
			continue
		}
		label := strings.ToUpper(strings.ReplaceAll(col, "_", " "))
		b.WriteString("  " + sectionStyle.Render(fmt.Sprintf("%s (%d):", label, len(tasks))) + "\n")
		for _, t := range tasks {
			owner := t.OwnerRole
			if owner == "" {
				owner = "unassigned"
			}
			pri := ""
			if t.Priority != "" {
				pri = fmt.Sprintf(" [%s]", t.Priority)
			}
			fmt.Fprintf(&b, "    - %s: %s%s (%s)\n", t.ID, t.Title, pri, owner)
		}
		b.WriteString("\n")
	}

	if done := s.ByStatus["done"]; len(done) > 0 {
		b.WriteString("  " + sectionStyle.Render(fmt.Sprintf("DONE (%d):", len(done))) + "\n")
		for _, t := range done {
			b.WriteString(mutedStyle.Render(fmt.Sprintf("    - %s: %s", t.ID, t.Title)) + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("  " + sectionStyle.Render("Workers:") + "\n")
	if len(s.Workers) == 0 {
		b.WriteString(mutedStyle.Render("    No workers registered.") + "\n")
	}
	for _, w := range s.Workers {
		task := "idle"
		if w.TaskID != "" {
			task = "on " + w.TaskID
		}
		fmt.Fprintf(&b, "    - %s (%s) %s %s\n",
			w.WorkerID, w.Role, workerStateStyle(w.State).Render(string(w.State)), task)
	}
	b.WriteString("\n")

	if len(s.Pending) > 0 {
		b.WriteString("  " + alertStyle.Render("Pending Approvals:") + "\n")
		for _, a := range s.Pending {
			fmt.Fprintf(&b, "    - %s on %s\n", a.TriggerID, a.TaskID)
		}
	} else {
		b.WriteString("  Blockers: None\n")
		b.WriteString("  Pending Approvals: None\n")
	}

	b.WriteString("\n" + rule + "\n")
	return b.String()
}
