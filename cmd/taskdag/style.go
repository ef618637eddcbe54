package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	bannerBox  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 2)
)

// statusLabel renders a doctor check status with a fixed width so the
// check names line up.
func statusLabel(status string) string {
	label := fmt.Sprintf("%-4s", status)
	switch status {
	case "PASS":
		return okStyle.Render(label)
	case "WARN":
		return warnStyle.Render(label)
	case "FAIL":
		return failStyle.Render(label)
	default:
		return dimStyle.Render(label)
	}
}

func printBanner(w io.Writer, addr string) {
	body := titleStyle.Render("taskdag "+Version) + "\n" +
		"API     http://" + addr + "/api/tasks\n" +
		"Events  ws://" + addr + "/api/events\n" +
		dimStyle.Render("Ctrl+C to stop")
	fmt.Fprintln(w, bannerBox.Render(body))
}
