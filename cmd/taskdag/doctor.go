package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/taskdag/internal/config"
	"github.com/basket/taskdag/internal/doctor"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: taskdag doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the config check reports the same problem.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(os.Stdout, diag, isatty.IsTerminal(os.Stdout.Fd()))
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

// printDiagnosis writes the human report. Styling is applied only when
// color is set so piped output stays plain.
func printDiagnosis(w io.Writer, diag doctor.Diagnosis, color bool) {
	render := func(s string, style lipgloss.Style) string {
		if color {
			return style.Render(s)
		}
		return s
	}
	fmt.Fprintln(w, render(fmt.Sprintf("taskdag doctor report (%s)", diag.Timestamp.Format(time.RFC3339)), titleStyle))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		label := fmt.Sprintf("%-4s", res.Status)
		if color {
			label = statusLabel(res.Status)
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", label, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", render(res.Detail, dimStyle))
		}
	}
}
