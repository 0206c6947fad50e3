package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"tlsbatch/internal/store"
)

// ReportMarkdown renders a run and its items as markdown.
func ReportMarkdown(run *store.Run, items []store.Item) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&sb, "| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| status | **%s** |\n", run.Status)
	fmt.Fprintf(&sb, "| mapping | `%s` |\n", run.MappingFile)
	fmt.Fprintf(&sb, "| output | `%s` |\n", run.OutputDir)
	fmt.Fprintf(&sb, "| script | `%s` |\n", run.Script)
	fmt.Fprintf(&sb, "| log | `%s` |\n", run.LogFile)
	fmt.Fprintf(&sb, "| jobs | %d |\n", run.Jobs)
	fmt.Fprintf(&sb, "| started | %s |\n", run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, "| duration | %s |\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&sb, "\n%d lines: %d succeeded, %d failed, %d skipped, %d killed\n\n",
		run.Total, run.Succeeded, run.Failed, run.Skipped, run.Killed)

	if len(items) == 0 {
		sb.WriteString("_No items recorded._\n")
		return sb.String()
	}

	sb.WriteString("## Items\n\n")
	sb.WriteString("| line | folder | status | exit | attempts | duration | error |\n")
	sb.WriteString("|---:|---|---|---:|---:|---:|---|\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "| %d | %s | %s | %d | %d | %s | %s |\n",
			it.Line, cell(it.Folder), it.Status, it.ExitCode, it.Attempts,
			it.Duration.Round(time.Millisecond), cell(it.Error))
	}
	return sb.String()
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// RenderReport returns the run report, rendered for the terminal unless plain.
func RenderReport(run *store.Run, items []store.Item, plain bool, width int) (string, error) {
	md := ReportMarkdown(run, items)
	if plain {
		return md, nil
	}
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return out, nil
}
