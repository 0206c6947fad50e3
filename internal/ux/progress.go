package ux

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tlsbatch/internal/batch"
)

// ItemStartedMsg reports that a mapping line started.
type ItemStartedMsg struct {
	Line   int
	Folder string
}

// ItemFinishedMsg reports the outcome of a mapping line.
type ItemFinishedMsg struct {
	Result batch.ItemResult
}

// RunFinishedMsg reports the end of the run.
type RunFinishedMsg struct {
	Summary *batch.Summary
}

// recentLimit is how many finished items the view lists.
const recentLimit = 8

// ProgressModel shows run progress: a bar, the items in flight and the most
// recent outcomes.
type ProgressModel struct {
	total    int
	done     int
	failures int
	running  map[int]string
	recent   []batch.ItemResult
	summary  *batch.Summary
	started  time.Time
	width    int
	quitting bool

	spinner  spinner.Model
	progress progress.Model
	styles   Styles
}

// NewProgressModel creates a model for total items.
func NewProgressModel(total int) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	styles := DefaultStyles()
	s.Style = styles.Spinner
	return ProgressModel{
		total:    total,
		running:  make(map[int]string),
		started:  time.Now(),
		width:    80,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		styles:   styles,
	}
}

// Init starts the spinner.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 4
		if m.progress.Width > 80 {
			m.progress.Width = 80
		}

	case ItemStartedMsg:
		m.running[msg.Line] = msg.Folder

	case ItemFinishedMsg:
		delete(m.running, msg.Result.Line)
		m.done++
		if !msg.Result.OK() {
			m.failures++
		}
		m.recent = append(m.recent, msg.Result)
		if len(m.recent) > recentLimit {
			m.recent = m.recent[len(m.recent)-recentLimit:]
		}

	case RunFinishedMsg:
		m.summary = msg.Summary
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Percent returns the finished fraction.
func (m ProgressModel) Percent() float64 {
	if m.total == 0 {
		return 1
	}
	return float64(m.done) / float64(m.total)
}

// Quitting reports whether the user asked to stop.
func (m ProgressModel) Quitting() bool { return m.quitting }

// Summary returns the run summary once the run finished.
func (m ProgressModel) Summary() *batch.Summary { return m.summary }

// View renders the model.
func (m ProgressModel) View() string {
	var sb strings.Builder

	header := m.styles.Title.Render("tlsbatch")
	counts := m.styles.Muted.Render(fmt.Sprintf("%d/%d lines  %s", m.done, m.total, time.Since(m.started).Round(time.Second)))
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, header, "  ", counts) + "\n\n")
	sb.WriteString(m.progress.ViewAs(m.Percent()) + "\n\n")

	lines := make([]int, 0, len(m.running))
	for l := range m.running {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	for _, l := range lines {
		sb.WriteString(fmt.Sprintf("%s line %d  %s\n", m.spinner.View(), l, m.running[l]))
	}

	for _, r := range m.recent {
		sb.WriteString(ResultLine(m.styles, r) + "\n")
	}

	if m.summary != nil {
		sb.WriteString("\n" + SummaryLine(m.styles, m.summary) + "\n")
	} else if m.failures > 0 {
		sb.WriteString("\n" + m.styles.Warning.Render(fmt.Sprintf("%d unsuccessful so far", m.failures)) + "\n")
	}
	if m.summary == nil {
		sb.WriteString(m.styles.Muted.Render("q to stop") + "\n")
	}
	return sb.String()
}

// ResultLine renders one finished item.
func ResultLine(s Styles, r batch.ItemResult) string {
	status := s.StatusStyle(r.Status).Render(fmt.Sprintf("%-9s", r.Status))
	line := fmt.Sprintf("%s line %d  %s", status, r.Line, r.Folder)
	if r.Duration > 0 {
		line += s.Muted.Render("  " + r.Duration.Round(time.Millisecond).String())
	}
	if r.Error != "" {
		line += "  " + s.Muted.Render(r.Error)
	}
	return line
}

// SummaryLine renders the run totals.
func SummaryLine(s Styles, sum *batch.Summary) string {
	text := fmt.Sprintf("%d lines: %d succeeded, %d failed, %d skipped, %d killed, %d invalid in %s",
		sum.Total, sum.Succeeded, sum.Failed, sum.Skipped, sum.Killed, sum.Invalid, sum.Duration.Round(time.Millisecond))
	if sum.Planned > 0 {
		text = fmt.Sprintf("%d lines planned (dry run)", sum.Planned)
	}
	if sum.OK() {
		return s.Success.Render(text)
	}
	return s.Warning.Render(text)
}
