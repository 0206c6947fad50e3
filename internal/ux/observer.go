package ux

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"tlsbatch/internal/batch"
)

// sender is the part of *tea.Program the observer needs.
type sender interface {
	Send(msg tea.Msg)
}

// TeaObserver forwards batch progress to a bubbletea program.
type TeaObserver struct {
	program sender
}

// NewTeaObserver returns an observer sending to p.
func NewTeaObserver(p sender) *TeaObserver {
	return &TeaObserver{program: p}
}

func (o *TeaObserver) OnItemStart(line int, folder string) {
	o.program.Send(ItemStartedMsg{Line: line, Folder: folder})
}

func (o *TeaObserver) OnItemFinish(r batch.ItemResult) {
	o.program.Send(ItemFinishedMsg{Result: r})
}

func (o *TeaObserver) OnRunFinish(s *batch.Summary) {
	o.program.Send(RunFinishedMsg{Summary: s})
}

// LineObserver prints one styled line per finished item.
type LineObserver struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles

	// Verbose also prints item starts.
	Verbose bool
}

// NewLineObserver writes to w.
func NewLineObserver(w io.Writer, styles Styles) *LineObserver {
	return &LineObserver{w: w, styles: styles}
}

func (o *LineObserver) OnItemStart(line int, folder string) {
	if !o.Verbose {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, o.styles.Muted.Render(fmt.Sprintf("started   line %d  %s", line, folder)))
}

func (o *LineObserver) OnItemFinish(r batch.ItemResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, ResultLine(o.styles, r))
}

func (o *LineObserver) OnRunFinish(s *batch.Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.w, SummaryLine(o.styles, s))
	if s.LogFile != "" {
		fmt.Fprintln(o.w, o.styles.Muted.Render("log: "+s.LogFile))
	}
}
