package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tlsbatch/internal/fasta"
	"tlsbatch/internal/imgt"
	"tlsbatch/internal/logging"
	"tlsbatch/internal/mapping"
	"tlsbatch/internal/store"
	"tlsbatch/internal/tactile"
)

// StatusPlanned marks items of a dry run.
const StatusPlanned = "planned"

// tailLines is how much pipeline output is kept on each item.
const tailLines = 20

// errNotStarted is returned by runItem when the run was cancelled before the
// item began. Such items are not recorded.
var errNotStarted = errors.New("item not started")

// Ledger records runs and items. *store.Store implements it.
type Ledger interface {
	BeginRun(ctx context.Context, run *store.Run) error
	RecordItem(ctx context.Context, item store.Item) error
	FinishRun(ctx context.Context, run *store.Run) error
}

// ItemResult is the outcome of one mapping line.
type ItemResult struct {
	Line       int           `json:"line"`
	Folder     string        `json:"folder"`
	Archive    string        `json:"archive"`
	Fasta      string        `json:"fasta"`
	Command    string        `json:"command,omitempty"`
	Status     string        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	KillReason string        `json:"kill_reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Tail is the last lines of pipeline output.
	Tail string `json:"tail,omitempty"`
}

// OK reports whether the item succeeded (or was only planned).
func (r ItemResult) OK() bool {
	return r.Status == store.ItemSucceeded || r.Status == StatusPlanned
}

func (r ItemResult) ledgerItem(runID string) store.Item {
	return store.Item{
		RunID:      runID,
		Line:       r.Line,
		Folder:     r.Folder,
		Archive:    r.Archive,
		Fasta:      r.Fasta,
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		Attempts:   r.Attempts,
		Duration:   r.Duration,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// Summary is the outcome of a run.
type Summary struct {
	RunID     string        `json:"run_id"`
	LogFile   string        `json:"log_file,omitempty"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Killed    int           `json:"killed"`
	Invalid   int           `json:"invalid"`
	Planned   int           `json:"planned,omitempty"`
	Aborted   bool          `json:"aborted,omitempty"`
	Items     []ItemResult  `json:"items"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether every item succeeded.
func (s *Summary) OK() bool {
	return !s.Aborted && s.Failed == 0 && s.Skipped == 0 && s.Killed == 0 && s.Invalid == 0
}

func (s *Summary) add(r ItemResult) {
	s.Items = append(s.Items, r)
	s.Total++
	switch r.Status {
	case store.ItemSucceeded:
		s.Succeeded++
	case store.ItemFailed:
		s.Failed++
	case store.ItemSkipped:
		s.Skipped++
	case store.ItemKilled:
		s.Killed++
	case store.ItemInvalid:
		s.Invalid++
	case StatusPlanned:
		s.Planned++
	}
}

// Observer is notified as items progress. Calls may come from several
// goroutines when Jobs > 1.
type Observer interface {
	OnItemStart(line int, folder string)
	OnItemFinish(result ItemResult)
	OnRunFinish(summary *Summary)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) OnItemStart(int, string) {}
func (NopObserver) OnItemFinish(ItemResult) {}
func (NopObserver) OnRunFinish(*Summary) {}

// Runner executes planned invocations.
type Runner struct {
	opts     Options
	executor tactile.Executor
	log      *LogWriter

	mu       sync.RWMutex
	ledger   Ledger
	observer Observer
}

// NewRunner creates a runner writing markers and output to log.
func NewRunner(opts Options, executor tactile.Executor, log *LogWriter) *Runner {
	return &Runner{
		opts:     opts.WithDefaults(),
		executor: executor,
		log:      log,
		observer: NopObserver{},
	}
}

// SetLedger records runs in l. A nil ledger disables recording.
func (r *Runner) SetLedger(l Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger = l
}

// SetObserver sets the progress observer.
func (r *Runner) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o == nil {
		o = NopObserver{}
	}
	r.observer = o
}

func (r *Runner) deps() (Ledger, Observer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledger, r.observer
}

// Options returns the effective options.
func (r *Runner) Options() Options { return r.opts }

// Run processes records and reports invalid lines. Item failures never stop
// the run; cancelling ctx stops scheduling and kills items in flight, and
// Run then returns the partial summary with ctx's error.
func (r *Runner) Run(ctx context.Context, records []mapping.Record, invalid []*mapping.LineError) (*Summary, error) {
	start := time.Now()
	ledger, observer := r.deps()
	if r.opts.DryRun {
		ledger = nil
	}

	run := &store.Run{
		MappingFile: r.opts.MappingFile,
		OutputDir:   r.opts.OutputDir,
		Script:      r.opts.Script,
		LogFile:     r.log.Path(),
		Jobs:        r.opts.Jobs,
		Strict:      r.opts.Strict,
		StartedAt:   start,
	}
	if ledger != nil {
		if err := ledger.BeginRun(ctx, run); err != nil {
			return nil, err
		}
	} else {
		run.ID = uuid.NewString()
	}

	audit := logging.AuditWithRun(run.ID)
	audit.Log(logging.AuditEvent{
		EventType: logging.AuditRunStart,
		Target:    r.opts.MappingFile,
		Success:   true,
		Fields:    map[string]interface{}{"lines": len(records), "jobs": r.opts.Jobs},
	})
	logging.Batch("Run %s: %d lines from %s (jobs=%d, dry_run=%v)",
		run.ID, len(records), r.opts.MappingFile, r.opts.Jobs, r.opts.DryRun)

	summary := &Summary{RunID: run.ID, LogFile: r.log.Path()}
	var mu sync.Mutex
	record := func(res ItemResult) {
		mu.Lock()
		summary.add(res)
		mu.Unlock()
		if ledger != nil {
			if err := ledger.RecordItem(context.WithoutCancel(ctx), res.ledgerItem(run.ID)); err != nil {
				logging.BatchWarn("Could not record line %d: %v", res.Line, err)
			}
		}
		observer.OnItemFinish(res)
	}

	for _, le := range invalid {
		now := time.Now()
		logging.BatchWarn("Skipping mapping %v", le)
		audit.Log(logging.AuditEvent{EventType: logging.AuditItemInvalid, Line: le.Line, Error: le.Err.Error()})
		if err := r.log.Markf("INVALID line %d: %v", le.Line, le.Err); err != nil {
			return nil, fmt.Errorf("failed to write log: %w", err)
		}
		record(ItemResult{
			Line:       le.Line,
			Status:     store.ItemInvalid,
			ExitCode:   -1,
			Error:      le.Err.Error(),
			StartedAt:  now,
			FinishedAt: now,
		})
	}

	plan := Plan(records, r.opts)
	var fatal error
	if r.opts.Jobs <= 1 {
		for _, inv := range plan {
			if ctx.Err() != nil {
				break
			}
			res, err := r.runItem(ctx, run.ID, inv, r.log, observer)
			if errors.Is(err, errNotStarted) {
				break
			}
			if err != nil {
				fatal = err
				break
			}
			record(res)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(r.opts.Jobs)
		for _, inv := range plan {
			if ctx.Err() != nil {
				break
			}
			// g.Go may block for a slot past cancellation.
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				buf := &itemLog{now: r.log.now}
				res, err := r.runItem(ctx, run.ID, inv, buf, observer)
				if errors.Is(err, errNotStarted) {
					return nil
				}
				if _, werr := r.log.Write(buf.Bytes()); werr != nil && err == nil {
					err = fmt.Errorf("failed to write log: %w", werr)
				}
				if err != nil {
					return err
				}
				record(res)
				return nil
			})
		}
		fatal = g.Wait()
	}

	sort.SliceStable(summary.Items, func(i, j int) bool { return summary.Items[i].Line < summary.Items[j].Line })
	summary.Duration = time.Since(start)
	summary.Aborted = ctx.Err() != nil || fatal != nil

	run.Status = store.RunFinished
	event := logging.AuditRunFinish
	if summary.Aborted {
		run.Status = store.RunAborted
		event = logging.AuditRunAbort
	}
	run.Total = summary.Total
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed + summary.Invalid
	run.Skipped = summary.Skipped
	run.Killed = summary.Killed
	if ledger != nil {
		if err := ledger.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			logging.BatchWarn("Could not finish run %s: %v", run.ID, err)
		}
	}
	audit.Log(logging.AuditEvent{
		EventType:  event,
		Target:     r.opts.MappingFile,
		Success:    summary.OK(),
		DurationMs: summary.Duration.Milliseconds(),
		Fields: map[string]interface{}{
			"total": summary.Total, "succeeded": summary.Succeeded, "failed": summary.Failed,
			"skipped": summary.Skipped, "killed": summary.Killed, "invalid": summary.Invalid,
		},
	})
	logging.Batch("Run %s %s: total=%d ok=%d failed=%d skipped=%d killed=%d invalid=%d in %s",
		run.ID, run.Status, summary.Total, summary.Succeeded, summary.Failed, summary.Skipped,
		summary.Killed, summary.Invalid, summary.Duration)

	observer.OnRunFinish(summary)

	if fatal != nil {
		return summary, fatal
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// sink is where one item's markers and output go.
type sink interface {
	io.Writer
	Markf(format string, args ...interface{}) error
}

// itemLog buffers one item's log block so concurrent items stay contiguous.
type itemLog struct {
	bytes.Buffer
	now func() time.Time
}

func (l *itemLog) Markf(format string, args ...interface{}) error {
	_, err := l.WriteString(marker(l.now(), format, args...))
	return err
}

// runItem runs one invocation. Its error is reserved for log write failures
// and errNotStarted; everything else is reported on the result.
func (r *Runner) runItem(ctx context.Context, runID string, inv Invocation, out sink, observer Observer) (ItemResult, error) {
	rec := inv.Record
	if ctx.Err() != nil {
		return ItemResult{Line: rec.Line, Folder: inv.Folder}, errNotStarted
	}
	res := ItemResult{
		Line:      rec.Line,
		Folder:    inv.Folder,
		Archive:   rec.Archive,
		Fasta:     rec.Fasta,
		Command:   inv.CommandLine(),
		ExitCode:  -1,
		StartedAt: time.Now(),
	}
	audit := logging.AuditWithRun(runID)
	observer.OnItemStart(rec.Line, inv.Folder)
	audit.Log(logging.AuditEvent{EventType: logging.AuditItemStart, Line: rec.Line, Target: inv.Folder, Success: true})
	if len(rec.Extra) > 0 {
		logging.BatchWarn("Line %d: ignoring %d extra column(s)", rec.Line, len(rec.Extra))
	}

	finish := func(status string) (ItemResult, error) {
		res.Status = status
		res.FinishedAt = time.Now()
		if res.Duration == 0 {
			res.Duration = res.FinishedAt.Sub(res.StartedAt)
		}
		var err error
		switch status {
		case store.ItemSkipped:
			err = out.Markf("END %s skipped: %s", inv.Folder, res.Error)
			audit.Log(logging.AuditEvent{EventType: logging.AuditItemSkip, Line: rec.Line, Target: inv.Folder, Error: res.Error})
		case StatusPlanned:
		default:
			suffix := ""
			if res.KillReason != "" {
				suffix = " killed=" + strconv.Quote(res.KillReason)
			}
			err = out.Markf("END %s exit=%d duration=%s%s", inv.Folder, res.ExitCode, res.Duration.Round(time.Millisecond), suffix)
			audit.ItemFinish(rec.Line, inv.Folder, res.ExitCode, res.Duration, res.Error)
		}
		if err != nil {
			return res, fmt.Errorf("failed to write log: %w", err)
		}
		return res, nil
	}

	if r.opts.DryRun {
		if err := out.Markf("DRY-RUN %s", res.Command); err != nil {
			return res, fmt.Errorf("failed to write log: %w", err)
		}
		return finish(StatusPlanned)
	}

	if err := out.Markf("START %s archive=%s fasta=%s", inv.Folder, rec.Archive, rec.Fasta); err != nil {
		return res, fmt.Errorf("failed to write log: %w", err)
	}

	if r.opts.Preflight {
		if err := Preflight(rec); err != nil {
			logging.BatchWarn("Line %d (%s) skipped: %v", rec.Line, inv.Folder, err)
			res.Error = err.Error()
			return finish(store.ItemSkipped)
		}
	}

	if err := os.MkdirAll(inv.OutputDir, 0755); err != nil {
		res.Error = fmt.Sprintf("failed to create output directory: %v", err)
		return finish(store.ItemFailed)
	}

	cmd := tactile.Command{
		Binary:      inv.Binary,
		Arguments:   inv.Args,
		Environment: r.opts.Env,
		Stream:      out,
		RunID:       runID,
		RequestID:   fmt.Sprintf("%s:%d", runID, rec.Line),
		Tags:        map[string]string{"folder": inv.Folder, "line": strconv.Itoa(rec.Line)},
	}
	if r.opts.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: r.opts.Timeout.Milliseconds()}
	}

	result, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		logging.BatchError("Line %d (%s): %v", rec.Line, inv.Folder, err)
		res.Error = err.Error()
		return finish(store.ItemFailed)
	}

	res.ExitCode = result.ExitCode
	res.Duration = result.Duration
	res.Attempts = result.Attempts
	if res.Attempts == 0 {
		res.Attempts = 1
	}
	res.Tail = strings.Join(result.TailLines(tailLines), "\n")

	switch {
	case result.Killed:
		res.KillReason = result.KillReason
		res.Error = result.KillReason
		logging.BatchWarn("Line %d (%s) killed: %s", rec.Line, inv.Folder, result.KillReason)
		return finish(store.ItemKilled)
	case result.IsError():
		res.Error = result.Error
		logging.BatchError("Line %d (%s) could not run: %s", rec.Line, inv.Folder, result.Error)
		return finish(store.ItemFailed)
	case result.IsNonZeroExit():
		res.Error = fmt.Sprintf("exit status %d", result.ExitCode)
		logging.BatchWarn("Line %d (%s) exited %d", rec.Line, inv.Folder, result.ExitCode)
		return finish(store.ItemFailed)
	}
	logging.BatchDebug("Line %d (%s) done in %s", rec.Line, inv.Folder, result.Duration)
	return finish(store.ItemSucceeded)
}

// Preflight checks that the archive holds the IMGT files the pipeline needs
// and that the FASTA file has sequences.
func Preflight(rec mapping.Record) error {
	if _, err := imgt.Inspect(rec.Archive); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	n, err := fasta.Count(rec.Fasta)
	if err != nil {
		return fmt.Errorf("fasta: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fasta: %s: %w", rec.Fasta, ErrNoSequences)
	}
	return nil
}

// ErrNoSequences is reported by Preflight for FASTA files without records.
var ErrNoSequences = errors.New("no sequences")

// CheckGermline verifies that dir holds at least one germline FASTA file.
func CheckGermline(dir string) ([]string, error) {
	files, err := fasta.GermlineFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("germline directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("germline directory %s has no %v files", dir, fasta.GermlineExtensions)
	}
	return files, nil
}
