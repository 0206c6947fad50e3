package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tlsbatch/internal/batch"
	"tlsbatch/internal/config"
	"tlsbatch/internal/logging"
	"tlsbatch/internal/mapping"
	"tlsbatch/internal/store"
	"tlsbatch/internal/tactile"
	"tlsbatch/internal/ux"
)

// Run flags. Zero values defer to the config file.
var (
	runScript      string
	runInterpreter string
	runGermline    string
	runNproc       int
	runLogFile     string
	runJobs        int
	runTimeout     time.Duration
	runRetries     int
	runPreflight   bool
	runDryRun      bool
	runWatch       bool
	runTUI         bool
	runStrict      bool
	runNoStore     bool
)

var runCmd = &cobra.Command{
	Use:   "run <mapping-file> <output-dir>",
	Short: "Run the pipeline once per mapping line",
	Long: `Reads the mapping file (archive and FASTA per line, tab or whitespace
separated) and invokes the pipeline script for each line as

  script <archive> <fasta> <germline-dir> <output-dir>/<folder> <folder> <nproc>

where folder is the archive's base name without its suffix. Markers and the
script's combined output are appended to the batch log. A failing line never
stops the loop; with --strict the command exits non-zero when any line did
not succeed.`,
	Args: cobra.ExactArgs(2),
	RunE: runBatch,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runScript, "script", "", "Pipeline script (default: pipeline.script)")
	f.StringVar(&runInterpreter, "interpreter", "", "Interpreter for the script, e.g. bash")
	f.StringVar(&runGermline, "germline", "", "Germline reference directory (default: pipeline.germline_dir)")
	f.IntVar(&runNproc, "nproc", 0, "Processes per invocation (default: pipeline.nproc)")
	f.StringVar(&runLogFile, "log", "", "Batch log file (default: <output-dir>/tls_batch.log)")
	f.IntVarP(&runJobs, "jobs", "j", 0, "Concurrent invocations (default: execution.jobs)")
	f.DurationVar(&runTimeout, "timeout", 0, "Per-line timeout, 0 for none (default: execution.default_timeout)")
	f.IntVar(&runRetries, "retries", -1, "Retries for failed invocations (default: execution.retries)")
	f.BoolVar(&runPreflight, "preflight", false, "Check archive and FASTA before each invocation")
	f.BoolVar(&runDryRun, "dry-run", false, "Log the planned command lines without running them")
	f.BoolVar(&runWatch, "watch", false, "Keep watching the mapping file and run new lines")
	f.BoolVar(&runTUI, "tui", false, "Show an interactive progress view")
	f.BoolVar(&runStrict, "strict", false, "Exit non-zero when any line did not succeed")
	f.BoolVar(&runNoStore, "no-store", false, "Do not record the run in the ledger")
}

// buildOptions merges config defaults with the run flags. timeoutSet reports
// whether --timeout was given, so that an explicit 0 clears the config value.
func buildOptions(c *config.Config, mappingFile, outputDir string, timeoutSet bool) batch.Options {
	opts := batch.Options{
		MappingFile:   mappingFile,
		OutputDir:     outputDir,
		Script:        c.Pipeline.Script,
		Interpreter:   c.Pipeline.Interpreter,
		GermlineDir:   c.Pipeline.GermlineDir,
		Nproc:         c.Pipeline.Nproc,
		ArchiveSuffix: c.Pipeline.ArchiveSuffix,
		Jobs:          c.Execution.Jobs,
		Timeout:       c.GetExecutionTimeout(),
		Preflight:     runPreflight,
		DryRun:        runDryRun,
		Strict:        runStrict,
		Env:           c.Pipeline.Environment(),
	}
	if c.Pipeline.LogFile != "" {
		opts.LogFile = c.Pipeline.LogFile
		if !filepath.IsAbs(opts.LogFile) {
			opts.LogFile = filepath.Join(outputDir, opts.LogFile)
		}
	}

	if runScript != "" {
		opts.Script = runScript
	}
	if runInterpreter != "" {
		opts.Interpreter = runInterpreter
	}
	if runGermline != "" {
		opts.GermlineDir = runGermline
	}
	if runNproc > 0 {
		opts.Nproc = runNproc
	}
	if runLogFile != "" {
		opts.LogFile = runLogFile
	}
	if runJobs > 0 {
		opts.Jobs = runJobs
	}
	if timeoutSet {
		opts.Timeout = runTimeout
	}
	return opts.WithDefaults()
}

// buildExecutor creates the executor stack for pipeline invocations.
func buildExecutor(c *config.Config, opts batch.Options) (tactile.Executor, *tactile.AuditLogger) {
	execCfg := tactile.DefaultExecutorConfig()
	execCfg.DefaultTimeout = opts.Timeout
	execCfg.InheritEnvironment = c.Execution.InheritEnv
	if len(c.Execution.AllowedEnvVars) > 0 {
		execCfg.AllowedEnvironment = c.Execution.AllowedEnvVars
	}
	if c.Execution.MaxOutputBytes > 0 {
		execCfg.MaxOutputBytes = c.Execution.MaxOutputBytes
	}

	retries := c.Execution.Retries
	if runRetries >= 0 {
		retries = runRetries
	}

	audit := tactile.NewAuditLogger()
	if logging.IsDebugMode() {
		path := filepath.Join(logging.LogsDir(), "exec_audit.jsonl")
		if err := audit.EnableFileLogging(path); err != nil {
			logging.ExecWarn("exec audit file disabled: %v", err)
		}
	}

	factory := tactile.NewExecutorFactory(execCfg)
	return factory.Create(tactile.RetryPolicy{
		MaxRetries:     retries,
		RetryOnNonZero: c.Execution.RetryOnNonZero,
	}, audit), audit
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			if logger != nil {
				logger.Info("Received shutdown signal")
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runBatch(cmd *cobra.Command, args []string) error {
	c, err := currentConfig()
	if err != nil {
		return err
	}
	opts := buildOptions(c, args[0], args[1], cmd.Flags().Changed("timeout"))
	eff := *c
	eff.Pipeline.Script = opts.Script
	eff.Pipeline.GermlineDir = opts.GermlineDir
	if err := eff.ValidateForRun(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	records, invalid, err := mapping.ReadFile(opts.MappingFile)
	if err != nil {
		return err
	}
	logger.Info("Mapping file loaded",
		zap.String("path", opts.MappingFile),
		zap.Int("records", len(records)),
		zap.Int("invalid", len(invalid)))

	if !opts.DryRun {
		if _, err := batch.CheckGermline(opts.GermlineDir); err != nil {
			logger.Warn("germline directory check failed", zap.Error(err))
		}
	}

	log, err := batch.OpenLog(opts.LogFile)
	if err != nil {
		return err
	}
	defer log.Close()

	executor, audit := buildExecutor(c, opts)
	defer audit.Close()

	runner := batch.NewRunner(opts, executor, log)

	ctx, cancel := signalContext()
	defer cancel()

	if !runNoStore && c.Store.Enabled && !opts.DryRun {
		st, err := store.Open(ctx, c.DatabasePath(resolveWorkspace()))
		if err != nil {
			logger.Warn("run ledger unavailable", zap.Error(err))
		} else {
			defer st.Close()
			runner.SetLedger(st)
		}
	}

	out := cmd.OutOrStdout()
	styles := ux.NewStyles(ux.DetectTheme())

	var summary *batch.Summary
	if runTUI {
		summary, err = runWithProgram(ctx, cancel, runner, records, invalid)
	} else {
		lo := ux.NewLineObserver(out, styles)
		lo.Verbose = verbose
		runner.SetObserver(lo)
		summary, err = runner.Run(ctx, records, invalid)
	}
	if summary != nil {
		// The line observer prints these itself.
		if runTUI {
			fmt.Fprintln(out, ux.SummaryLine(styles, summary))
			fmt.Fprintf(out, "log: %s\n", log.Path())
		}
		if summary.RunID != "" && !opts.DryRun {
			fmt.Fprintf(out, "run: %s\n", summary.RunID)
		}
	}
	logExecMetrics(audit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run interrupted")
		}
		return err
	}

	if runWatch {
		runner.SetObserver(ux.NewLineObserver(out, styles))
		if err := watchMapping(ctx, out, styles, runner, records, invalid); err != nil {
			return err
		}
	}

	if opts.Strict && summary != nil && !summary.OK() {
		return fmt.Errorf("%d of %d lines did not succeed", summary.Total-summary.Succeeded-summary.Planned, summary.Total)
	}
	return nil
}

// runWithProgram drives the run from a goroutine while the bubbletea program
// owns the terminal. Quitting the program cancels the run.
func runWithProgram(ctx context.Context, cancel context.CancelFunc, runner *batch.Runner, records []mapping.Record, invalid []*mapping.LineError) (*batch.Summary, error) {
	p := tea.NewProgram(ux.NewProgressModel(len(records)+len(invalid)), tea.WithContext(ctx))
	runner.SetObserver(ux.NewTeaObserver(p))

	type outcome struct {
		summary *batch.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := runner.Run(ctx, records, invalid)
		done <- outcome{s, err}
	}()

	final, perr := p.Run()
	if m, ok := final.(ux.ProgressModel); ok && m.Quitting() {
		cancel()
	}
	if perr != nil && !errors.Is(perr, tea.ErrProgramKilled) {
		cancel()
	}
	res := <-done
	return res.summary, res.err
}

// watchMapping runs lines appended to the mapping file until ctx ends.
func watchMapping(ctx context.Context, out io.Writer, styles ux.Styles, runner *batch.Runner, records []mapping.Record, invalid []*mapping.LineError) error {
	w, err := batch.NewWatcher(runner, runner.Options().MappingFile)
	if err != nil {
		return fmt.Errorf("failed to watch mapping file: %w", err)
	}
	w.MarkSeen(records, invalid)
	w.OnBatch = func(s *batch.Summary, err error) {
		if s != nil {
			fmt.Fprintln(out, ux.SummaryLine(styles, s))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("watch batch failed", zap.Error(err))
		}
	}
	fmt.Fprintf(out, "watching %s (ctrl+c to stop)\n", runner.Options().MappingFile)
	if err := w.Watch(ctx); err != nil {
		return err
	}
	stats := w.Stats()
	logger.Info("Watch stopped",
		zap.Int("events", stats.Events),
		zap.Int("batches", stats.Batches),
		zap.Int("lines", stats.LinesRun))
	return nil
}

func logExecMetrics(audit *tactile.AuditLogger) {
	m := audit.GetMetrics()
	logger.Debug("Execution metrics",
		zap.Int64("executions", m.TotalExecutions),
		zap.Int64("succeeded", m.SuccessfulExecutions),
		zap.Int64("nonzero", m.NonZeroExecutions),
		zap.Int64("killed", m.KilledExecutions),
		zap.Int64("retries", m.Retries),
		zap.Float64("avg_duration_ms", m.AvgDurationMs))
}
