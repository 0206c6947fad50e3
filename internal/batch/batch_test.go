package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tlsbatch/internal/mapping"
	"tlsbatch/internal/store"
	"tlsbatch/internal/tactile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

func records(n int) []mapping.Record {
	out := make([]mapping.Record, n)
	for i := range out {
		name := fmt.Sprintf("S%d", i+1)
		out[i] = mapping.Record{
			Line:    i + 1,
			Archive: "/data/" + name + ".zip",
			Fasta:   "/data/" + name + ".fasta",
		}
	}
	return out
}

func testOptions(t *testing.T) Options {
	return Options{
		MappingFile: "mapping.tsv",
		OutputDir:   t.TempDir(),
		Script:      "/opt/tls/tls_pipeline.sh",
		GermlineDir: "/ref/germline",
		Nproc:       8,
		Jobs:        1,
	}
}

// fakeExecutor records commands and answers with scripted exit codes.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []tactile.Command
	exit   map[string]int
	onCall func(cmd tactile.Command) *tactile.ExecutionResult
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		if res := hook(cmd); res != nil {
			return res, nil
		}
	}
	folder := cmd.Tags["folder"]
	out := "processing " + folder + "\n"
	if cmd.Stream != nil {
		if _, err := cmd.Stream.Write([]byte(out)); err != nil {
			return nil, err
		}
	}
	return &tactile.ExecutionResult{
		Success:  true,
		ExitCode: f.exit[folder],
		Duration: time.Millisecond,
		Combined: out,
	}, nil
}

func (f *fakeExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "fake"}
}

func (f *fakeExecutor) Validate(tactile.Command) error { return nil }

func (f *fakeExecutor) folders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Tags["folder"]
	}
	return out
}

// fakeLedger keeps what the runner records.
type fakeLedger struct {
	mu       sync.Mutex
	begun    *store.Run
	items    []store.Item
	finished *store.Run
}

func (l *fakeLedger) BeginRun(_ context.Context, run *store.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run.ID = "run-1"
	cp := *run
	l.begun = &cp
	return nil
}

func (l *fakeLedger) RecordItem(_ context.Context, item store.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
	return nil
}

func (l *fakeLedger) FinishRun(_ context.Context, run *store.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.finished = &cp
	return nil
}

func newTestRunner(opts Options, exec tactile.Executor) (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	lw := NewLogWriter(&buf)
	lw.now = func() time.Time { return fixedNow }
	return NewRunner(opts, exec, lw), &buf
}

func TestOptions(t *testing.T) {
	o := Options{OutputDir: "/out"}.WithDefaults()
	assert.Equal(t, ".zip", o.ArchiveSuffix)
	assert.Equal(t, 1, o.Jobs)
	assert.Equal(t, 8, o.Nproc)
	assert.Equal(t, filepath.Join("/out", DefaultLogName), o.LogFile)

	err := Options{Nproc: 1, Jobs: 1}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline script is required")
	assert.Contains(t, err.Error(), "germline directory is required")

	assert.NoError(t, testOptions(t).Validate())
}

func TestPlan(t *testing.T) {
	opts := Options{OutputDir: "/out", Script: "tls.sh", GermlineDir: "/germ", Nproc: 4}
	recs := []mapping.Record{
		{Line: 1, Archive: "/in/2024_S1.zip", Fasta: "/in/S1.fasta"},
		{Line: 3, Archive: "/in/S2.tgz", Fasta: "/in/S2.fasta"},
	}

	plan := Plan(recs, opts)
	require.Len(t, plan, 2)
	want := []string{"/in/2024_S1.zip", "/in/S1.fasta", "/germ", filepath.Join("/out", "2024_S1"), "2024_S1", "4"}
	if diff := cmp.Diff(want, plan[0].Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "tls.sh", plan[0].Binary)
	assert.Equal(t, "S2.tgz", plan[1].Folder)

	opts.Interpreter = "bash"
	plan = Plan(recs[:1], opts)
	assert.Equal(t, "bash", plan[0].Binary)
	assert.Equal(t, "tls.sh", plan[0].Args[0])
	assert.Len(t, plan[0].Args, 7)
}

func TestInvocation_CommandLine(t *testing.T) {
	inv := Invocation{Binary: "tls.sh", Args: []string{"/a b/x.zip", "it's", "", "8"}}
	assert.Equal(t, `tls.sh '/a b/x.zip' 'it'\''s' '' 8`, inv.CommandLine())
}

func TestLogWriter_Markf(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLogWriter(&buf)
	lw.now = func() time.Time { return fixedNow }
	require.NoError(t, lw.Markf("START %s", "S1"))
	assert.Equal(t, "Tue Mar  5 14:07:09 UTC 2024 START S1\n", buf.String())
	assert.NoError(t, lw.Close())
}

func TestOpenLog_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tls_batch.log")
	for i := 0; i < 2; i++ {
		lw, err := OpenLog(path)
		require.NoError(t, err)
		_, err = lw.Write([]byte("line\n"))
		require.NoError(t, err)
		require.NoError(t, lw.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\nline\n", string(data))
}

func TestRunner_Sequential(t *testing.T) {
	opts := testOptions(t)
	exec := &fakeExecutor{}
	r, logBuf := newTestRunner(opts, exec)

	summary, err := r.Run(context.Background(), records(3), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"S1", "S2", "S3"}, exec.folders())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.True(t, summary.OK())

	first := exec.calls[0]
	assert.Equal(t, opts.Script, first.Binary)
	want := []string{"/data/S1.zip", "/data/S1.fasta", "/ref/germline", filepath.Join(opts.OutputDir, "S1"), "S1", "8"}
	assert.Equal(t, want, first.Arguments)
	assert.Equal(t, summary.RunID, first.RunID)
	assert.DirExists(t, filepath.Join(opts.OutputDir, "S1"))

	lines := strings.Split(strings.TrimRight(logBuf.String(), "\n"), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "Tue Mar  5 14:07:09 UTC 2024 START S1 archive=/data/S1.zip fasta=/data/S1.fasta", lines[0])
	assert.Equal(t, "processing S1", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "Tue Mar  5 14:07:09 UTC 2024 END S1 exit=0 duration="), lines[2])
}

func TestRunner_FailureDoesNotStopLoop(t *testing.T) {
	exec := &fakeExecutor{exit: map[string]int{"S2": 3}}
	r, logBuf := newTestRunner(testOptions(t), exec)

	summary, err := r.Run(context.Background(), records(3), nil)
	require.NoError(t, err)
	assert.Len(t, exec.calls, 3)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.OK())

	failed := summary.Items[1]
	assert.Equal(t, store.ItemFailed, failed.Status)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Equal(t, "exit status 3", failed.Error)
	assert.Equal(t, "processing S2", failed.Tail)
	assert.Contains(t, logBuf.String(), "END S2 exit=3")
}

func TestRunner_InvalidLines(t *testing.T) {
	exec := &fakeExecutor{}
	r, logBuf := newTestRunner(testOptions(t), exec)
	invalid := []*mapping.LineError{{Line: 4, Raw: "lonely.zip", Err: mapping.ErrTooFewFields}}

	summary, err := r.Run(context.Background(), records(1), invalid)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Invalid)
	assert.Equal(t, 4, summary.Items[1].Line)
	assert.Equal(t, store.ItemInvalid, summary.Items[1].Status)
	assert.Contains(t, logBuf.String(), "INVALID line 4")
}

func TestRunner_Parallel(t *testing.T) {
	opts := testOptions(t)
	opts.Jobs = 3

	var mu sync.Mutex
	running, peak := 0, 0
	exec := &fakeExecutor{}
	exec.onCall = func(cmd tactile.Command) *tactile.ExecutionResult {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(cmd.Stream, "one %s\ntwo %s\n", cmd.Tags["folder"], cmd.Tags["folder"])
		mu.Lock()
		running--
		mu.Unlock()
		return &tactile.ExecutionResult{Success: true, Duration: 20 * time.Millisecond}
	}
	r, logBuf := newTestRunner(opts, exec)

	summary, err := r.Run(context.Background(), records(6), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, peak, 3)

	for i, item := range summary.Items {
		assert.Equal(t, i+1, item.Line)
	}

	// each item's block stays contiguous
	lines := strings.Split(strings.TrimRight(logBuf.String(), "\n"), "\n")
	require.Len(t, lines, 24)
	for i := 0; i < len(lines); i += 4 {
		folder := strings.Fields(lines[i])[7]
		assert.Contains(t, lines[i], "START "+folder)
		assert.Equal(t, "one "+folder, lines[i+1])
		assert.Equal(t, "two "+folder, lines[i+2])
		assert.Contains(t, lines[i+3], "END "+folder)
	}
}

func TestRunner_CancelStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{}
	exec.onCall = func(cmd tactile.Command) *tactile.ExecutionResult {
		cancel()
		return &tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "context canceled"}
	}
	r, logBuf := newTestRunner(testOptions(t), exec)

	summary, err := r.Run(ctx, records(3), nil)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, summary)
	assert.Len(t, exec.calls, 1)
	assert.Equal(t, 1, summary.Killed)
	assert.True(t, summary.Aborted)
	assert.Contains(t, logBuf.String(), `killed="context canceled"`)
}

func TestRunner_CancelStopsScheduling_Parallel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelled := make(chan struct{})
	exec := &fakeExecutor{}
	exec.onCall = func(cmd tactile.Command) *tactile.ExecutionResult {
		if cmd.Tags["folder"] == "S1" {
			cancel()
			close(cancelled)
		} else {
			<-cancelled
		}
		return &tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "context canceled"}
	}
	opts := testOptions(t)
	opts.Jobs = 2
	r, logBuf := newTestRunner(opts, exec)

	summary, err := r.Run(ctx, records(4), nil)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, summary)
	assert.True(t, summary.Aborted)
	assert.Subset(t, []string{"S1", "S2"}, exec.folders())
	assert.LessOrEqual(t, summary.Total, 2)
	for _, item := range summary.Items {
		assert.NotContains(t, []string{"S3", "S4"}, item.Folder)
	}
	assert.NotContains(t, logBuf.String(), "START S3")
	assert.NotContains(t, logBuf.String(), "START S4")
	for _, folder := range []string{"S3", "S4"} {
		assert.NoDirExists(t, filepath.Join(opts.OutputDir, folder))
	}
}

func TestRunner_Preflight(t *testing.T) {
	opts := testOptions(t)
	opts.Preflight = true
	exec := &fakeExecutor{}
	r, logBuf := newTestRunner(opts, exec)

	summary, err := r.Run(context.Background(), records(1), nil)
	require.NoError(t, err)
	assert.Empty(t, exec.calls)
	assert.Equal(t, 1, summary.Skipped)
	assert.Contains(t, summary.Items[0].Error, "archive")
	assert.Contains(t, logBuf.String(), "END S1 skipped:")
}

func TestPreflight_EmptyFasta(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1_Summary.txt", "2_IMGT-gapped.txt", "3_Nt-sequences.txt", "6_Junction.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	fa := filepath.Join(t.TempDir(), "empty.fasta")
	require.NoError(t, os.WriteFile(fa, nil, 0644))

	err := Preflight(mapping.Record{Archive: dir, Fasta: fa})
	assert.True(t, errors.Is(err, ErrNoSequences))
}

func TestCheckGermline(t *testing.T) {
	dir := t.TempDir()
	_, err := CheckGermline(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "IGHV.fasta"), []byte(">a\nACGT\n"), 0644))
	files, err := CheckGermline(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRunner_DryRun(t *testing.T) {
	opts := testOptions(t)
	opts.DryRun = true
	exec := &fakeExecutor{}
	ledger := &fakeLedger{}
	r, logBuf := newTestRunner(opts, exec)
	r.SetLedger(ledger)

	summary, err := r.Run(context.Background(), records(2), nil)
	require.NoError(t, err)
	assert.Empty(t, exec.calls)
	assert.Nil(t, ledger.begun)
	assert.Equal(t, 2, summary.Planned)
	assert.True(t, summary.OK())
	assert.Contains(t, logBuf.String(), "DRY-RUN /opt/tls/tls_pipeline.sh /data/S1.zip")
	assert.NoDirExists(t, filepath.Join(opts.OutputDir, "S1"))
}

func TestRunner_Ledger(t *testing.T) {
	ledger := &fakeLedger{}
	r, _ := newTestRunner(testOptions(t), &fakeExecutor{exit: map[string]int{"S1": 1}})
	r.SetLedger(ledger)

	summary, err := r.Run(context.Background(), records(2), nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	require.NotNil(t, ledger.begun)
	assert.Equal(t, "mapping.tsv", ledger.begun.MappingFile)
	require.Len(t, ledger.items, 2)
	assert.Equal(t, "run-1", ledger.items[0].RunID)
	require.NotNil(t, ledger.finished)
	assert.Equal(t, store.RunFinished, ledger.finished.Status)
	assert.Equal(t, 1, ledger.finished.Failed)
	assert.Equal(t, 1, ledger.finished.Succeeded)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []int
	summary  *Summary
}

func (o *recordingObserver) OnItemStart(line int, folder string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, folder)
}

func (o *recordingObserver) OnItemFinish(r ItemResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r.Line)
}

func (o *recordingObserver) OnRunFinish(s *Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summary = s
}

func TestRunner_Observer(t *testing.T) {
	obs := &recordingObserver{}
	r, _ := newTestRunner(testOptions(t), &fakeExecutor{})
	r.SetObserver(obs)

	summary, err := r.Run(context.Background(), records(2), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, obs.started)
	assert.Equal(t, []int{1, 2}, obs.finished)
	assert.Same(t, summary, obs.summary)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunner_RealPipeline(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "pipeline.sh")
	body := "#!/bin/sh\necho \"args: $*\"\necho \"warn $5\" >&2\n[ \"$5\" = S2 ] && exit 4\nexit 0\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))

	opts := testOptions(t)
	opts.Script = script
	opts.Interpreter = "sh"
	logPath := filepath.Join(opts.OutputDir, DefaultLogName)
	lw, err := OpenLog(logPath)
	require.NoError(t, err)

	r := NewRunner(opts, tactile.NewDirectExecutor(), lw)
	summary, err := r.Run(context.Background(), records(2), nil)
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, summary.Items[1].ExitCode)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "args: /data/S1.zip /data/S1.fasta /ref/germline "+filepath.Join(opts.OutputDir, "S1")+" S1 8")
	assert.Contains(t, log, "warn S2")
	assert.Contains(t, log, "END S2 exit=4")
}

func TestWatcher_RunsNewLines(t *testing.T) {
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "mapping.tsv")
	require.NoError(t, os.WriteFile(mapPath, []byte("/data/S1.zip\t/data/S1.fasta\n"), 0644))

	recs, invalid, err := mapping.ReadFile(mapPath)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	r, _ := newTestRunner(testOptions(t), exec)
	w, err := NewWatcher(r, mapPath)
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)
	w.MarkSeen(recs, invalid)

	batches := make(chan *Summary, 4)
	w.OnBatch = func(s *Summary, err error) {
		assert.NoError(t, err)
		batches <- s
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// give the watcher a moment to be registered before writing
	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(mapPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("/data/S2.zip\t/data/S2.fasta\nbroken\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case s := <-batches:
		assert.Equal(t, 1, s.Succeeded)
		assert.Equal(t, 1, s.Invalid)
		assert.Equal(t, []string{"S2"}, exec.folders())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not run the new line")
	}

	cancel()
	require.NoError(t, <-done)
	stats := w.Stats()
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 1, stats.LinesRun)
}
