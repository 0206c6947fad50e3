package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), ".tlsbatch", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Migrates(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	v, err := schemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
	assert.True(t, tableExists(ctx, s.db, "runs"))
	assert.True(t, tableExists(ctx, s.db, "run_items"))
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	run := &Run{MappingFile: "map.tsv", OutputDir: "out", Script: "tls.sh", LogFile: "log", Jobs: 1}
	require.NoError(t, s.BeginRun(ctx, run))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "map.tsv", got.MappingFile)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	run := &Run{MappingFile: "map.tsv", OutputDir: "/out", Script: "tls.sh", LogFile: "/out/tls_batch.log", Jobs: 2, Strict: true}
	require.NoError(t, s.BeginRun(ctx, run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunRunning, run.Status)

	start := time.Now().Truncate(time.Millisecond)
	items := []Item{
		{RunID: run.ID, Line: 2, Folder: "b", Archive: "b.zip", Fasta: "b.fasta", Status: ItemFailed, ExitCode: 3, Attempts: 2, Duration: 1500 * time.Millisecond, Error: "exit status 3", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
		{RunID: run.ID, Line: 1, Folder: "a", Archive: "a.zip", Fasta: "a.fasta", Status: ItemSucceeded, Attempts: 1, Duration: time.Second, StartedAt: start, FinishedAt: start.Add(time.Second)},
	}
	for _, it := range items {
		require.NoError(t, s.RecordItem(ctx, it))
	}

	run.Status = RunFinished
	run.Total, run.Succeeded, run.Failed = 2, 1, 1
	require.NoError(t, s.FinishRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFinished, got.Status)
	assert.Equal(t, 2, got.Jobs)
	assert.True(t, got.Strict)
	assert.Equal(t, 1, got.Failed)
	assert.False(t, got.FinishedAt.IsZero())

	stored, err := s.Items(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 1, stored[0].Line)
	assert.Equal(t, "b", stored[1].Folder)
	assert.Equal(t, 3, stored[1].ExitCode)
	assert.Equal(t, 2, stored[1].Attempts)
	assert.Equal(t, 1500*time.Millisecond, stored[1].Duration)
	assert.True(t, stored[1].StartedAt.Equal(start))
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := openTest(t).GetRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestGetRun_Prefix(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.BeginRun(ctx, &Run{ID: "abc123", MappingFile: "m", OutputDir: "o", Script: "s", LogFile: "l"}))
	require.NoError(t, s.BeginRun(ctx, &Run{ID: "abd456", MappingFile: "m", OutputDir: "o", Script: "s", LogFile: "l"}))

	got, err := s.GetRun(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ID)

	_, err = s.GetRun(ctx, "ab")
	assert.ErrorContains(t, err, "ambiguous")
}

func TestGetRun_PrefixIsLiteral(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.BeginRun(ctx, &Run{ID: "abc123", MappingFile: "m", OutputDir: "o", Script: "s", LogFile: "l"}))

	for _, id := range []string{"", "%", "_", "a%", "ab_", `\`} {
		_, err := s.GetRun(ctx, id)
		assert.Truef(t, errors.Is(err, ErrRunNotFound), "id %q: %v", id, err)
	}

	require.NoError(t, s.BeginRun(ctx, &Run{ID: "ab_9", MappingFile: "m", OutputDir: "o", Script: "s", LogFile: "l"}))
	got, err := s.GetRun(ctx, "ab_")
	require.NoError(t, err)
	assert.Equal(t, "ab_9", got.ID)
}

func TestFinishRun_Unknown(t *testing.T) {
	err := openTest(t).FinishRun(context.Background(), &Run{ID: "missing", Status: RunFinished})
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.BeginRun(ctx, &Run{
			ID: id, MappingFile: "m", OutputDir: "o", Script: "s", LogFile: "l",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)

	all, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestItems_Empty(t *testing.T) {
	items, err := openTest(t).Items(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, items)
}
