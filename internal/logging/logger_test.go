package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetForTest(t *testing.T) {
	t.Helper()
	CloseAll()
	CloseAudit()
	configMu.Lock()
	logsDir = ""
	workspace = ""
	settings = Settings{}
	configMu.Unlock()
	t.Cleanup(func() {
		CloseAll()
		CloseAudit()
		configMu.Lock()
		logsDir = ""
		settings = Settings{}
		configMu.Unlock()
	})
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	resetForTest(t)
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryBatch,
		CategoryExec,
		CategoryStore,
		CategoryParseDb,
		CategoryIMGT,
		CategoryWatch,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	Batch("Convenience batch log")
	Exec("Convenience exec log")
	Store("Convenience store log")
	ParseDb("Convenience parsedb log")
	IMGT("Convenience imgt log")
	Watch("Convenience watch log")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".tlsbatch", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	resetForTest(t)
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Batch("should not be written")
	Get(CategoryExec).Error("should not be written either")
	CloseAll()

	if _, err := os.Stat(filepath.Join(tempDir, ".tlsbatch", "logs")); !os.IsNotExist(err) {
		t.Errorf("logs directory should not exist in production mode, stat err=%v", err)
	}
}

func TestCategoryToggle(t *testing.T) {
	resetForTest(t)
	tempDir := t.TempDir()

	err := Initialize(tempDir, Settings{
		DebugMode:  true,
		Categories: map[string]bool{"exec": false, "batch": true},
	})
	if err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsCategoryEnabled(CategoryExec) {
		t.Error("exec category should be disabled")
	}
	if !IsCategoryEnabled(CategoryBatch) {
		t.Error("batch category should be enabled")
	}
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("unlisted categories default to enabled")
	}

	Exec("dropped")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(tempDir, ".tlsbatch", "logs", "*_exec.log"))
	if len(matches) != 0 {
		t.Errorf("expected no exec log file, got %v", matches)
	}
}

func TestLevelFilterAndJSONFormat(t *testing.T) {
	resetForTest(t)
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Settings{DebugMode: true, Level: "warn", Format: "json"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Get(CategoryBatch).Info("filtered out")
	Get(CategoryBatch).Warn("kept %d", 1)
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(tempDir, ".tlsbatch", "logs", "*_batch.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one batch log, got %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "filtered out") {
		t.Error("info message should be filtered at warn level")
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var sawKept bool
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line is not JSON: %q", scanner.Text())
		}
		if entry["msg"] == "kept 1" {
			sawKept = true
			if entry["cat"] != "batch" {
				t.Errorf("expected cat=batch, got %v", entry["cat"])
			}
		}
	}
	if !sawKept {
		t.Error("warn message missing from log")
	}
}

func TestAuditLog(t *testing.T) {
	resetForTest(t)
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Settings{DebugMode: true}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit failed: %v", err)
	}

	AuditWithRun("run-1").ItemFinish(3, "sample_a", 2, 1500*time.Millisecond, "")
	CloseAudit()

	matches, _ := filepath.Glob(filepath.Join(tempDir, ".tlsbatch", "logs", "*_audit.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one audit log, got %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if ev.RunID != "run-1" || ev.Line != 3 || ev.Target != "sample_a" {
		t.Errorf("unexpected audit event: %+v", ev)
	}
	if ev.Success {
		t.Error("non-zero exit should not be recorded as success")
	}
	if ev.DurationMs != 1500 {
		t.Errorf("expected 1500ms, got %d", ev.DurationMs)
	}
}

func TestTimer(t *testing.T) {
	resetForTest(t)
	timer := StartTimer(CategoryBatch, "noop")
	if d := timer.StopWithThreshold(time.Hour); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}
