// Package mapping reads the two-column batch mapping file that pairs an
// IMGT/HighV-QUEST archive with the FASTA file it was produced from.
package mapping

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooFewFields is reported for lines with fewer than two fields.
var ErrTooFewFields = errors.New("mapping line needs an archive and a fasta field")

// Record is one mapping line.
type Record struct {
	// Line is the 1-based line number in the mapping file.
	Line int `json:"line"`

	Archive string `json:"archive"`
	Fasta   string `json:"fasta"`

	// Extra holds any columns beyond the second; they are ignored by the run.
	Extra []string `json:"extra,omitempty"`

	// Raw is the line as read, minus the line terminator.
	Raw string `json:"-"`
}

// Folder returns the base name of the archive with suffix removed.
// A base name equal to the suffix is left untouched, as basename(1) does.
func (r Record) Folder(suffix string) string {
	base := filepath.Base(r.Archive)
	if suffix != "" && base != suffix && strings.HasSuffix(base, suffix) {
		return strings.TrimSuffix(base, suffix)
	}
	return base
}

// Key identifies a record by position and content, so an edited line is new work.
func (r Record) Key() string {
	return fmt.Sprintf("%d\x00%s\x00%s", r.Line, r.Archive, r.Fasta)
}

// LineError describes a mapping line that could not be used.
type LineError struct {
	Line int
	Raw  string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Parse reads mapping records. Lines are split on tabs when they contain one,
// otherwise on runs of whitespace. Blank lines and '#' comments are skipped.
// Unusable lines are returned as LineErrors; only read failures abort.
func Parse(r io.Reader) ([]Record, []*LineError, error) {
	var records []Record
	var bad []*LineError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		fields := splitFields(raw)
		if len(fields) < 2 {
			bad = append(bad, &LineError{Line: lineNo, Raw: raw, Err: ErrTooFewFields})
			continue
		}

		rec := Record{
			Line:    lineNo,
			Archive: fields[0],
			Fasta:   fields[1],
			Raw:     raw,
		}
		if len(fields) > 2 {
			rec.Extra = fields[2:]
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, bad, fmt.Errorf("failed to read mapping: %w", err)
	}

	return records, bad, nil
}

// splitFields splits on tabs (dropping empty cells) or, for lines without
// tabs, on whitespace.
func splitFields(line string) []string {
	if !strings.Contains(line, "\t") {
		return strings.Fields(line)
	}
	parts := strings.Split(line, "\t")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}

// ReadFile parses the mapping file at path.
func ReadFile(path string) ([]Record, []*LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}
