// Package parsedb implements record-level operations over Change-O database
// files: splitting, adding, indexing, dropping, deleting, renaming,
// selecting, sorting and updating fields, and FASTA and BASELINe export.
//
// Every operation reads one input file and writes its result next to it
// (or into Output.Dir) as <name>_<label>.<ext>. Field names given by the
// caller are upper-cased to match the reader's header normalisation.
package parsedb

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"tlsbatch/internal/changeo"
	"tlsbatch/internal/logging"
)

// Defaults for field arguments.
const (
	DefaultIDField    = "SEQUENCE_ID"
	DefaultSeqField   = "SEQUENCE_IMGT"
	DefaultGermField  = "GERMLINE_IMGT_D_MASK"
	DefaultIndexField = "INDEX"
)

// DefaultDeleteValues are the values Delete removes when none are given.
var DefaultDeleteValues = []string{"", "NA"}

// ErrFieldNotFound is returned when a required field is absent from the header.
var ErrFieldNotFound = errors.New("field not found")

// ErrLengthMismatch is returned when paired argument lists differ in length.
var ErrLengthMismatch = errors.New("argument lists must have the same length")

// Logic combines per-field matches.
type Logic string

const (
	// LogicAny matches when any field matches.
	LogicAny Logic = "any"
	// LogicAll matches when every field matches.
	LogicAll Logic = "all"
)

// ParseLogic validates a logic name.
func ParseLogic(s string) (Logic, error) {
	switch Logic(s) {
	case LogicAny, LogicAll:
		return Logic(s), nil
	case "":
		return LogicAny, nil
	}
	return "", fmt.Errorf("invalid logic %q (valid: any, all)", s)
}

// Output controls where results are written.
type Output struct {
	// Dir defaults to the input file's directory.
	Dir string
	// Name defaults to the input file's base name without extension.
	Name string
}

// Stats summarises one operation.
type Stats struct {
	Op        string        `json:"op"`
	Input     string        `json:"input"`
	Outputs   []string      `json:"outputs"`
	Records   int           `json:"records"`
	Pass      int           `json:"pass"`
	Fail      int           `json:"fail"`
	Updated   int           `json:"updated,omitempty"`
	Germlines int           `json:"germlines,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Output returns the first output path.
func (s *Stats) Output() string {
	if len(s.Outputs) == 0 {
		return ""
	}
	return s.Outputs[0]
}

// matcher decides whether a row matches fields/values under logic.
type matcher struct {
	fields   []string
	values   map[string]bool
	patterns []*regexp.Regexp
	logic    Logic
}

func newMatcher(fields, values []string, logic Logic, regex bool) (*matcher, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one field is required")
	}
	if _, err := ParseLogic(string(logic)); err != nil {
		return nil, err
	}
	if logic == "" {
		logic = LogicAny
	}
	m := &matcher{fields: changeo.NormalizeFields(fields), logic: logic}
	if regex {
		for _, v := range values {
			re, err := regexp.Compile(v)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", v, err)
			}
			m.patterns = append(m.patterns, re)
		}
	} else {
		m.values = make(map[string]bool, len(values))
		for _, v := range values {
			m.values[v] = true
		}
	}
	return m, nil
}

func (m *matcher) matchValue(v string) bool {
	if m.patterns == nil {
		return m.values[v]
	}
	for _, re := range m.patterns {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// Match reports whether row satisfies the matcher. A field absent from
// the row never matches.
func (m *matcher) Match(row changeo.Row) bool {
	for _, f := range m.fields {
		v, ok := row[f]
		hit := ok && m.matchValue(v)
		if m.logic == LogicAny && hit {
			return true
		}
		if m.logic == LogicAll && !hit {
			return false
		}
	}
	return m.logic == LogicAll
}

func requireFields(header []string, fields ...string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	for _, f := range fields {
		if !have[f] {
			return fmt.Errorf("%w: %s", ErrFieldNotFound, f)
		}
	}
	return nil
}

// rowFunc handles one input row. It returns the row to write (nil to skip).
type rowFunc func(row changeo.Row, st *Stats) (changeo.Row, error)

// transform streams path through fn into a single output file.
func transform(op, path string, out Output, label string, outFields func(header []string) ([]string, error), fn rowFunc) (*Stats, error) {
	start := time.Now()
	st := &Stats{Op: op, Input: path}

	logging.ParseDb("%s: %s", op, path)

	r, err := changeo.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	fields, err := outFields(r.Fields())
	if err != nil {
		return nil, err
	}

	dest := changeo.OutputPath(path, out.Dir, out.Name, label, "tsv")
	w, err := changeo.Create(dest, fields)
	if err != nil {
		return nil, err
	}

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("%s: record %d: %w", path, st.Records+1, err)
		}
		st.Records++
		outRow, err := fn(row, st)
		if err != nil {
			w.Close()
			return nil, err
		}
		if outRow == nil {
			continue
		}
		if err := w.Write(outRow); err != nil {
			w.Close()
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	st.Outputs = []string{dest}
	return finish(st, start)
}

func finish(st *Stats, start time.Time) (*Stats, error) {
	st.Elapsed = time.Since(start)
	if st.Records == 0 {
		return st, fmt.Errorf("%s: %w", st.Input, changeo.ErrEmptyFile)
	}
	logging.ParseDbDebug("%s done: records=%d pass=%d fail=%d updated=%d outputs=%v",
		st.Op, st.Records, st.Pass, st.Fail, st.Updated, st.Outputs)
	logging.Audit().Log(logging.AuditEvent{
		EventType:  logging.AuditParseDbOp,
		Target:     st.Input,
		Success:    true,
		DurationMs: st.Elapsed.Milliseconds(),
		Message:    st.Op,
		Fields: map[string]interface{}{
			"records": st.Records,
			"pass":    st.Pass,
			"fail":    st.Fail,
			"outputs": st.Outputs,
		},
	})
	return st, nil
}

func keepHeader(header []string) ([]string, error) { return header, nil }
