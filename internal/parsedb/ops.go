package parsedb

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"tlsbatch/internal/changeo"
	"tlsbatch/internal/fasta"
	"tlsbatch/internal/logging"
)

// Add appends fields with a constant value for every record. Fields that
// already exist are left unchanged.
func Add(path string, fields, values []string, out Output) (*Stats, error) {
	if len(fields) != len(values) {
		return nil, fmt.Errorf("add: one value per field: %w", ErrLengthMismatch)
	}
	fields = changeo.NormalizeFields(fields)

	var add map[string]string
	return transform("add", path, out, "parse-add",
		func(header []string) ([]string, error) {
			existing := make(map[string]bool, len(header))
			for _, h := range header {
				existing[h] = true
			}
			add = make(map[string]string, len(fields))
			for i, f := range fields {
				if !existing[f] {
					add[f] = values[i]
				}
			}
			return changeo.MergeFields(header, fields, nil), nil
		},
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			for k, v := range add {
				row[k] = v
			}
			st.Pass++
			return row, nil
		})
}

// Index adds a 1-based record counter field.
func Index(path, field string, out Output) (*Stats, error) {
	if field == "" {
		field = DefaultIndexField
	}
	field = strings.ToUpper(strings.TrimSpace(field))

	return transform("index", path, out, "parse-index",
		func(header []string) ([]string, error) {
			return changeo.MergeFields(header, []string{field}, nil), nil
		},
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			row[field] = strconv.Itoa(st.Records)
			st.Pass++
			return row, nil
		})
}

// Drop removes whole fields.
func Drop(path string, fields []string, out Output) (*Stats, error) {
	fields = changeo.NormalizeFields(fields)

	return transform("drop", path, out, "parse-drop",
		func(header []string) ([]string, error) {
			return changeo.MergeFields(header, nil, fields), nil
		},
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			st.Pass++
			return row, nil
		})
}

// Delete removes records whose fields match values.
// An empty values list means DefaultDeleteValues.
func Delete(path string, fields, values []string, logic Logic, regex bool, out Output) (*Stats, error) {
	if len(values) == 0 {
		values = DefaultDeleteValues
	}
	m, err := newMatcher(fields, values, logic, regex)
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}

	return transform("delete", path, out, "parse-delete", keepHeader,
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			if m.Match(row) {
				st.Fail++
				return nil, nil
			}
			st.Pass++
			return row, nil
		})
}

// Select keeps only records whose fields match values.
func Select(path string, fields, values []string, logic Logic, regex bool, out Output) (*Stats, error) {
	m, err := newMatcher(fields, values, logic, regex)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	return transform("select", path, out, "parse-select", keepHeader,
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			if !m.Match(row) {
				st.Fail++
				return nil, nil
			}
			st.Pass++
			return row, nil
		})
}

// Rename renames fields, applying the pairs in order.
func Rename(path string, fields, names []string, out Output) (*Stats, error) {
	if len(fields) != len(names) {
		return nil, fmt.Errorf("rename: one new name per field: %w", ErrLengthMismatch)
	}
	fields = changeo.NormalizeFields(fields)

	return transform("rename", path, out, "parse-rename",
		func(header []string) ([]string, error) {
			renamed := append([]string(nil), header...)
			for i, f := range fields {
				idx := indexOf(renamed, f)
				if idx < 0 {
					return nil, fmt.Errorf("rename: %w: %s", ErrFieldNotFound, f)
				}
				renamed[idx] = names[i]
			}
			return renamed, nil
		},
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			for i, f := range fields {
				v := row[f]
				delete(row, f)
				row[names[i]] = v
			}
			st.Pass++
			return row, nil
		})
}

// Update replaces field values. Pairs are applied in order, so a value
// produced by one pair can be rewritten by a later one.
func Update(path, field string, values, updates []string, out Output) (*Stats, error) {
	if len(values) != len(updates) {
		return nil, fmt.Errorf("update: one replacement per value: %w", ErrLengthMismatch)
	}
	field = strings.ToUpper(strings.TrimSpace(field))

	return transform("update", path, out, "parse-update",
		func(header []string) ([]string, error) {
			if err := requireFields(header, field); err != nil {
				return nil, fmt.Errorf("update: %w", err)
			}
			return header, nil
		},
		func(row changeo.Row, st *Stats) (changeo.Row, error) {
			for i, x := range values {
				if row[field] == x {
					row[field] = updates[i]
					st.Updated++
				}
			}
			st.Pass++
			return row, nil
		})
}

// Sort orders records by field. The sort is stable; numeric sorting treats
// empty values as zero.
func Sort(path, field string, numeric, descend bool, out Output) (*Stats, error) {
	start := time.Now()
	field = strings.ToUpper(strings.TrimSpace(field))
	st := &Stats{Op: "sort", Input: path}
	logging.ParseDb("sort: %s by %s (numeric=%v, descend=%v)", path, field, numeric, descend)

	r, err := changeo.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	header := r.Fields()
	if err := requireFields(header, field); err != nil {
		return nil, fmt.Errorf("sort: %w", err)
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	st.Records = len(rows)

	type keyed struct {
		row changeo.Row
		num float64
	}
	items := make([]keyed, len(rows))
	for i, row := range rows {
		items[i].row = row
		if numeric {
			v := strings.TrimSpace(row[field])
			if v == "" {
				continue
			}
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("sort: record %d: %s=%q is not numeric", i+1, field, row[field])
			}
			items[i].num = n
		}
	}

	less := func(a, b keyed) bool {
		if numeric {
			return a.num < b.num
		}
		return a.row[field] < b.row[field]
	}
	sort.SliceStable(items, func(i, j int) bool {
		if descend {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})

	dest := changeo.OutputPath(path, out.Dir, out.Name, "parse-sort", "tsv")
	w, err := changeo.Create(dest, header)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := w.Write(it.row); err != nil {
			w.Close()
			return nil, err
		}
		st.Pass++
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	st.Outputs = []string{dest}
	return finish(st, start)
}

// Split writes records into one file per value of field, or with threshold
// set, into under-<t> and atleast-<t> files.
func Split(path, field string, threshold *float64, out Output) (*Stats, error) {
	start := time.Now()
	field = strings.ToUpper(strings.TrimSpace(field))
	st := &Stats{Op: "split", Input: path}
	logging.ParseDb("split: %s by %s", path, field)

	r, err := changeo.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	header := r.Fields()
	if err := requireFields(header, field); err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	writers := make(map[string]*changeo.Writer)
	closeAll := func() error {
		var first error
		for _, w := range writers {
			if err := w.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	writerFor := func(label string) (*changeo.Writer, error) {
		if w, ok := writers[label]; ok {
			return w, nil
		}
		w, err := changeo.Create(changeo.OutputPath(path, out.Dir, out.Name, label, "tsv"), header)
		if err != nil {
			return nil, err
		}
		writers[label] = w
		return w, nil
	}

	var underLabel, atLeastLabel string
	if threshold != nil {
		underLabel = fmt.Sprintf("under-%.1f", *threshold)
		atLeastLabel = fmt.Sprintf("atleast-%.1f", *threshold)
		// Both files exist even when one side is empty
		for _, l := range []string{underLabel, atLeastLabel} {
			if _, err := writerFor(l); err != nil {
				closeAll()
				return nil, err
			}
		}
	}

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%s: record %d: %w", path, st.Records+1, err)
		}
		st.Records++

		var label string
		if threshold != nil {
			n, err := strconv.ParseFloat(strings.TrimSpace(row[field]), 64)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("split: record %d: %s=%q is not numeric", st.Records, field, row[field])
			}
			if n < *threshold {
				label = underLabel
			} else {
				label = atLeastLabel
			}
		} else {
			label = field + "-" + SanitizeTag(row[field])
		}

		w, err := writerFor(label)
		if err != nil {
			closeAll()
			return nil, err
		}
		if err := w.Write(row); err != nil {
			closeAll()
			return nil, err
		}
		st.Pass++
	}
	if err := closeAll(); err != nil {
		return nil, err
	}

	for _, w := range writers {
		st.Outputs = append(st.Outputs, w.Path())
	}
	sort.Strings(st.Outputs)
	return finish(st, start)
}

// tagReplacer maps characters that are unsafe in file names.
var tagReplacer = strings.NewReplacer(
	"/", "f",
	"\\", "b",
	"?", "q",
	"%", "p",
	"*", "s",
	":", "c",
	"|", "pi",
	"\"", "dq",
	"'", "sq",
	"<", "gt",
	">", "lt",
	" ", "_",
)

// SanitizeTag makes a field value safe for use in a file name.
func SanitizeTag(tag string) string {
	return tagReplacer.Replace(tag)
}

// FastaOptions configures Fasta.
type FastaOptions struct {
	IDField    string
	SeqField   string
	MetaFields []string
}

// Fasta exports records as FASTA. Headers are ID|FIELD=value for each meta
// field present. Records with an empty ID or sequence are counted as
// failures and skipped.
func Fasta(path string, opts FastaOptions, out Output) (*Stats, error) {
	idField := fieldOr(opts.IDField, DefaultIDField)
	seqField := fieldOr(opts.SeqField, DefaultSeqField)
	meta := changeo.NormalizeFields(opts.MetaFields)
	logging.ParseDb("fasta: %s id=%s seq=%s meta=%v", path, idField, seqField, meta)

	return exportFasta("fasta", path, out, "fasta", nil,
		func(row changeo.Row, st *Stats) []fasta.Record {
			rec, ok := SeqRecord(row, idField, seqField, meta)
			if !ok {
				st.Fail++
				return nil
			}
			st.Pass++
			return []fasta.Record{rec}
		})
}

// BaselineOptions configures Baseline.
type BaselineOptions struct {
	IDField   string
	SeqField  string
	GermField string
	// ClusterField groups records into clones. When set, one germline is
	// written per run of equal values; otherwise one per record.
	ClusterField string
	MetaFields   []string
}

// Baseline writes records as a BASELINe clip file: each sequence is preceded
// by its germline, whose header carries a second '>'. Records with an empty
// ID or sequence are counted as failures; a germline is skipped when its
// sequence is empty.
func Baseline(path string, opts BaselineOptions, out Output) (*Stats, error) {
	idField := fieldOr(opts.IDField, DefaultIDField)
	seqField := fieldOr(opts.SeqField, DefaultSeqField)
	germField := fieldOr(opts.GermField, DefaultGermField)
	clusterField := strings.ToUpper(strings.TrimSpace(opts.ClusterField))
	meta := changeo.NormalizeFields(opts.MetaFields)
	logging.ParseDb("baseline: %s id=%s seq=%s germ=%s cluster=%s meta=%v",
		path, idField, seqField, germField, clusterField, meta)

	var check func(header []string) error
	if clusterField != "" {
		check = func(header []string) error {
			if err := requireFields(header, clusterField); err != nil {
				return fmt.Errorf("baseline: %w", err)
			}
			return nil
		}
	}

	first := true
	var lastCluster string
	return exportFasta("baseline", path, out, "clip", check,
		func(row changeo.Row, st *Stats) []fasta.Record {
			var recs []fasta.Record
			var germ fasta.Record
			ok := false
			switch {
			case clusterField == "":
				germ, ok = SeqRecord(row, idField, germField, meta)
			case first || row[clusterField] != lastCluster:
				germ, ok = SeqRecord(row, clusterField, germField, nil)
			}
			first = false
			if clusterField != "" {
				lastCluster = row[clusterField]
			}
			if ok {
				germ.Header = ">" + germ.Header
				recs = append(recs, germ)
				st.Germlines++
			}

			if rec, ok := SeqRecord(row, idField, seqField, meta); ok {
				recs = append(recs, rec)
				st.Pass++
			} else {
				st.Fail++
			}
			return recs
		})
}

func fieldOr(field, def string) string {
	field = strings.ToUpper(strings.TrimSpace(field))
	if field == "" {
		return def
	}
	return field
}

// exportFasta streams the rows of path through emit and writes the returned
// records to <name>_sequences.<ext>. check, when set, validates the header.
func exportFasta(op, path string, out Output, ext string, check func(header []string) error, emit func(row changeo.Row, st *Stats) []fasta.Record) (*Stats, error) {
	start := time.Now()
	st := &Stats{Op: op, Input: path}

	r, err := changeo.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if check != nil {
		if err := check(r.Fields()); err != nil {
			return nil, err
		}
	}

	dest := changeo.OutputPath(path, out.Dir, out.Name, "sequences", ext)
	f, err := createFile(dest)
	if err != nil {
		return nil, err
	}
	w := fasta.NewWriter(f)

	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: record %d: %w", path, st.Records+1, err)
		}
		st.Records++

		for _, rec := range emit(row, st) {
			if err := w.Write(rec); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	st.Outputs = []string{dest}
	return finish(st, start)
}

// SeqRecord converts a row to a FASTA record. ok is false when the ID or
// sequence is empty.
func SeqRecord(row changeo.Row, idField, seqField string, meta []string) (fasta.Record, bool) {
	id, seq := row[idField], row[seqField]
	if id == "" || seq == "" {
		return fasta.Record{}, false
	}
	var b strings.Builder
	b.WriteString(id)
	for _, m := range meta {
		v, ok := row[m]
		if !ok {
			continue
		}
		b.WriteString("|" + m + "=" + v)
	}
	return fasta.Record{Header: b.String(), Sequence: seq}, true
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
