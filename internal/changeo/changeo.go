// Package changeo reads and writes tab-delimited Change-O database files.
//
// Header names are trimmed and upper-cased on read, so field lookups are
// case-insensitive as long as callers upper-case their own field names
// (see NormalizeFields).
package changeo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyFile is returned for files without a header or without records.
var ErrEmptyFile = errors.New("database file is empty")

// Row is one database record keyed by upper-cased field name.
type Row map[string]string

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// NormalizeFields trims and upper-cases field names.
func NormalizeFields(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.ToUpper(strings.TrimSpace(f))
	}
	return out
}

// Reader reads Change-O records.
type Reader struct {
	csv    *csv.Reader
	fields []string
	closer io.Closer
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

// NewReader reads the header from r and returns a Reader positioned at the
// first record.
func NewReader(r io.Reader) (*Reader, error) {
	cr := newCSVReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return &Reader{csv: cr, fields: NormalizeFields(header)}, nil
}

// Open opens a database file for reading. Close releases the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file %s cannot be read: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// Fields returns the header in file order.
func (r *Reader) Fields() []string {
	return append([]string(nil), r.fields...)
}

// Next returns the next record or io.EOF. Short rows leave the missing
// fields empty; cells beyond the header are dropped.
func (r *Reader) Next() (Row, error) {
	rec, err := r.csv.Read()
	if err != nil {
		return nil, err
	}
	row := make(Row, len(r.fields))
	for i, f := range r.fields {
		if i < len(rec) {
			row[f] = rec[i]
		} else {
			row[f] = ""
		}
	}
	return row, nil
}

// ReadAll reads all remaining records.
func (r *Reader) ReadAll() ([]Row, error) {
	var rows []Row
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}

// Close closes the underlying file when the Reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Writer writes Change-O records with a fixed field order. Keys not in the
// field list are ignored; missing keys are written empty.
type Writer struct {
	csv    *csv.Writer
	fields []string
	closer io.Closer
	path   string
}

// NewWriter writes the header to w.
func NewWriter(w io.Writer, fields []string) (*Writer, error) {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(fields); err != nil {
		return nil, err
	}
	return &Writer{csv: cw, fields: append([]string(nil), fields...)}, nil
}

// Create creates (or truncates) path, creating parent directories.
func Create(path string, fields []string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w, err := NewWriter(f, fields)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	w.path = path
	return w, nil
}

// Path returns the file path for writers made by Create.
func (w *Writer) Path() string { return w.path }

// Fields returns the output field order.
func (w *Writer) Fields() []string { return append([]string(nil), w.fields...) }

// Write writes one record.
func (w *Writer) Write(row Row) error {
	rec := make([]string, len(w.fields))
	for i, f := range w.fields {
		rec[i] = row[f]
	}
	return w.csv.Write(rec)
}

// Flush flushes buffered records.
func (w *Writer) Flush() error {
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the underlying file when created by Create.
func (w *Writer) Close() error {
	err := w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// CountRecords counts the data rows in path.
// A file with no header or no rows is ErrEmptyFile.
func CountRecords(path string) (int, error) {
	r, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for {
		_, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("file %s is invalid: %w", path, err)
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	return n, nil
}

// Fields returns the header of path with add appended (skipping names
// already present) and exclude removed.
func Fields(path string, add, exclude []string) ([]string, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return MergeFields(r.Fields(), add, exclude), nil
}

// MergeFields applies add and exclude to fields.
func MergeFields(fields, add, exclude []string) []string {
	out := append([]string(nil), fields...)
	have := make(map[string]bool, len(out))
	for _, f := range out {
		have[f] = true
	}
	for _, f := range add {
		if !have[f] {
			out = append(out, f)
			have[f] = true
		}
	}
	if len(exclude) == 0 {
		return out
	}
	drop := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		drop[f] = true
	}
	kept := out[:0]
	for _, f := range out {
		if !drop[f] {
			kept = append(kept, f)
		}
	}
	return kept
}

// OutputPath builds <outDir>/<outName>_<label>.<ext>. An empty outDir uses
// the input's directory, an empty outName the input's base name without
// extension, and an empty ext the input's extension.
func OutputPath(in, outDir, outName, label, ext string) string {
	inExt := filepath.Ext(in)
	if outDir == "" {
		outDir = filepath.Dir(in)
	}
	if outName == "" {
		outName = strings.TrimSuffix(filepath.Base(in), inExt)
	}
	if ext == "" {
		ext = strings.TrimPrefix(inExt, ".")
	}
	name := outName + "_" + label
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(outDir, name)
}
