// Package fasta reads and writes FASTA formatted sequence files.
package fasta

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LineWidth is the number of residues written per sequence line.
const LineWidth = 60

// GermlineExtensions are the file extensions recognised in a germline directory.
var GermlineExtensions = []string{".fasta", ".fna", ".fa"}

// ErrNoHeader is returned when sequence data appears before the first header.
var ErrNoHeader = errors.New("sequence data before first FASTA header")

// Record is a single FASTA entry.
type Record struct {
	// Header is the description line without the leading '>'.
	Header   string
	Sequence string
}

// ID returns the first whitespace-delimited token of the header.
func (r Record) ID() string {
	if f := strings.Fields(r.Header); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Reader streams FASTA records.
type Reader struct {
	scanner *bufio.Scanner
	pending string
	hasNext bool
	line    int
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next record or io.EOF when the input is exhausted.
func (r *Reader) Next() (Record, error) {
	var header string
	if r.hasNext {
		header = r.pending
		r.hasNext = false
	} else {
		found := false
		for r.scanner.Scan() {
			r.line++
			line := strings.TrimRight(r.scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ";") {
				continue
			}
			if !strings.HasPrefix(line, ">") {
				return Record{}, fmt.Errorf("line %d: %w", r.line, ErrNoHeader)
			}
			header = line[1:]
			found = true
			break
		}
		if !found {
			if err := r.scanner.Err(); err != nil {
				return Record{}, err
			}
			return Record{}, io.EOF
		}
	}

	var seq strings.Builder
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if strings.HasPrefix(line, ">") {
			r.pending = line[1:]
			r.hasNext = true
			break
		}
		seq.WriteString(strings.TrimSpace(line))
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, err
	}

	return Record{Header: strings.TrimSpace(header), Sequence: seq.String()}, nil
}

// ReadAll reads every remaining record.
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// Count returns the number of records in the file at path.
func Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	r := NewReader(f)
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%s: %w", path, err)
		}
		n++
	}
}

// Writer writes FASTA records with wrapped sequence lines.
type Writer struct {
	w     *bufio.Writer
	width int
}

// NewWriter returns a Writer wrapping sequences at LineWidth.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w), width: LineWidth}
}

// Write writes one record.
func (w *Writer) Write(rec Record) error {
	if _, err := fmt.Fprintf(w.w, ">%s\n", rec.Header); err != nil {
		return err
	}
	seq := rec.Sequence
	for len(seq) > w.width {
		if _, err := w.w.WriteString(seq[:w.width] + "\n"); err != nil {
			return err
		}
		seq = seq[w.width:]
	}
	if seq != "" {
		if _, err := w.w.WriteString(seq + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes buffered output.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// GermlineFiles lists the germline reference files directly inside dir,
// sorted by name.
func GermlineFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read germline directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range GermlineExtensions {
			if ext == want {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
