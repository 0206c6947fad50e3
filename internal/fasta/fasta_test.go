package fasta

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	input := ">seq1 sample=S1\r\nACGT\nACGT\n\n>seq2\nTTTT\n>empty\n"
	records, err := NewReader(strings.NewReader(input)).ReadAll()
	require.NoError(t, err)

	want := []Record{
		{Header: "seq1 sample=S1", Sequence: "ACGTACGT"},
		{Header: "seq2", Sequence: "TTTT"},
		{Header: "empty", Sequence: ""},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("ReadAll() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "seq1", records[0].ID())
}

func TestReader_SequenceBeforeHeader(t *testing.T) {
	_, err := NewReader(strings.NewReader("ACGT\n>x\nA\n")).Next()
	assert.True(t, errors.Is(err, ErrNoHeader))
}

func TestReader_Empty(t *testing.T) {
	records, err := NewReader(strings.NewReader("\n\n")).ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWriter_Wraps(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	seq := strings.Repeat("A", LineWidth) + strings.Repeat("C", 5)
	require.NoError(t, w.Write(Record{Header: "r1", Sequence: seq}))
	require.NoError(t, w.Write(Record{Header: "r2", Sequence: "GG"}))
	require.NoError(t, w.Flush())

	want := ">r1\n" + strings.Repeat("A", LineWidth) + "\nCCCCC\n>r2\nGG\n"
	assert.Equal(t, want, buf.String())

	back, err := NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, seq, back[0].Sequence)
}

func TestCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reads.fasta")
	require.NoError(t, os.WriteFile(path, []byte(">a\nA\n>b\nC\n>c\nG\n"), 0644))

	n, err := Count(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Count(filepath.Join(t.TempDir(), "missing.fasta"))
	assert.Error(t, err)
}

func TestGermlineFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"IGHV.fasta", "IGHJ.fa", "IGHD.FNA", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(">x\nA\n"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.fasta"), 0755))

	files, err := GermlineFiles(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"IGHD.FNA", "IGHJ.fa", "IGHV.fasta"}, names)

	_, err = GermlineFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
