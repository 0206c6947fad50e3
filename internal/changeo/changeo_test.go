package changeo

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDb = "sequence_id\t v_call \tJUNCTION\n" +
	"seq1\tIGHV1-2*02\tTGTGCG\n" +
	"seq2\tIGHV3-23*01\n" +
	"seq3\tIGHV1-2*02\tTGTACC\textra\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReader(t *testing.T) {
	r, err := NewReader(strings.NewReader(sampleDb))
	require.NoError(t, err)
	assert.Equal(t, []string{"SEQUENCE_ID", "V_CALL", "JUNCTION"}, r.Fields())

	rows, err := r.ReadAll()
	require.NoError(t, err)

	want := []Row{
		{"SEQUENCE_ID": "seq1", "V_CALL": "IGHV1-2*02", "JUNCTION": "TGTGCG"},
		{"SEQUENCE_ID": "seq2", "V_CALL": "IGHV3-23*01", "JUNCTION": ""},
		{"SEQUENCE_ID": "seq3", "V_CALL": "IGHV1-2*02", "JUNCTION": "TGTACC"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("ReadAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestReader_Empty(t *testing.T) {
	_, err := NewReader(strings.NewReader(""))
	assert.True(t, errors.Is(err, ErrEmptyFile))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, []string{"SEQUENCE_ID", "V_CALL"})
	require.NoError(t, err)
	require.NoError(t, w.Write(Row{"SEQUENCE_ID": "s1", "V_CALL": "IGHV1", "IGNORED": "x"}))
	require.NoError(t, w.Write(Row{"SEQUENCE_ID": "s2"}))
	require.NoError(t, w.Flush())

	assert.Equal(t, "SEQUENCE_ID\tV_CALL\ns1\tIGHV1\ns2\t\n", buf.String())
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.tsv")
	w, err := Create(path, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())
	require.NoError(t, w.Write(Row{"A": "has\ttab", "B": "2"}))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	row, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "has\ttab", row["A"])
	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestCountRecords(t *testing.T) {
	n, err := CountRecords(writeFile(t, "db.tsv", sampleDb))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = CountRecords(writeFile(t, "header.tsv", "A\tB\n"))
	assert.True(t, errors.Is(err, ErrEmptyFile))

	_, err = CountRecords(writeFile(t, "blank.tsv", ""))
	assert.True(t, errors.Is(err, ErrEmptyFile))

	_, err = CountRecords(filepath.Join(t.TempDir(), "missing.tsv"))
	assert.Error(t, err)
}

func TestFields(t *testing.T) {
	path := writeFile(t, "db.tsv", sampleDb)

	fields, err := Fields(path, []string{"V_CALL", "INDEX"}, []string{"JUNCTION"})
	require.NoError(t, err)
	assert.Equal(t, []string{"SEQUENCE_ID", "V_CALL", "INDEX"}, fields)
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		outDir  string
		outName string
		label   string
		ext     string
		want    string
	}{
		{"defaults", "/data/S1_db-pass.tab", "", "", "parse-add", "tsv", "/data/S1_db-pass_parse-add.tsv"},
		{"out dir", "/data/S1.tsv", "/out", "", "parse-sort", "tsv", "/out/S1_parse-sort.tsv"},
		{"out name", "/data/S1.tsv", "", "sample", "sequences", "fasta", "/data/sample_sequences.fasta"},
		{"input ext", "/data/S1.tab", "", "", "parse-drop", "", "/data/S1_parse-drop.tab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OutputPath(tt.in, tt.outDir, tt.outName, tt.label, tt.ext)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}

func TestNormalizeFields(t *testing.T) {
	assert.Equal(t, []string{"V_CALL", "ID"}, NormalizeFields([]string{" v_call", "id "}))
}
