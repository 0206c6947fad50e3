package mapping

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# archive\tfasta",
		"/data/S1.zip\t/data/S1.fasta",
		"",
		"/data/S2.zip\t/data/S2.fasta\tnotes here",
		"/data/S3.zip /data/S3.fasta",
		"/data/only-one.zip",
		"/data/S 4.zip\t/data/S 4.fasta\r",
	}, "\n")

	records, bad, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	want := []Record{
		{Line: 2, Archive: "/data/S1.zip", Fasta: "/data/S1.fasta"},
		{Line: 4, Archive: "/data/S2.zip", Fasta: "/data/S2.fasta", Extra: []string{"notes here"}},
		{Line: 5, Archive: "/data/S3.zip", Fasta: "/data/S3.fasta"},
		{Line: 7, Archive: "/data/S 4.zip", Fasta: "/data/S 4.fasta"},
	}
	if diff := cmp.Diff(want, records, cmpopts.IgnoreFields(Record{}, "Raw")); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, bad, 1)
	assert.Equal(t, 6, bad[0].Line)
	assert.True(t, errors.Is(bad[0], ErrTooFewFields))
	assert.Contains(t, bad[0].Error(), "line 6")
}

func TestParse_EmptyInput(t *testing.T) {
	records, bad, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, bad)
}

func TestRecord_Folder(t *testing.T) {
	tests := []struct {
		archive string
		suffix  string
		want    string
	}{
		{"/data/run1/S1_IMGT.zip", ".zip", "S1_IMGT"},
		{"S1.txz", ".zip", "S1.txz"},
		{"relative/dir/sample.zip", ".zip", "sample"},
		{"/data/.zip", ".zip", ".zip"},
		{"/data/S1.tar.gz", ".tar.gz", "S1"},
		{"/data/S1.zip", "", "S1.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.archive, func(t *testing.T) {
			got := Record{Archive: tt.archive}.Folder(tt.suffix)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecord_Key(t *testing.T) {
	a := Record{Line: 1, Archive: "a.zip", Fasta: "a.fa"}
	b := Record{Line: 1, Archive: "a.zip", Fasta: "b.fa"}
	c := Record{Line: 2, Archive: "a.zip", Fasta: "a.fa"}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, a.Key(), Record{Line: 1, Archive: "a.zip", Fasta: "a.fa", Extra: []string{"x"}}.Key())
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.tsv")
	require.NoError(t, os.WriteFile(path, []byte("a.zip\ta.fasta\nb.zip\tb.fasta\n"), 0644))

	records, bad, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Empty(t, bad)

	_, _, err = ReadFile(filepath.Join(t.TempDir(), "missing.tsv"))
	assert.Error(t, err)
}
