package batch

import (
	"path/filepath"
	"strings"

	"tlsbatch/internal/mapping"
)

// Invocation is the fully derived command for one mapping line.
type Invocation struct {
	Record mapping.Record `json:"record"`

	// Folder is the archive base name without the archive suffix.
	Folder string `json:"folder"`

	// OutputDir is <Options.OutputDir>/<Folder>.
	OutputDir string `json:"output_dir"`

	Binary string   `json:"binary"`
	Args   []string `json:"args"`
}

// CommandLine renders the invocation for logs and dry runs.
func (i Invocation) CommandLine() string {
	parts := append([]string{i.Binary}, i.Args...)
	for n, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t'\"") {
			parts[n] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
		}
	}
	return strings.Join(parts, " ")
}

// Plan derives one invocation per record, in record order. The pipeline is
// called as: script archive fasta germline_dir output_dir/folder folder nproc.
func Plan(records []mapping.Record, opts Options) []Invocation {
	opts = opts.WithDefaults()
	plan := make([]Invocation, 0, len(records))
	for _, rec := range records {
		folder := rec.Folder(opts.ArchiveSuffix)
		outDir := filepath.Join(opts.OutputDir, folder)

		args := []string{rec.Archive, rec.Fasta, opts.GermlineDir, outDir, folder, opts.nprocArg()}
		binary := opts.Script
		if opts.Interpreter != "" {
			binary = opts.Interpreter
			args = append([]string{opts.Script}, args...)
		}

		plan = append(plan, Invocation{
			Record:    rec,
			Folder:    folder,
			OutputDir: outDir,
			Binary:    binary,
			Args:      args,
		})
	}
	return plan
}
