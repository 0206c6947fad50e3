// Package batch drives the external submission pipeline over a mapping file:
// one invocation per line, markers and pipeline output appended to a single
// log, outcomes recorded in the run ledger.
package batch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultLogName is the log file created in the output directory when
// Options.LogFile is empty.
const DefaultLogName = "tls_batch.log"

// Options configures a batch run.
type Options struct {
	MappingFile string
	OutputDir   string

	// Script is the pipeline invoked once per line. With Interpreter set the
	// script is passed as the interpreter's first argument.
	Script      string
	Interpreter string

	GermlineDir string
	Nproc       int

	// LogFile defaults to <OutputDir>/tls_batch.log.
	LogFile string

	// ArchiveSuffix is stripped from the archive base name to form the
	// output folder name.
	ArchiveSuffix string

	// Jobs is the number of concurrent invocations; 1 keeps file order.
	Jobs int

	// Timeout bounds each invocation; zero is unlimited.
	Timeout time.Duration

	// Preflight checks the archive and FASTA of each line before running it.
	Preflight bool

	// DryRun writes the planned command lines to the log instead of running them.
	DryRun bool

	// Strict makes any unsuccessful item fail the run.
	Strict bool

	// Env is appended to the pipeline's environment (KEY=VALUE).
	Env []string
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.ArchiveSuffix == "" {
		o.ArchiveSuffix = ".zip"
	}
	if o.Jobs < 1 {
		o.Jobs = 1
	}
	if o.Nproc < 1 {
		o.Nproc = 8
	}
	if o.LogFile == "" && o.OutputDir != "" {
		o.LogFile = filepath.Join(o.OutputDir, DefaultLogName)
	}
	return o
}

// Validate checks the options needed to build invocations.
func (o Options) Validate() error {
	var errs []error
	if o.Script == "" {
		errs = append(errs, errors.New("pipeline script is required"))
	}
	if o.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if o.GermlineDir == "" {
		errs = append(errs, errors.New("germline directory is required"))
	}
	if o.Nproc < 1 {
		errs = append(errs, fmt.Errorf("nproc must be positive, got %d", o.Nproc))
	}
	if o.Jobs < 1 {
		errs = append(errs, fmt.Errorf("jobs must be positive, got %d", o.Jobs))
	}
	if o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("negative timeout %s", o.Timeout))
	}
	return errors.Join(errs...)
}

func (o Options) nprocArg() string {
	return strconv.Itoa(o.Nproc)
}
