package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tlsbatch/internal/parsedb"
)

// logicValue is the --logic enum.
type logicValue struct {
	logic parsedb.Logic
}

var _ pflag.Value = (*logicValue)(nil)

func (l *logicValue) String() string {
	if l.logic == "" {
		return string(parsedb.LogicAny)
	}
	return string(l.logic)
}

func (l *logicValue) Set(s string) error {
	v, err := parsedb.ParseLogic(s)
	if err != nil {
		return err
	}
	l.logic = v
	return nil
}

func (l *logicValue) Type() string { return "any|all" }

// thresholdValue is an optional float flag; unset means textual split.
type thresholdValue struct {
	v   float64
	set bool
}

var _ pflag.Value = (*thresholdValue)(nil)

func (t *thresholdValue) String() string {
	if !t.set {
		return ""
	}
	return strconv.FormatFloat(t.v, 'f', -1, 64)
}

func (t *thresholdValue) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("threshold must be numeric: %w", err)
	}
	t.v, t.set = v, true
	return nil
}

func (t *thresholdValue) Type() string { return "float" }

func (t *thresholdValue) ptr() *float64 {
	if !t.set {
		return nil
	}
	v := t.v
	return &v
}

// ParseDb flags, shared by the subcommands that register them.
var (
	pdbFiles        []string
	pdbOutDir       string
	pdbOutName      string
	pdbField        string
	pdbFields       []string
	pdbValues       []string
	pdbUpdates      []string
	pdbNames        []string
	pdbLogic        logicValue
	pdbRegex        bool
	pdbNumeric      bool
	pdbDescend      bool
	pdbThreshold    thresholdValue
	pdbIDField      string
	pdbSeqField     string
	pdbGermField    string
	pdbClusterField string
	pdbMeta         []string
)

var parsedbCmd = &cobra.Command{
	Use:   "parsedb",
	Short: "Record-level operations on Change-O database files",
	Long: `Each operation reads the files given with -d and writes its result next to
the input (or into --outdir) as <name>_<label>.tsv. Field names are
case-insensitive.`,
}

func newParseDbCmd(use, short string, run func(path string, out parsedb.Output) (*parsedb.Stats, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParseDb(cmd.OutOrStdout(), use, run)
		},
	}
	c.Flags().StringArrayVarP(&pdbFiles, "db", "d", nil, "Change-O database file (repeatable)")
	c.Flags().StringVar(&pdbOutDir, "outdir", "", "Output directory (default: input directory)")
	c.Flags().StringVar(&pdbOutName, "outname", "", "Output name prefix (default: input name); only with a single -d")
	_ = c.MarkFlagRequired("db")
	return c
}

// runParseDb applies run to every input file. A failing file does not stop
// the others; all failures are returned together.
func runParseDb(out io.Writer, op string, run func(path string, out parsedb.Output) (*parsedb.Stats, error)) error {
	if len(pdbFiles) == 0 {
		return errors.New("no database files given (-d)")
	}
	if pdbOutName != "" && len(pdbFiles) > 1 {
		return errors.New("--outname cannot be used with multiple -d files")
	}

	var errs []error
	for _, path := range pdbFiles {
		st, err := run(path, parsedb.Output{Dir: pdbOutDir, Name: pdbOutName})
		if err != nil {
			logger.Warn("parsedb failed", zap.String("op", op), zap.String("file", path), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		printStats(out, st)
	}
	return errors.Join(errs...)
}

func printStats(out io.Writer, st *parsedb.Stats) {
	fmt.Fprintf(out, "%s: %s\n", strings.ToUpper(st.Op), st.Input)
	for _, o := range st.Outputs {
		fmt.Fprintf(out, "  output   %s\n", o)
	}
	fmt.Fprintf(out, "  records  %d\n", st.Records)
	switch st.Op {
	case "select", "delete", "fasta":
		fmt.Fprintf(out, "  pass     %d\n  fail     %d\n", st.Pass, st.Fail)
	case "baseline":
		fmt.Fprintf(out, "  germline %d\n  pass     %d\n  fail     %d\n", st.Germlines, st.Pass, st.Fail)
	case "update":
		fmt.Fprintf(out, "  updated  %d\n", st.Updated)
	}
}

func init() {
	split := newParseDbCmd("split", "Split records by the values of a field", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Split(path, pdbField, pdbThreshold.ptr(), out)
	})
	split.Flags().StringVarP(&pdbField, "field", "f", "", "Field to split on")
	split.Flags().Var(&pdbThreshold, "num", "Split numerically into under-<num> and atleast-<num>")
	_ = split.MarkFlagRequired("field")

	add := newParseDbCmd("add", "Add fields with a constant value", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Add(path, pdbFields, pdbValues, out)
	})
	add.Flags().StringArrayVarP(&pdbFields, "fields", "f", nil, "Fields to add")
	add.Flags().StringArrayVarP(&pdbValues, "values", "u", nil, "One value per field")
	_ = add.MarkFlagRequired("fields")
	_ = add.MarkFlagRequired("values")

	index := newParseDbCmd("index", "Add a 1-based record index field", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Index(path, pdbField, out)
	})
	index.Flags().StringVarP(&pdbField, "field", "f", parsedb.DefaultIndexField, "Index field name")

	drop := newParseDbCmd("drop", "Remove fields", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Drop(path, pdbFields, out)
	})
	drop.Flags().StringArrayVarP(&pdbFields, "fields", "f", nil, "Fields to drop")
	_ = drop.MarkFlagRequired("fields")

	del := newParseDbCmd("delete", "Delete records matching field values", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Delete(path, pdbFields, pdbValues, pdbLogic.logic, pdbRegex, out)
	})
	del.Flags().StringArrayVarP(&pdbFields, "fields", "f", nil, "Fields to check")
	del.Flags().StringArrayVarP(&pdbValues, "values", "u", nil, `Values to delete (default: "" and NA)`)
	del.Flags().Var(&pdbLogic, "logic", "Match when any or all fields match")
	del.Flags().BoolVar(&pdbRegex, "regex", false, "Treat values as regular expressions")
	_ = del.MarkFlagRequired("fields")

	rename := newParseDbCmd("rename", "Rename fields", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Rename(path, pdbFields, pdbNames, out)
	})
	rename.Flags().StringArrayVarP(&pdbFields, "fields", "f", nil, "Fields to rename")
	rename.Flags().StringArrayVarP(&pdbNames, "names", "k", nil, "New names, one per field")
	_ = rename.MarkFlagRequired("fields")
	_ = rename.MarkFlagRequired("names")

	sel := newParseDbCmd("select", "Keep records matching field values", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Select(path, pdbFields, pdbValues, pdbLogic.logic, pdbRegex, out)
	})
	sel.Flags().StringArrayVarP(&pdbFields, "fields", "f", nil, "Fields to check")
	sel.Flags().StringArrayVarP(&pdbValues, "values", "u", nil, "Values to keep")
	sel.Flags().Var(&pdbLogic, "logic", "Match when any or all fields match")
	sel.Flags().BoolVar(&pdbRegex, "regex", false, "Treat values as regular expressions")
	_ = sel.MarkFlagRequired("fields")
	_ = sel.MarkFlagRequired("values")

	sortCmd := newParseDbCmd("sort", "Sort records by a field", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Sort(path, pdbField, pdbNumeric, pdbDescend, out)
	})
	sortCmd.Flags().StringVarP(&pdbField, "field", "f", "", "Field to sort by")
	sortCmd.Flags().BoolVar(&pdbNumeric, "num", false, "Sort numerically")
	sortCmd.Flags().BoolVar(&pdbDescend, "descend", false, "Sort in descending order")
	_ = sortCmd.MarkFlagRequired("field")

	update := newParseDbCmd("update", "Replace values in a field", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Update(path, pdbField, pdbValues, pdbUpdates, out)
	})
	update.Flags().StringVarP(&pdbField, "field", "f", "", "Field to update")
	update.Flags().StringArrayVarP(&pdbValues, "values", "u", nil, "Values to replace")
	update.Flags().StringArrayVarP(&pdbUpdates, "updates", "t", nil, "Replacements, one per value")
	_ = update.MarkFlagRequired("field")
	_ = update.MarkFlagRequired("values")
	_ = update.MarkFlagRequired("updates")

	fastaCmd := newParseDbCmd("fasta", "Export records as FASTA", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Fasta(path, parsedb.FastaOptions{
			IDField:    pdbIDField,
			SeqField:   pdbSeqField,
			MetaFields: pdbMeta,
		}, out)
	})
	fastaCmd.Flags().StringVar(&pdbIDField, "if", parsedb.DefaultIDField, "Sequence ID field")
	fastaCmd.Flags().StringVar(&pdbSeqField, "sf", parsedb.DefaultSeqField, "Sequence field")
	fastaCmd.Flags().StringArrayVar(&pdbMeta, "mf", nil, "Fields appended to the header as FIELD=value")

	baseline := newParseDbCmd("baseline", "Export records as a BASELINe clip file", func(path string, out parsedb.Output) (*parsedb.Stats, error) {
		return parsedb.Baseline(path, parsedb.BaselineOptions{
			IDField:      pdbIDField,
			SeqField:     pdbSeqField,
			GermField:    pdbGermField,
			ClusterField: pdbClusterField,
			MetaFields:   pdbMeta,
		}, out)
	})
	baseline.Flags().StringVar(&pdbIDField, "if", parsedb.DefaultIDField, "Sequence ID field")
	baseline.Flags().StringVar(&pdbSeqField, "sf", parsedb.DefaultSeqField, "Sequence field")
	baseline.Flags().StringVar(&pdbGermField, "gf", parsedb.DefaultGermField, "Germline sequence field")
	baseline.Flags().StringVar(&pdbClusterField, "cf", "", "Clone field; one germline per clone instead of per record")
	baseline.Flags().StringArrayVar(&pdbMeta, "mf", nil, "Fields appended to the header as FIELD=value")

	parsedbCmd.AddCommand(split, add, index, drop, del, rename, sel, sortCmd, update, fastaCmd, baseline)
}
