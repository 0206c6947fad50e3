package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tlsbatch/internal/imgt"
)

var inspectExtract string

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Check an IMGT/HighV-QUEST archive for the required result files",
	Long: `Accepts a zip, tar, tar.gz/tgz archive or an unpacked folder and reports
the summary, gapped, nt-sequences and junction files. A missing or duplicated
file is an error.`,
	Args: cobra.ExactArgs(1),
	RunE: inspectArchive,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectExtract, "extract", "", "Also extract the required files into this directory")
}

func inspectArchive(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	a, err := imgt.Inspect(args[0])
	if err != nil {
		return err
	}
	logger.Debug("Archive inspected", zap.String("path", a.Path), zap.String("format", string(a.Format)))

	fmt.Fprintf(out, "%s (%s, %d entries)\n", a.Path, a.Format, a.Members)
	for _, key := range imgt.Keys() {
		fmt.Fprintf(out, "  %-9s %s\n", key, a.Files[key])
	}

	if inspectExtract == "" {
		return nil
	}
	paths, err := imgt.Extract(args[0], inspectExtract)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "extracted to %s\n", inspectExtract)
	for _, key := range imgt.Keys() {
		fmt.Fprintf(out, "  %-9s %s\n", key, paths[key])
	}
	return nil
}
