package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tlsbatch/internal/store"
	"tlsbatch/internal/ux"
)

var (
	historyLimit int
	historyPlain bool
	historyWidth int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past runs from the run ledger",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  historyList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run and its items (an unambiguous id prefix is enough)",
	Args:  cobra.ExactArgs(1),
	RunE:  historyShow,
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyShowCmd.Flags().BoolVar(&historyPlain, "plain", false, "Print raw markdown")
	historyShowCmd.Flags().IntVar(&historyWidth, "width", 100, "Word wrap width for the rendered report")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
}

// openLedger opens the run ledger without creating one in a fresh workspace.
func openLedger(ctx context.Context) (*store.Store, error) {
	c, err := currentConfig()
	if err != nil {
		return nil, err
	}
	path := c.DatabasePath(resolveWorkspace())
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return store.Open(ctx, path)
}

func historyList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	st, err := openLedger(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tLINES\tOK\tFAILED\tMAPPING")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Status,
			r.Total, r.Succeeded, r.Failed+r.Skipped+r.Killed, r.MappingFile)
	}
	return tw.Flush()
}

func historyShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, err := openLedger(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, args[0])
	}
	defer st.Close()

	run, err := st.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	items, err := st.Items(ctx, run.ID)
	if err != nil {
		return err
	}

	report, err := ux.RenderReport(run, items, historyPlain, historyWidth)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), report)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
