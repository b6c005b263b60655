package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/spf13/cobra"
)

var statusStates = []workitem.State{
	workitem.StatePending,
	workitem.StateProcessing,
	workitem.StateSucceeded,
	workitem.StateFailed,
}

func newStatusCmd(boot *bootstrap) *cobra.Command {
	var failures int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print item counts per queue and the most recent failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			e, err := boot.open(ctx)
			if err != nil {
				return err
			}

			defer func() { _ = e.close(context.Background()) }()

			counts, err := e.store.Counts(ctx)
			if err != nil {
				return err
			}

			if err := writeCounts(cmd.OutOrStdout(), counts); err != nil {
				return err
			}

			if failures <= 0 {
				return nil
			}

			recent, err := e.store.RecentFailures(ctx, failures)
			if err != nil {
				return err
			}

			return writeFailures(cmd.OutOrStdout(), recent)
		},
	}

	cmd.Flags().IntVar(&failures, "failures", 10, "number of recent failures to list (0 to skip)")

	return cmd
}

func writeCounts(out io.Writer, counts workitem.Counts) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	header := []string{"KIND"}
	for _, s := range statusStates {
		header = append(header, strings.ToUpper(s.String()))
	}

	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, kind := range workitem.Kinds() {
		row := []string{string(kind)}
		for _, s := range statusStates {
			row = append(row, fmt.Sprint(counts.Get(kind, s)))
		}

		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	return tw.Flush()
}

func writeFailures(out io.Writer, failures []workitem.Failure) error {
	if len(failures) == 0 {
		_, err := fmt.Fprintln(out, "\nno failed items")
		return err
	}

	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tID\tATTEMPTS\tUPDATED\tLAST ERROR")

	for _, f := range failures {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			f.Kind, f.ID, f.Attempts, f.UpdatedAt.UTC().Format(time.RFC3339), oneLine(f.LastError))
	}

	return tw.Flush()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
