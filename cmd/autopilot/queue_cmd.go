package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	jsonx "autopilot/internal/shared/json"
)

func newQueueCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay buffered store writes",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List buffered operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(c.cfg)
			if err != nil {
				return err
			}
			items := q.Items()
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := jsonx.MarshalIndent(items, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "queue is empty")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tTYPE\tTASK\tQUEUED")
			for i, op := range items {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, op.Type, op.TaskID, op.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print the raw operations")

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Replay buffered operations against the task store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer b.close()
			q, err := openQueue(c.cfg)
			if err != nil {
				return err
			}
			report, err := q.Flush(cmd.Context(), b.store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, retained %d, skipped %d\n",
				report.Replayed, report.Retained, report.Skipped)
			for _, f := range report.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %s %s rejected: %s\n", f.Index, f.Operation.Type, f.Operation.TaskID, f.Error)
			}
			if report.Retained > 0 {
				return &ExitCodeError{Code: exitError, Err: fmt.Errorf("%d operations could not be applied", report.Retained)}
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <index>",
		Short: "Drop one buffered operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be an integer: %w", err)
			}
			q, err := openQueue(c.cfg)
			if err != nil {
				return err
			}
			op, err := q.Remove(index)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", op)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every buffered operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(c.cfg)
			if err != nil {
				return err
			}
			n := q.Size()
			if err := q.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d operations\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, flush, remove, clearCmd)
	return cmd
}
