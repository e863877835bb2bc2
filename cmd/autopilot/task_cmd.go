package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"autopilot/internal/domain/task"
)

func newTaskCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the backlog",
	}
	cmd.AddCommand(
		newTaskListCommand(c),
		newTaskAddCommand(c),
		newTaskResetCommand(c),
		newTaskQuarantineCommand(c),
	)
	return cmd
}

func newTaskListCommand(c *cli) *cobra.Command {
	var (
		statuses []string
		feature  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in selection order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer b.close()
			l, err := lister(b.store)
			if err != nil {
				return err
			}
			filter := task.Filter{Feature: feature}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, task.Status(strings.TrimSpace(s)))
			}
			tasks, err := l.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tFEATURE\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Feature, t.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list tasks with these statuses")
	cmd.Flags().StringVar(&feature, "feature", "", "only list tasks of this feature")
	return cmd
}

func newTaskAddCommand(c *cli) *cobra.Command {
	var draft task.Draft
	var priority string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a pending task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer b.close()
			creator, ok := b.store.(task.Creator)
			if !ok {
				return fmt.Errorf("task store %T cannot add tasks", b.store)
			}
			draft.Title = strings.Join(args, " ")
			draft.Priority = task.Priority(priority)
			created, err := creator.Add(cmd.Context(), draft)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&draft.Description, "description", "", "task details passed to the agent")
	f.StringVar(&priority, "priority", string(task.PriorityMedium), "high, medium or low")
	f.StringVar(&draft.Feature, "feature", "", "feature the task belongs to")
	f.StringVar(&draft.ParentID, "parent", "", "parent task id")
	f.StringSliceVar(&draft.DependsOn, "depends-on", nil, "ids that must complete first")
	return cmd
}

func newTaskResetCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>...",
		Short: "Put tasks back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer b.close()
			for _, id := range args {
				if err := b.store.ResetToPending(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s pending\n", id)
			}
			return nil
		},
	}
}

func newTaskQuarantineCommand(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "quarantine <id>",
		Short: "Exclude a task from selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer b.close()
			if err := b.store.MarkQuarantined(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s quarantined\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "quarantined by operator", "recorded on the task")
	return cmd
}
