package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskhub/internal/tasks"
)

func tasksCmd(load configLoader) *cobra.Command {
	var (
		filter  string
		asJSON  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "tasks <path>",
		Short: "List a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := tasks.Filter(filter)
			if !f.Valid() {
				return fmt.Errorf("unknown filter %q (all, pending, inProgress, completed)", filter)
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			path, err := absPath(args[0])
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.Snapshot(path)
			if err != nil {
				return err
			}
			list := tasks.Project(snap.Tasks, f)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No tasks")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCATEGORY\tTITLE")
			for _, t := range list {
				title := t.Title
				if verbose {
					title = tasks.Describe(t)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(t.ID), t.Status, t.Priority, t.Category, title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", string(tasks.FilterAll), "all, pending, inProgress or completed")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show descriptions")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
