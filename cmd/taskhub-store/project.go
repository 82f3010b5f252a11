package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func classifyCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <path>",
		Short: "Report whether a directory is a managed project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			status := "unmanaged"
			if st.IsManaged(path) {
				status = "managed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, status)
			return nil
		},
	}
}

func initCmd(load configLoader) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Make a directory a managed project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if err := st.InitProject(path, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "project name (default directory name)")
	return cmd
}
