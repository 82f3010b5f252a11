// Command taskhub-store runs the task store as a daemon the desktop shell
// connects to, and inspects projects from the command line.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"taskhub/internal/config"
	"taskhub/internal/git"
	"taskhub/internal/store"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "taskhub-store",
		Short:         "Task store for taskhub projects",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		if verr := cfg.Validate(); verr != nil {
			for _, w := range verr.Warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}
		}
		return cfg, nil
	}

	root.AddCommand(serveCmd(load))
	root.AddCommand(tasksCmd(load))
	root.AddCommand(classifyCmd(load))
	root.AddCommand(initCmd(load))
	return root
}

type configLoader func() (config.Config, error)

// openStore opens a store for one-off commands: no file watching and no git
func openStore(cfg config.Config) (*store.Store, error) {
	return store.New(store.Options{
		MarkerDir:   cfg.Store.MarkerDir,
		MaxFileSize: cfg.FileTree.MaxFileSize,
		Ignore:      cfg.FileTree.Ignore,
	})
}

func serveOptions(cfg config.Config) store.Options {
	opts := store.Options{
		MarkerDir:   cfg.Store.MarkerDir,
		MaxFileSize: cfg.FileTree.MaxFileSize,
		Ignore:      cfg.FileTree.Ignore,
		Watch:       true,
	}
	if g := git.NewManager(); g.Available() {
		opts.Git = g
	}
	return opts
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return abs, nil
}
