package main

import (
	"fmt"

	"github.com/danmuck/taskman/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(resolve func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check a tree config",
	}

	var (
		kind      string
		overwrite bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolve()
			if err := config.WriteTemplate(path, kind, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "tree", "template kind (tree, minimal)")
	initCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a config and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolve()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (node %q, %d workers)\n", path, cfg.Name, len(cfg.Workers))
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
