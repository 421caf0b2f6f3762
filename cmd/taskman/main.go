package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/danmuck/taskman/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	envConfig     = "TASKMAN_CONFIG"
	defaultConfig = "taskman.toml"
)

func main() {
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("taskman failed")
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "taskman",
		Short:         "Supervise a tree of worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+envConfig+" or ./"+defaultConfig+")")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		if env, ok := os.LookupEnv(envConfig); ok && env != "" {
			return env
		}
		return defaultConfig
	}

	root.AddCommand(newRunCmd(resolve))
	root.AddCommand(newConfigCmd(resolve))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(out, "taskman: version info not available")
				return
			}
			fmt.Fprintf(out, "taskman: %s\n", info.Main.Version)
			fmt.Fprintf(out, "go:      %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Fprintf(out, "commit:  %s\n", s.Value)
				}
			}
		},
	})
	return root
}
