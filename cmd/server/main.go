package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	port       int
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	serve := newServeCmd(flags)
	root := &cobra.Command{
		Use:           "session-timer",
		Short:         "Real-time session timer backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "Path to config file")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "Override server port")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log level (debug|info|warn|error)")

	root.AddCommand(serve)
	root.AddCommand(newHistoryCmd(flags))
	return root
}
