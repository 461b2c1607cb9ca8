package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mystilabs/mysti/daemon/config"
)

type daemonOptions struct {
	flags      *pflag.FlagSet
	config     *config.Config
	configFile string
}

func newDaemonCommand() *cobra.Command {
	opts := &daemonOptions{config: config.New()}

	cmd := &cobra.Command{
		Use:           "mystid [OPTIONS]",
		Short:         "Orchestrator for a local AI image-generation stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config-file", "", "Path to the JSON configuration file")
	opts.config.InstallFlags(flags)
	return cmd
}

func main() {
	cmd := newDaemonCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mystid: %v\n", err)
		os.Exit(1)
	}
}
