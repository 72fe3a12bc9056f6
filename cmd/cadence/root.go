package main

import (
	"github.com/spf13/cobra"

	"cadence/internal/config"
)

type globalFlags struct {
	config  string
	envFile []string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	command := &cobra.Command{
		Use:           "cadence",
		Short:         "Persistence-backed task scheduling engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(g.envFile...)
		},
	}
	command.PersistentFlags().StringVarP(&g.config, "config", "c", "./config.yaml", "path to config file (json or yaml)")
	command.PersistentFlags().StringSliceVar(&g.envFile, "env-file", nil, "dotenv files loaded before the config (default .env)")

	command.AddCommand(runCmd(g))
	command.AddCommand(triggerCmd(g))
	command.AddCommand(resetCmd(g))
	command.AddCommand(statusCmd(g))
	command.AddCommand(statsCmd(g))
	return command
}
