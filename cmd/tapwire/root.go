package main

import (
	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the tapwire CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tapwire",
		Short: "tapwire - a scriptable serial/RTT monitor plugin runtime",
		Long: `tapwire runs Lua plugins against a serial or RTT byte stream,
dispatching transport events and lifecycle callbacks through a
single-threaded coroutine scheduler.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tapwire version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(cmd.Root().Version)
			return nil
		},
	}
}
