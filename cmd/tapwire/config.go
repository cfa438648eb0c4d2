package main

import (
	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/config"
)

// loadConfig builds a Config from defaults, the --config file (if any),
// and cmd's flags, shared by run and validate so both see the same
// plugins_dir/log_format/etc.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
