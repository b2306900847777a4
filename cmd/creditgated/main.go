// Command creditgated runs the creditgate admission service and inspects its state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/creditgate/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "creditgated",
		Short:         "creditgated: credit and budget admission control for generation workloads",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default config/$ENV.yaml when present)")

	load := func() (config.Config, error) {
		path := configPath
		if path == "" {
			path = config.PathForEnv()
			if _, err := os.Stat(path); err != nil {
				return config.Default(), nil
			}
		}
		return config.Load(path)
	}

	root.AddCommand(
		newServeCmd(load),
		newBudgetCmd(load),
		newAccountCmd(load),
		newSweepCmd(load),
	)
	return root
}
