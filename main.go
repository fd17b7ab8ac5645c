package main

import (
	"os"

	"mvpdeploy/internal"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "mvpdeploy",
		Short:        "Deploy purchased codebases into buyer-owned repositories and hosting",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newWatchCmd())

	err := root.Execute()
	internal.SyncLogs()
	if err != nil {
		os.Exit(1)
	}
}
