package main

import (
	"os"

	"github.com/grantwatch/grantwatch/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "grantwatch",
	Short:         "Grantwatch reconciles directory snapshots into a who-granted-what-to-which-app graph.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
			Command: cmd.CommandPath(),
			Writer:  os.Stderr,
		})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, reconcileCmd, dedupeCmd, migrateCmd, orgsCmd, credentialsCmd)
}
