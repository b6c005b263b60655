// Package cli is the deferred command line: the worker process and its
// operator commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. register installs the business
// handlers the worker serves; it may be nil.
func NewRootCmd(register Registrar) *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "deferred",
		Short:         "Reliable deferred execution worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before the environment (default .env)")

	boot := &bootstrap{envFiles: &envFiles}

	root.AddCommand(
		newRunCmd(boot, register),
		newMigrateCmd(boot),
		newStatusCmd(boot),
		newRequeueCmd(boot),
		newBackfillCmd(boot),
	)

	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute(register Registrar) {
	if err := NewRootCmd(register).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
