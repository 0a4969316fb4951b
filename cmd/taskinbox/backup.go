package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/audit"
)

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup DEST",
		Short: "Write a consistent copy of the task database to DEST",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return usagef("resolve %s: %v", args[0], err)
			}
			if _, err := a.openEngine(cmd.Context()); err != nil {
				return err
			}
			if err := a.store.Backup(cmd.Context(), dest); err != nil {
				return err
			}
			audit.Record(cmd.Context(), audit.ActionBackup, dest, 1, "")
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", a.store.Path(), dest)
			return nil
		},
	}
}
