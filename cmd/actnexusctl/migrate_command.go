package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"actnexus/internal/platform/postgres"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.openDB(cmd.Context(), ctx.cfg().Database)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := postgres.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "Schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(out, "Applied %s\n", v)
			}
			return nil
		},
	}
}
