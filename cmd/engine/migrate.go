package main

import (
	"fmt"

	idb "uci_middleware/internal/infra/database"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := idb.NewPostgresConnection(ctx, opts.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if !statusOnly {
				if err := idb.Migrate(ctx, db); err != nil {
					return err
				}
			}
			version, err := idb.MigrationVersion(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "Only print the current schema version")
	return cmd
}
