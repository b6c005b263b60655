package cli

import (
	"context"
	"fmt"

	"github.com/forgefit/deferred/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCmd(boot *bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}

			ctx := cmd.Context()

			e, err := boot.open(ctx)
			if err != nil {
				return err
			}

			defer func() { _ = e.close(context.Background()) }()

			switch action {
			case "down":
				return postgres.MigrateDown(ctx, e.client, e.logger)
			case "version":
				st, err := postgres.Status(ctx, e.client)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", st.Version, st.Dirty)

				return nil
			default:
				return postgres.Migrate(ctx, e.client, e.logger)
			}
		},
	}
}
