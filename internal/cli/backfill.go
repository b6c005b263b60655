package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgefit/deferred/backfill"
	"github.com/forgefit/deferred/redislock"
	"github.com/spf13/cobra"
)

var errRedisRequired = errors.New("REDIS_ADDR is required for backfill")

func newBackfillCmd(boot *bootstrap) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "One-off data backfills",
	}

	var batchSize int

	notifications := &cobra.Command{
		Use:   "notifications",
		Short: "Emit notification.requested outbox events for pending and failed notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			e, err := boot.open(ctx)
			if err != nil {
				return err
			}

			defer func() { _ = e.close(context.Background()) }()

			if e.cfg.RedisAddr == "" {
				return errRedisRequired
			}

			rdb, err := redislock.Connect(ctx, e.cfg.RedisAddr, e.cfg.RedisPassword, e.cfg.RedisDB)
			if err != nil {
				return err
			}

			defer func() { _ = rdb.Close() }()

			locker, err := redislock.New(rdb, redislock.WithLogger(e.logger))
			if err != nil {
				return err
			}

			b, err := backfill.New(e.store, locker, backfill.WithLogger(e.logger), backfill.WithBatchSize(batchSize))
			if err != nil {
				return err
			}

			res, err := b.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, inserted %d, skipped %d\n", res.Scanned, res.Inserted, res.Skipped)

			return nil
		},
	}

	notifications.Flags().IntVar(&batchSize, "batch-size", backfill.DefaultBatchSize, "notifications read per page")

	cmd.AddCommand(notifications)

	return cmd
}
