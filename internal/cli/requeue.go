package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var errUnknownKind = errors.New("unknown kind")

func parseKind(raw string) (workitem.Kind, error) {
	kind := workitem.Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.IsValid() {
		names := make([]string, 0, len(workitem.Kinds()))
		for _, k := range workitem.Kinds() {
			names = append(names, string(k))
		}

		return "", fmt.Errorf("%w %q (want one of %s)", errUnknownKind, raw, strings.Join(names, ", "))
	}

	return kind, nil
}

func newRequeueCmd(boot *bootstrap) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <kind> <id>",
		Short: "Move a failed item back to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}

			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[1], err)
			}

			ctx := cmd.Context()

			e, err := boot.open(ctx)
			if err != nil {
				return err
			}

			defer func() { _ = e.close(context.Background()) }()

			if err := e.store.Requeue(ctx, kind, id, time.Now().UTC()); err != nil {
				return fmt.Errorf("requeue %s %s: %w", kind, id, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s %s\n", kind, id)

			return nil
		},
	}
}
