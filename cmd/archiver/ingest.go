package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/nft-collection-archiver/pkg/dispatch"
)

func newIngestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <address>",
		Short: "Archive one collection in the foreground",
		Long: `Ingest runs a single collection in this process, resuming from its stored
checkpoint, and returns when the collection is finished or the run stops.

Example:
  archiver ingest 0x5af0d9827e0c53e4799bb226655a1de152a425a5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ingestOne(ctx, c, cmd, args[0])
		},
	}
}

func ingestOne(ctx context.Context, c *cli, cmd *cobra.Command, rawID string) error {
	id, err := dispatch.NormalizeCollectionID(rawID)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.job.Run(ctx, id); err != nil {
		return fmt.Errorf("ingest %s: %w", id, err)
	}

	record, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d %s\n", record.CollectionID, record.Status, record.Cursor, record.DestinationLink)
	return nil
}
