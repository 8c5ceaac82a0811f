package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/nft-collection-archiver/pkg/dispatch"
	"github.com/Sternrassler/nft-collection-archiver/pkg/jobstore"
)

func newStatusCmd(c *cli) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status [address]",
		Short: "Print stored job records",
		Long: `Status prints the stored record of a collection as JSON. With --unfinished
it lists every pending or in-progress record instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("an address or --unfinished is required")
			}

			ctx := cmd.Context()
			a, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if all {
				jobs, err := a.store.ListUnfinished(ctx)
				if err != nil {
					return fmt.Errorf("list unfinished jobs: %w", err)
				}
				if jobs == nil {
					jobs = []jobstore.CollectionJob{}
				}
				return enc.Encode(jobs)
			}

			id, err := dispatch.NormalizeCollectionID(args[0])
			if err != nil {
				return err
			}
			record, err := a.store.Get(ctx, id)
			if errors.Is(err, jobstore.ErrJobNotFound) {
				return fmt.Errorf("no job recorded for %s", id)
			}
			if err != nil {
				return err
			}
			return enc.Encode(record)
		},
	}

	cmd.Flags().BoolVar(&all, "unfinished", false, "list every unfinished job")
	return cmd
}
