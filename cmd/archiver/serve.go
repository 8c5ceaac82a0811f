package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/nft-collection-archiver/internal/httpapi"
	"github.com/Sternrassler/nft-collection-archiver/pkg/dispatch"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front door and the ingestion workers",
		Long: `Serve answers GET /collections/{address} and runs queued collections on a
pool of workers. Unfinished jobs found at startup are queued again.
SIGINT or SIGTERM stops the server; running collections stop at their next
checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
}

func serve(ctx context.Context, c *cli) error {
	logger := log.With().Str("component", "serve").Logger()

	a, err := buildApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	queue, err := a.queue()
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewDispatcher(a.store, queue, c.cfg.Queue.StaleAfter)
	dispatcher.SetExclusive(a.exclusive())
	pool := dispatch.NewPool(queue, a.job.Process, c.cfg.Ingest.Workers)
	server := httpapi.NewServer(dispatcher, c.cfg.Server.Addr, c.cfg.Server.RequestTimeout, a.checks()...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gctx)
	})

	g.Go(func() error {
		n, err := dispatcher.Recover(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recover unfinished jobs: %w", err)
		}
		logger.Info().Int("jobs", n).Msg("Recovered unfinished jobs")
		return nil
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
