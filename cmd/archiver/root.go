package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/nft-collection-archiver/internal/config"
	"github.com/Sternrassler/nft-collection-archiver/pkg/logging"
)

// Version is set at build time.
var Version = "0.1.0"

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	cfg        config.Config
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "archiver",
		Short: "Archive NFT collection images to object storage",
		Long: `Archiver copies every image of an NFT collection from the provider into
durable object storage, in batches, checkpointing progress so interrupted
runs resume where they stopped.

Configuration is read from an optional TOML file (--config or
ARCHIVER_CONFIG) and ARCHIVER_* environment variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg

			logCfg := cfg.LogOptions()
			logCfg.Output = cmd.ErrOrStderr()
			_, closer, err := logging.Setup(logCfg)
			if err != nil {
				return err
			}
			c.logCloser = closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logCloser != nil {
				_ = c.logCloser.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("ARCHIVER_CONFIG"), "path to the TOML configuration file")

	root.AddCommand(newServeCmd(c))
	root.AddCommand(newIngestCmd(c))
	root.AddCommand(newStatusCmd(c))
	return root
}
