package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medtrust/anchord/anchor"
	"github.com/medtrust/anchord/api"
	"github.com/medtrust/anchord/chain"
	"github.com/medtrust/anchord/config"
	"github.com/medtrust/anchord/db"
	"github.com/medtrust/anchord/history"
	"github.com/medtrust/anchord/ingest"
	"github.com/medtrust/anchord/logger"
	"github.com/medtrust/anchord/pipeline"
	"github.com/medtrust/anchord/store"
	"github.com/medtrust/anchord/verify"
)

const dbFileName = "anchor_data.db"

var version = "dev"

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
}

func startCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the anchoring daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "home", defaultConfigDir(), "directory holding anchord_config.json and the database")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print anchord version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Go:         %s\n", runtime.Version())
		},
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home + "/.anchord"
}

// run boots the daemon: storage, chain client, submission pipeline with
// its recovery sweep, ingestion workers, then the API. Without a signer
// key the daemon comes up read-only: verification, history, and ingestion
// run; submission reports a Configuration error.
func run(configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
	log.Info().Str("config_dir", configDir).Bool("submit_enabled", cfg.SubmitEnabled()).Msg("anchord starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.OpenFileDB(cfg.DataDir, dbFileName, true)
	if err != nil {
		return err
	}
	defer database.Close()

	anchors := store.NewAnchorStore(database.Client(), log)
	marks := store.NewWatermarkStore(database.Client())
	histories := history.NewAggregator(database.Client(), cfg, log)

	var chainClient *chain.Client
	if cfg.RPCURL != "" {
		chainClient, err = chain.Dial(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer chainClient.Close()
	} else {
		log.Warn().Msg("no rpc endpoint configured; chain reads and submission disabled")
	}

	var submitter *pipeline.Submitter
	if cfg.SubmitEnabled() {
		if err := config.MustSubmitReady(cfg); err != nil {
			return err
		}
		submitter = pipeline.NewSubmitter(chainClient, anchors, cfg, histories, log)
		if err := submitter.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("ledger recovery sweep failed")
		}
		submitter.Start(ctx)
		defer submitter.Stop()
	}

	var ingester *ingest.Ingester
	if chainClient != nil {
		var resubmitter ingest.Resubmitter
		if submitter != nil {
			resubmitter = submitter
		}
		ingester = ingest.NewIngester(chainClient, database.Client(), anchors, marks, resubmitter, histories, cfg, log)
		ingester.Start(ctx)
		defer ingester.Stop()
	}

	verifier := verify.NewVerifier(chainReader(chainClient), anchors, log)
	svc := anchor.NewService(anchors, submitter, verifier, histories, log)

	server := api.NewServer(svc, cfg, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("api server failed")
			return err
		}
	}

	server.Stop()
	// The deferred stops run before the deferred cancel, so the workers
	// drain with a live context; an in-flight transaction is left
	// SUBMITTED for the next boot's recovery sweep instead of being
	// failed by a cancelled receipt await.
	return nil
}

// chainReader avoids handing the verifier a typed nil when the daemon has
// no RPC endpoint.
func chainReader(c *chain.Client) verify.HashReader {
	if c == nil {
		return nil
	}
	return c
}
