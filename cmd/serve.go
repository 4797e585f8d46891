package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pagebrain/capd/internal/archive"
	"github.com/pagebrain/capd/internal/bus"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/gateway"
	"github.com/pagebrain/capd/internal/observability"
	"github.com/pagebrain/capd/internal/orchestrator"
	"github.com/pagebrain/capd/internal/provider"
	"github.com/pagebrain/capd/internal/scrape"
	"github.com/pagebrain/capd/internal/secrets"
	"github.com/pagebrain/capd/internal/taskstore"
	"github.com/pagebrain/capd/internal/validate"
)

const eventBufferSize = 64

// newServeCmd creates the `serve` command, the daemon's main mode.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the capture daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("gateway.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	serveCmd.Flags().String("addr", "", "listen address for the gateway (overrides config)")
	return serveCmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()

	db, err := taskstore.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := taskstore.New(ctx, db, cfg.Capture.StaleAfter, cfg.Capture.HistoryLimit, logger)
	if err != nil {
		return err
	}

	secretStore := secrets.New(cfg.Providers.EncryptionEnabled, "", logger)
	registry := provider.NewRegistry(cfg.Providers, secretStore, logger)
	eventBus := bus.New(logger, eventBufferSize)
	defer eventBus.Shutdown()

	var archiver orchestrator.Archiver
	var archiveClient *archive.Client
	if cfg.Archive.Enabled {
		archiveClient = archive.New(
			cfg.Archive,
			secretStore.Decrypt(cfg.Archive.EncryptedAccessToken),
			secretStore.Decrypt(cfg.Archive.EncryptedRefreshToken),
			store, logger)
		archiver = archiveClient
	}

	orch := orchestrator.New(cfg, registry, store, eventBus, archiver, logger)
	scraper := scrape.New(logger)
	validator := validate.New(validate.DefaultTimeout, logger)
	server := gateway.New(cfg, orch, scraper, validator, store, eventBus, secretStore, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch.StartSweeper(runCtx)

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down gateway")
		return server.Shutdown(context.Background())
	})

	if archiveClient != nil {
		interval := cfg.Archive.FlushInterval
		if interval <= 0 {
			interval = time.Minute
		}
		g.Go(func() error {
			archiveClient.StartFlusher(gCtx, interval)
			return nil
		})
	}

	err = g.Wait()
	cancel()
	orch.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Daemon stopped")
	return nil
}
