package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telekom/mail-courier/pkg/api"
	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/listener"
	"github.com/telekom/mail-courier/pkg/system"
	"github.com/telekom/mail-courier/pkg/version"
)

func NewServeCommand() *cobra.Command {
	var skipListener bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops server, quota sweeps and mailbox listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg, err := rt.LoadConfig()
			if err != nil {
				return err
			}
			zlog, err := system.NewLogger(rt.debug)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer func() { _ = zlog.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, zlog, rt.debug, !skipListener)
		},
	}

	cmd.Flags().BoolVar(&skipListener, "no-listen", false, "Do not monitor configured mailboxes")

	return cmd
}

// serve blocks until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg config.Config, zlog *zap.Logger, debug, listen bool) error {
	log := zlog.Sugar()
	log.Infow("Starting courier", "version", version.Version, "commit", version.GitCommit, "transport", cfg.Transport)

	svc, err := NewServices(cfg, nil, zlog)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warnw("Shutdown incomplete", "error", err)
		}
	}()

	server := api.NewServer(zlog, cfg.Server, debug)
	defer server.Close()
	if err := server.RegisterAll([]api.APIController{&api.StatusController{
		Listener:  svc.Listener,
		Breakers:  svc.Adapter,
		Quota:     svc.Governor,
		Campaigns: svc.Orchestrator,
		Log:       log,
	}}); err != nil {
		return fmt.Errorf("registering ops routes: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Governor.Start(ctx)
		return nil
	})
	g.Go(func() error {
		svc.Orchestrator.StartCleanup(ctx, cfg.Campaign.CleanupInterval, cfg.Campaign.RetentionAge)
		return nil
	})
	g.Go(func() error {
		return server.Listen(ctx)
	})

	if listen {
		started, err := svc.Listener.MonitorAll(ctx, listener.ConfigAccountSource{Accounts: cfg.Accounts})
		if err != nil {
			log.Errorw("Failed to start mailbox listeners", "error", err)
		} else {
			log.Infow("Mailbox listeners started", "accounts", started, "configured", len(cfg.Accounts))
		}
	}

	err = g.Wait()
	log.Info("Courier stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
