package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MidknightMantra/MidKnight/internal/adapters/daemon"
	"github.com/MidknightMantra/MidKnight/internal/adapters/transport"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the bot",
	Long: `Connect to the messaging bridge and start dispatching messages.

The process also serves health probes and the operator endpoints when
health.enabled is set. SIGINT and SIGTERM drain running handlers and flush
the store before exiting.`,
	RunE: runStart,
}

var startBridgeURL string

func init() {
	startCmd.Flags().StringVar(&startBridgeURL, "bridge", "", "bridge websocket URL (overrides transport.bridge_url)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if startBridgeURL != "" {
		cfg.Transport.BridgeURL = startBridgeURL
	}
	if cfg.Transport.BridgeURL == "" {
		return fmt.Errorf("no bridge configured: set transport.bridge_url or pass --bridge")
	}

	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := transport.NewBridge(transport.BridgeOptions{
		URL:            cfg.Transport.BridgeURL,
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		SendTimeout:    cfg.Transport.SendTimeout,
	}, logger.With("component", "bridge"))

	app, err := newApp(ctx, cfg, logger, bridge)
	if err != nil {
		return err
	}
	app.Health.RegisterChecker("transport", services.TransportChecker(bridge.Connected))

	logger.Info("Starting bot",
		"name", cfg.Bot.Name,
		"prefix", cfg.Bot.Prefix,
		"mode", cfg.Bot.Mode,
		"owners", len(cfg.Bot.Owners),
		"store", app.Store.Backend(),
		"plugins", app.Registry.Count(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx, app.Dispatcher)
	})
	if cfg.Health.Enabled {
		server := daemon.NewHTTPServer(cfg.Health.Addr, app.Health, app.Admin, Version, logger.With("component", "http"))
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("Bot stopped with error", "error", runErr)
	} else {
		logger.Info("Shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}
	return runErr
}
