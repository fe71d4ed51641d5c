package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/overlaybridge/overlay-bridge/internal/bridge"
	"github.com/overlaybridge/overlay-bridge/internal/broker"
	"github.com/overlaybridge/overlay-bridge/internal/config"
	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/link"
	"github.com/overlaybridge/overlay-bridge/internal/metrics"
	"github.com/overlaybridge/overlay-bridge/internal/overlay"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
	"github.com/overlaybridge/overlay-bridge/internal/status"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Long: `Start the bridge:
- events link: receives overlay events and publishes them to the broker
- control link: sends commands derived from broker messages to the overlay server
- broker link: subscribes to the configured node and publishes events

All links reconnect on their own. Press Ctrl-C to stop.`,
		RunE: runBridge,
	}

	cmd.Flags().String("overlay-host", "", "overlay server host (overrides config)")
	cmd.Flags().Int("overlay-port", 0, "overlay server port (overrides config)")
	cmd.Flags().String("mserver-type", "", "broker type: mhub, nats, kafka, redis, memory (overrides config)")
	cmd.Flags().String("mserver-url", "", "broker URL (overrides config)")
	cmd.Flags().String("status-address", "", "status server address (overrides config)")
	cmd.Flags().Bool("no-status", false, "disable the status server")

	return cmd
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	id, err := identity.New()
	if err != nil {
		return fmt.Errorf("failed to create instance identity: %w", err)
	}

	log.Info("Starting Overlay Bridge",
		"version", version,
		"identity", id.String(),
		"overlay", cfg.Overlay.Address(),
		"mserver_type", cfg.MServer.Type,
		"mserver_url", cfg.MServer.URL,
	)

	m := metrics.New()

	dialer, err := broker.NewDialer(cfg.MServer, id.String())
	if err != nil {
		return fmt.Errorf("failed to create broker dialer: %w", err)
	}

	overlayCfg := overlay.Config{
		Host:           cfg.Overlay.Host,
		Port:           cfg.Overlay.Port,
		AckTimeout:     cfg.Overlay.AckTimeout,
		DialTimeout:    cfg.Overlay.DialTimeout,
		MaxAckTimeouts: cfg.Overlay.MaxAckTimeouts,
	}

	events := link.NewOverlayLink(link.OverlayOptions{
		Role:           link.RoleEvents,
		Identity:       id,
		Dial:           link.DialOverlay(overlayCfg),
		ReconnectDelay: cfg.Overlay.ReconnectDelay,
		Observer:       m,
		Logger:         log,
	})
	control := link.NewOverlayLink(link.OverlayOptions{
		Role:           link.RoleControl,
		Identity:       id,
		Dial:           link.DialOverlay(overlayCfg),
		ReconnectDelay: cfg.Overlay.ReconnectDelay,
		Observer:       m,
		Logger:         log,
	})
	// Losing the events connection also drops the control connection.
	events.CoupleTo(control)

	mserver := link.NewBrokerLink(link.BrokerOptions{
		URL:           cfg.MServer.URL,
		Dialer:        broker.NewInstrumentedDialer(dialer, m),
		SubscribeNode: cfg.MServer.SubscribeNode,
		PublishNode:   cfg.MServer.PublishNode,
		CloseDelay:    cfg.MServer.CloseDelay,
		ErrorDelay:    cfg.MServer.ErrorDelay,
		Observer:      m,
		Logger:        log,
	})

	toBroker := bridge.NewOverlayToBroker(bridge.OverlayToBrokerConfig{
		Identity: id,
		Broker:   mserver,
		Recorder: m,
		Logger:   log,
	})
	toOverlay := bridge.NewBrokerToOverlay(bridge.BrokerToOverlayConfig{
		Identity: id,
		Control:  control,
		Recorder: m,
		Logger:   log,
	})
	events.OnEvent(toBroker.HandleLine)
	mserver.OnMessage(toOverlay.HandleMessage)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(ctx) })
	g.Go(func() error { return control.Run(ctx) })
	g.Go(func() error { return mserver.Run(ctx) })

	if cfg.Status.Enabled {
		statusCfg := status.DefaultConfig()
		statusCfg.Address = cfg.Status.Address
		statusCfg.Version = version

		srv := status.New(statusCfg, id, []status.Link{events, control, mserver}, m, log)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Overlay Bridge stopped")
	return nil
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if verbose {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("overlay-host") {
		cfg.Overlay.Host, _ = cmd.Flags().GetString("overlay-host")
	}
	if cmd.Flags().Changed("overlay-port") {
		cfg.Overlay.Port, _ = cmd.Flags().GetInt("overlay-port")
	}
	if cmd.Flags().Changed("mserver-type") {
		cfg.MServer.Type, _ = cmd.Flags().GetString("mserver-type")
	}
	if cmd.Flags().Changed("mserver-url") {
		cfg.MServer.URL, _ = cmd.Flags().GetString("mserver-url")
	}
	if cmd.Flags().Changed("status-address") {
		cfg.Status.Address, _ = cmd.Flags().GetString("status-address")
	}
	if noStatus, _ := cmd.Flags().GetBool("no-status"); noStatus {
		cfg.Status.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
