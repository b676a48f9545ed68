package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/awareness"
	"collabtext/channel"
	"collabtext/config"
	"collabtext/discovery"
	"collabtext/realtime"
)

var (
	configPath string
	serverURL  string
	userID     string
	userName   string
)

func main() {
	root := &cobra.Command{
		Use:           "collabtext-agent",
		Short:         "Connect a local editor to collaboration rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Agent.ServerURL = serverURL
			}
			return run(cmd.Context(), cfg)
		},
	}
	host, _ := os.Hostname()
	root.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.Flags().StringVar(&serverURL, "server", "", "relay server URL, e.g. ws://localhost:8081 (default: discover via mDNS)")
	root.Flags().StringVar(&userID, "user-id", host, "user id shown to collaborators")
	root.Flags().StringVar(&userName, "user-name", host, "display name shown to collaborators")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "collabtext-agent:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayURL := cfg.Agent.ServerURL
	if relayURL == "" {
		findCtx, cancel := context.WithTimeout(ctx, cfg.Agent.Discover)
		relayURL, err = discovery.FindRelay(findCtx, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("no relay configured and none discovered: %w", err)
		}
	}

	persist, err := openPersister(cfg.Agent.DataPath)
	if err != nil {
		return err
	}
	defer persist.Close()
	if stored, err := persist.rooms(); err == nil && len(stored) > 0 {
		logger.Info("restored offline text", "rooms", len(stored))
	}

	instance := uuid.NewString()
	logger = logger.With("agent", instance)

	g, ctx := errgroup.WithContext(ctx)
	var hub *uiHub
	s := newSessions(ctx,
		&channel.WSTransport{BaseURL: relayURL, Heartbeat: cfg.Agent.Heartbeat, Logger: logger},
		&realtime.WSFeed{BaseURL: relayURL},
		newRecordClient(relayURL),
		persist,
		cfg.Collab,
		awareness.State{UserID: userID, UserName: userName},
		func(v any) { hub.publish(v) },
		logger,
	)
	hub = newUIHub(s.handle, logger)
	defer s.closeAll()

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(cfg.Agent.StaticDir)))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})
	srv := &http.Server{Addr: cfg.Agent.Addr, Handler: mux}

	g.Go(func() error { return hub.run(ctx) })
	g.Go(func() error {
		logger.Info("collabtext agent is running", "addr", cfg.Agent.Addr, "relay", relayURL)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if port, err := discovery.Port(cfg.Agent.Addr); err == nil {
		g.Go(func() error {
			if err := discovery.Advertise(ctx, discovery.RoleAgent, port, logger); err != nil {
				logger.Warn("mdns advertising disabled", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
