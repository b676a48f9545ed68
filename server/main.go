package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/config"
	"collabtext/discovery"
	"collabtext/store"
)

// memoryStore as the database URL keeps records in process.
const memoryStore = "memory"

var (
	configPath string
	listenAddr string
)

func main() {
	root := &cobra.Command{
		Use:           "collabtext-server",
		Short:         "Relay collaboration rooms and serve records",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.Addr = listenAddr
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.Flags().StringVar(&listenAddr, "addr", "", "listen address (overrides configuration)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "collabtext-server:", err)
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Server.RedisAddr, err)
	}
	logger.Info("connected to redis", "addr", cfg.Server.RedisAddr)

	g, ctx := errgroup.WithContext(ctx)

	var st store.Store
	if cfg.Server.DatabaseURL == memoryStore {
		st = store.NewMemory(nil)
		logger.Warn("records kept in memory only")
	} else {
		pg, err := store.OpenPostgres(ctx, cfg.Server.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		logger.Info("connected to postgres")
		st = pg
		g.Go(func() error { return listen(ctx, pg, logger) })
	}

	rl := newRelay(rdb, cfg.Server.PresenceTTL, logger)
	api := &recordsAPI{store: st, logger: logger}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: newRouter(rl, api)}

	g.Go(func() error {
		logger.Info("collabtext server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return rl.sweep(ctx, cfg.Server.Sweep) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Server.Advertise {
		port, err := discovery.Port(cfg.Server.Addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := discovery.Advertise(ctx, discovery.RoleRelay, port, logger); err != nil {
				logger.Warn("mdns advertising disabled", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func newRouter(rl *relay, api *recordsAPI) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/rooms/{room}", rl.serveRoom)
	r.HandleFunc("/ws/records/{table}/{id}", api.stream)
	r.HandleFunc("/records/{table}/export", api.export).Methods(http.MethodGet)
	r.HandleFunc("/records/{table}/import", api.importRecords).Methods(http.MethodPost)
	r.HandleFunc("/records/{table}/{id}", api.get).Methods(http.MethodGet)
	r.HandleFunc("/records/{table}/{id}", api.put).Methods(http.MethodPut)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"rooms": rl.roomCount()})
	})
	return r
}

// listen keeps the Postgres change listener running, reconnecting with
// backoff.
func listen(ctx context.Context, pg *store.Postgres, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		if err := pg.Listen(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("record listener failed, retrying", "error", err, "wait", wait)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
