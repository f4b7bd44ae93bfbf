package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devdost/wsync/config"
	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/gateway"
	"github.com/devdost/wsync/internal/ledger"
	"github.com/devdost/wsync/registry"
	"github.com/devdost/wsync/runner"
	"github.com/devdost/wsync/syncbus"
	"github.com/devdost/wsync/watcher"
	"github.com/devdost/wsync/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const watchAttempts = 5

var (
	serveAddr     string
	serveNoRunner bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the sync root and serve the sync gateway",
	Long: `Start the sync engine in the foreground.

The server will:
- Watch every project under the sync root for changes made by other tools
- Serve the HTTP API and the websocket channel on --addr
- Broadcast every change to the connected clients, except to the client
  that made it
- Expose Prometheus metrics on /metrics

Stop it with Ctrl+C; running development servers are stopped with it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, 127.0.0.1:8765)")
	serveCmd.Flags().BoolVar(&serveNoRunner, "no-runner", false, "Disable the development server routes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve wires the engine together and blocks until ctx is cancelled or a
// component fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg, err := registry.New(cfg.Root, logger.Named("registry"))
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fl := filter.New(cfg.Sync.FilterOptions())
	led := ledger.New(cfg.Sync.LedgerTTL())
	bus := syncbus.New(syncbus.Options{
		QueueSize:  cfg.Sync.QueueSize,
		Registerer: promReg,
		Logger:     logger.Named("bus"),
	})
	defer bus.Close()

	svc := workspace.New(reg, workspace.Options{
		Filter:    fl,
		Ledger:    led,
		Publisher: bus,
		Logger:    logger.Named("workspace"),
	})

	gwOpts := gateway.Options{
		Addr:     cfg.Server.Addr,
		Gatherer: promReg,
		Logger:   logger.Named("gateway"),
	}
	if !serveNoRunner {
		run, err := runner.New(runner.Options{
			StateDir: config.GetRunDir(cfg.Root),
			Grace:    cfg.Runner.Grace(),
			Logger:   logger.Named("runner"),
		})
		if err != nil {
			return err
		}
		defer run.StopAll()
		reg.OnDelete(run.DeleteHook())
		gwOpts.Runner = run
	}
	reg.OnDelete(func(_ context.Context, name string) error {
		if n := bus.RevokeProject(name); n > 0 {
			logger.Info("closed subscriptions of deleted project", zap.String("project", name), zap.Int("subscriptions", n))
		}
		return nil
	})

	w, err := watcher.New(reg, watcher.Options{
		Debounce: cfg.Watch.Debounce(),
		Settle:   cfg.Watch.Settle(),
		Filter:   fl,
		Ledger:   led,
		Logger:   logger.Named("watcher"),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.StartWithRetry(ctx, watchAttempts, watcher.RetryBackoff); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to watch %s: %w", cfg.Root, err)
	}

	gw := gateway.New(svc, bus, gwOpts)

	logger.Info("wsync started",
		zap.String("root", cfg.Root),
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx, func(ev event.Event) {
			bus.Publish(ev, event.OriginExternal)
		})
	})
	g.Go(func() error {
		return gw.Run(gctx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
