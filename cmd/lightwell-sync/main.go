package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Michaelrobins938/lightwell-sync/internal/config"
	"github.com/Michaelrobins938/lightwell-sync/internal/engine"
	"github.com/Michaelrobins938/lightwell-sync/internal/logging"
	"github.com/Michaelrobins938/lightwell-sync/internal/realtime"
	"github.com/Michaelrobins938/lightwell-sync/internal/state"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("lightwell-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	eng, err := engine.New(cfg, appState, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	logInboundEvents(eng, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		eng.Start(gctx)
		<-gctx.Done()
		eng.Stop()

		return nil
	})

	return g.Wait()
}

// logInboundEvents subscribes a logging listener for every inbound
// event type so the daemon's activity is visible without a UI attached.
func logInboundEvents(eng *engine.Engine, logger *slog.Logger) {
	for _, eventType := range []string{
		realtime.EventTaskUpdate,
		realtime.EventEquipmentAlert,
		realtime.EventCollaborationMessage,
		realtime.EventSystemNotification,
	} {
		eng.Dispatcher().Subscribe(eventType, realtime.ListenerFunc(func(ev realtime.Event) {
			logger.Info("event received",
				slog.String("type", ev.Type),
				slog.Int("bytes", len(ev.Data)),
			)
		}))
	}
}
