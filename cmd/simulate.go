package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zapdesk/pkg/bus"
	"zapdesk/pkg/config"
	"zapdesk/pkg/logger"
	"zapdesk/pkg/responder"
	"zapdesk/pkg/store"
	"zapdesk/pkg/transport/console"
)

var (
	simulateNumber   string
	simulateName     string
	simulateProvider string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Rehearse a customer conversation in the terminal",
	Long:  "Runs the router against an in-memory store with stdin as the customer. Every line is one customer message; replies are printed as bot> lines.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg := simulateConfig()
		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runSimulation(runCtx, cfg, os.Stdin, cmd.OutOrStdout(), appLogger); err != nil {
			appLogger.Error("Simulation failed", "component", "cmd.simulate", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simulateNumber, "number", console.DefaultNumber, "customer phone number")
	simulateCmd.Flags().StringVar(&simulateName, "name", console.DefaultName, "customer display name")
	simulateCmd.Flags().StringVar(&simulateProvider, "provider", responder.ProviderEcho, "responder provider (echo uses no remote model)")
}

// simulateConfig starts from config.json when one is found so provider
// settings carry over, and falls back to defaults otherwise.
func simulateConfig() *config.Config {
	cfg, err := config.LoadConfig()
	if err != nil {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}
	cfg.Responder.Provider = simulateProvider
	cfg.Transport.AuthDir = filepath.Join(os.TempDir(), "zapdesk-simulate")
	cfg.Logging.Level = "warn"
	return cfg
}

func runSimulation(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	driver := &console.Driver{In: in, Out: out, Number: simulateNumber, CustomerName: simulateName}
	st := store.NewMemoryStore()
	defer st.Close()

	app, err := assemble(ctx, cfg, driver, st, log)
	if err != nil {
		return err
	}
	defer app.close()

	events, unsubscribe := app.bus.SubscribeEvents(ctx, 16)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.pipeline.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return waitForSessionEnd(gctx, events)
	})

	if _, err := app.supervisor.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("start console session: %w", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitForSessionEnd returns once a session that was connected reports it is
// no longer connected.
func waitForSessionEnd(ctx context.Context, events <-chan bus.Event) error {
	connected := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			status, isStatus := event.Data.(bus.StatusData)
			if !isStatus {
				continue
			}
			if status.Connected {
				connected = true
				continue
			}
			if connected {
				return nil
			}
		}
	}
}
