package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zapdesk/pkg/authstore"
	"zapdesk/pkg/bus"
	"zapdesk/pkg/config"
	"zapdesk/pkg/gateway"
	"zapdesk/pkg/ingest"
	"zapdesk/pkg/logger"
	"zapdesk/pkg/menu"
	"zapdesk/pkg/responder"
	"zapdesk/pkg/router"
	"zapdesk/pkg/store"
	"zapdesk/pkg/supervisor"
	"zapdesk/pkg/transport"
	"zapdesk/pkg/transport/bridge"
	"zapdesk/pkg/transport/telegram"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the messaging gateway",
	Long:  "Runs the transport session supervisor, conversation router and management API with health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		driver, err := newDriver(cfg, appLogger)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			log.Error("Failed to open store", "path", cfg.Store.Path, "error", err)
			return
		}
		defer st.Close()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := assemble(runCtx, cfg, driver, st, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway", "error", err)
			return
		}
		defer app.close()

		svc, err := gateway.NewService(gateway.Deps{
			Gateway:       cfg.Gateway,
			AutoConnect:   cfg.Transport.AutoConnect,
			Session:       app.supervisor,
			Store:         st,
			Bus:           app.bus,
			Dispatcher:    app.pipeline,
			Conversations: app.router,
			Responder:     app.responder,
		}, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "driver", driver.Name(), "provider", cfg.Responder.Provider, "model", cfg.Responder.Model)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// app holds the wired core shared by the gateway and simulate commands.
type app struct {
	bus        *bus.MessageBus
	supervisor *supervisor.Supervisor
	router     *router.Router
	pipeline   *ingest.Pipeline
	responder  *responder.Responder
}

// close shuts the bus first so a pump blocked on a full inbound queue
// returns before the supervisor waits for it.
func (a *app) close() {
	a.bus.Close()
	if err := a.supervisor.Close(); err != nil {
		slog.Default().Warn("Failed to close session", "error", err)
	}
}

func newDriver(cfg *config.Config, log *slog.Logger) (transport.Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case config.DriverBridge:
		driver, err := bridge.New(cfg.Transport.Bridge, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s driver: %w", config.DriverBridge, err)
		}
		return driver, nil
	case config.DriverTelegram:
		driver, err := telegram.New(cfg.Transport.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s driver: %w", config.DriverTelegram, err)
		}
		return driver, nil
	default:
		return nil, fmt.Errorf("unsupported transport driver %q", cfg.Transport.Driver)
	}
}

func loadMenuSeed(path string) (menu.Seed, error) {
	if strings.TrimSpace(path) == "" {
		return menu.DefaultSeed(), nil
	}
	return menu.LoadSeed(path)
}

func assemble(ctx context.Context, cfg *config.Config, driver transport.Driver, st store.Store, log *slog.Logger) (*app, error) {
	seed, err := loadMenuSeed(cfg.Menu.SeedPath)
	if err != nil {
		return nil, err
	}
	created, err := menu.Apply(ctx, st, seed)
	if err != nil {
		return nil, fmt.Errorf("seed menu: %w", err)
	}
	if created > 0 {
		log.Info("Seeded department menu", "component", "cmd", "options", created)
	}

	auth, err := authstore.New(cfg.Transport.AuthDir)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}

	completer, err := responder.NewCompleter(cfg.Responder)
	if err != nil {
		return nil, fmt.Errorf("configure responder: %w", err)
	}
	reply := responder.New(completer, log)

	messageBus := bus.NewMessageBus()
	sup := supervisor.New(driver, auth, messageBus, st, supervisor.Options{
		MaxReconnectAttempts: cfg.Supervisor.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(cfg.Supervisor.ReconnectDelaySeconds) * time.Second,
	}, log)
	if err := sup.Restore(ctx); err != nil {
		log.Warn("Failed to restore connection record", "component", "cmd", "error", err)
	}

	rtr := router.New(st, reply, sup, router.Options{
		MaxHistory:  cfg.Router.MaxHistory,
		IdleTimeout: time.Duration(cfg.Router.IdleTimeoutMinutes) * time.Minute,
	}, log)
	pipeline := ingest.New(st, rtr, messageBus, ingest.Options{Workers: cfg.Router.Workers}, log)

	return &app{
		bus:        messageBus,
		supervisor: sup,
		router:     rtr,
		pipeline:   pipeline,
		responder:  reply,
	}, nil
}
