// Package app provides the main Hanbai application
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"maunium.net/go/mautrix/event"

	"github.com/okonuma/hanbai/internal/hanbai/capability"
	"github.com/okonuma/hanbai/internal/hanbai/commands"
	"github.com/okonuma/hanbai/internal/hanbai/config"
	"github.com/okonuma/hanbai/internal/hanbai/confirm"
	"github.com/okonuma/hanbai/internal/hanbai/executor"
	"github.com/okonuma/hanbai/internal/hanbai/kv"
	"github.com/okonuma/hanbai/internal/hanbai/ledger"
	"github.com/okonuma/hanbai/internal/hanbai/matrix"
	"github.com/okonuma/hanbai/internal/hanbai/observability"
	"github.com/okonuma/hanbai/internal/hanbai/store"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
	"github.com/okonuma/hanbai/internal/hanbai/tools"
	"github.com/okonuma/hanbai/internal/hanbai/upstream"
)

// App is the main Hanbai application
type App struct {
	config    *config.Config
	store     *store.Store
	matrix    *matrix.Client
	assistant *commands.Assistant
}

// New wires the full pipeline: config, SQLite store, upstream client,
// capability registry, tool registry, token service, ledger, executor,
// command router, and the Matrix client.
func New(cfg *config.Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	matrixCfg := matrix.Config{
		Homeserver:    cfg.Matrix.Homeserver,
		UserID:        cfg.Matrix.UserID,
		AccessToken:   cfg.Matrix.AccessToken,
		OperatorRooms: cfg.Matrix.OperatorRooms,
		NotifyRoom:    cfg.Matrix.NotifyRoom,
		DB:            st.DB(),
	}
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	doer := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey,
		upstream.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout}))

	registry := tool.NewRegistry()
	var notifier tools.Notifier
	if cfg.Matrix.NotifyRoom != "" {
		notifier = matrixClient
	}
	if err := tools.Register(registry, doer, notifier); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	caps := capability.NewRegistry(doer, kv.New(), cfg.Plans.CapabilityTTL)
	tokens := confirm.NewService(kv.New(), cfg.Plans.ConfirmTTL)

	exec := executor.New(executor.Config{
		Tools:         registry,
		Caps:          caps,
		Tokens:        tokens,
		Ledger:        ledger.New(st.DB()),
		State:         kv.New(),
		Audit:         st,
		AllowList:     cfg.Plans.AllowedTools,
		ActivePlanTTL: cfg.Plans.ActivePlanTTL,
	})

	handlers := commands.NewHandlers(st, caps, registry)
	assistant := commands.NewAssistant(commands.NewRouter("/hanbai"), handlers, exec, tokens)

	return &App{
		config:    cfg,
		store:     st,
		matrix:    matrixClient,
		assistant: assistant,
	}, nil
}

// Run starts the Matrix sync loop and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	slog.Info("Hanbai is ready", "rooms", len(a.config.Matrix.OperatorRooms))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return nil
}

// Stop shuts down the Matrix client and closes the database.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage feeds one Matrix event through the assistant and posts the
// reply back to the room it came from.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	reply := a.assistant.HandleMessage(ctx, evt)
	if reply == "" {
		return
	}
	if err := a.matrix.SendMessage(evt.RoomID.String(), reply); err != nil {
		slog.Error("failed to send reply", "room", evt.RoomID, "err", err)
	}
}
