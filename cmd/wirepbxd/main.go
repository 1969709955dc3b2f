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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wirepbx/wirepbx/internal/api"
	"github.com/wirepbx/wirepbx/internal/config"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/events"
	"github.com/wirepbx/wirepbx/internal/fabric"
	"github.com/wirepbx/wirepbx/internal/ivr"
	"github.com/wirepbx/wirepbx/internal/metrics"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
	"github.com/wirepbx/wirepbx/internal/registry"
	"github.com/wirepbx/wirepbx/internal/route"
	sigbridge "github.com/wirepbx/wirepbx/internal/signal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting wirepbx",
		"http_port", cfg.HTTPPort,
		"sip_listen", cfg.SIPListenAddr,
		"data_dir", cfg.DataDir,
		"max_sessions", cfg.MaxSessions,
	)

	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	menus := database.NewMenuRepository(db)
	if err := ensureEntryMenu(db, menus, cfg.EntryMenu); err != nil {
		slog.Error("failed to ensure entry menu", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("invalid jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	bus := events.NewBus(logger)
	reg := registry.New(cfg.MaxSessions, bus, logger)
	cdrs := database.NewCDRRepository(db)

	resolver := route.NewDBResolver(
		database.NewExtensionRepository(db),
		database.NewQueueRepository(db),
		menus,
		cfg.OperatorExt,
		logger,
	)

	fab, err := fabric.NewSIPFabric(cfg.SIPListenAddr, fabric.NopEvents{}, logger)
	if err != nil {
		slog.Error("failed to create sip fabric", "error", err)
		os.Exit(1)
	}

	handoff := fabric.NewAttendantHandoff(fab, cdrs, logger)

	engine := ivr.NewEngine(
		ivr.NewRepoStore(menus),
		resolver,
		fab,
		handoff,
		ivr.Config{
			EntryMenu:    cfg.EntryMenu,
			DigitTimeout: cfg.DigitTimeout(),
			MaxRetries:   cfg.MaxRetries,
		},
		logger,
	)

	bridge := sigbridge.NewBridge(reg, resolver, fab, cdrs, bus, cfg.ICEServerList(), logger)
	bridge.Start(appCtx)

	// Route fabric events to the session bridge or the attendant depending
	// on who owns the call.
	fab.SetEvents(&eventRouter{
		appCtx:  appCtx,
		bridge:  bridge,
		engine:  engine,
		handoff: handoff,
	})

	if err := fab.Start(appCtx); err != nil {
		slog.Error("failed to start sip fabric", "error", err)
		os.Exit(1)
	}

	go reg.ReapIdle(appCtx, cfg.SessionIdleTimeout(), 30*time.Second)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.NewCollector(reg, engine, cdrs, time.Now()))

	handler := api.NewServer(cfg, bridge, reg, db, jwtSecret, promRegistry, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	bridge.Close()
	fab.Stop()
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("wirepbx stopped")
}

// ensureEntryMenu creates the entry menu if this is a fresh database, so
// inbound callers always have somewhere to land.
func ensureEntryMenu(db *database.DB, menus database.MenuRepository, entryID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := menus.GetMenu(ctx, entryID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pbxerr.ErrNotFound) {
		return err
	}

	slog.Info("creating entry menu", "menu_id", entryID)
	return menus.CreateMenu(ctx, &models.Menu{
		ID:        entryID,
		Name:      "Main Menu",
		PromptRef: entryID + "_menu",
	})
}

// eventRouter demultiplexes fabric events: calls owned by a browser session
// go to the signaling bridge, fabric-owned calls go to the auto-attendant.
type eventRouter struct {
	appCtx  context.Context
	bridge  *sigbridge.Bridge
	engine  *ivr.Engine
	handoff *fabric.AttendantHandoff
}

func (r *eventRouter) RemoteAnswered(callID string) {
	if r.bridge.OwnsCall(callID) {
		r.bridge.RemoteAnswered(callID)
		return
	}
	// Attendant hand-off answered; the caller now talks to the target.
	r.handoff.MarkAnswered(callID)
}

func (r *eventRouter) RemoteHungup(callID, reason string) {
	if r.bridge.OwnsCall(callID) {
		r.bridge.RemoteHungup(callID, reason)
		return
	}
	r.engine.EndCall(callID)
	r.handoff.Finish(callID, "abandoned")
}

func (r *eventRouter) CallFailed(callID, reason string) {
	if r.bridge.OwnsCall(callID) {
		r.bridge.CallFailed(callID, reason)
		return
	}
	r.engine.EndCall(callID)
	r.handoff.Abort(callID, "failed")
}

func (r *eventRouter) InboundCall(callID, caller string) {
	r.handoff.Track(callID, caller)
	if _, err := r.engine.StartCall(r.appCtx, callID, caller); err != nil {
		slog.Error("failed to start attendant for inbound call",
			"call_id", callID,
			"error", err,
		)
	}
}

func (r *eventRouter) InboundDigit(callID, digit string) {
	r.engine.Digit(callID, digit)
}
