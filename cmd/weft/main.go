package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weftlabs/weft/internal/action"
	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/container"
	"github.com/weftlabs/weft/internal/gateway"
	"github.com/weftlabs/weft/internal/natsbus"
	"github.com/weftlabs/weft/internal/scheduler"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/vault"
	"github.com/weftlabs/weft/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("weft %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: weft <command>\n\nCommands:\n  gateway    Start the weft gateway service\n  backup     Archive the data directory to a .tar.zst file\n  restore    Restore the data directory from a backup archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting weft gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	// Secret vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	// Container-backed executors
	ctrMgr, err := container.NewManager(bus, cfg.Exec)
	if err != nil {
		return fmt.Errorf("init container manager: %w", err)
	}
	if err := ctrMgr.CleanupStale(ctx); err != nil {
		slog.Warn("stale container cleanup failed", "error", err)
	}
	runner := container.NewRunner(ctrMgr, bus, client, db, v, cfg.Exec)

	// Capability registry: every external kind dispatches to a
	// container-backed executor unless a target-specific invoker is
	// registered.
	mux := capability.NewMux()
	mux.RegisterKind(action.KindTool, runner)
	mux.RegisterKind(action.KindAgent, runner)
	mux.RegisterKind(action.KindRelic, runner)
	mux.RegisterKind(action.KindWorkflow, runner)

	gw := gateway.New(cfg, db, client, mux, v)
	if err := gw.ServeIPC(ctx); err != nil {
		return fmt.Errorf("serve ipc: %w", err)
	}

	// Idle executor reaper
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ctrMgr.ReapIdle(ctx)
			}
		}
	}()

	// Scheduler
	sched := scheduler.New(db, gw, cfg.Scheduler)
	go sched.Start(ctx)

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, gw, ctrMgr, cfg.Web, version)
		gw.SetBroadcaster(srv.Hub())
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	ctrMgr.StopAll(context.Background())
	return nil
}
