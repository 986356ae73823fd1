// Command vmcored is the per-node VM lifecycle core: it wires together the
// block-device graph, block-job engine, snapshot engine, VM state machine,
// and migration manager, and hosts them as a long-lived process. It exposes
// no network surface of its own — the RPC/control-plane layer that drives
// these managers is a separate, external component (see SPEC_FULL.md §1's
// Non-goals); vmcored's job here ends at dependency composition and
// lifecycle (start/stop of the process itself).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmnode/vmcore/lib/otelsetup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("vmcored terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("vmcored exiting normally")
}

func run() error {
	app, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	cfg := app.Config
	logger := app.Logger

	otelCfg := otelsetup.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}
	otelProvider, otelShutdown, err := otelsetup.Init(app.Ctx, otelCfg)
	if err != nil {
		logger.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				logger.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otelsetup.SetGlobalLogHandler(otelProvider.LogHandler)
	}

	if err := checkKVMAccess(); err != nil {
		return fmt.Errorf("KVM access check failed: %w\n\nEnsure:\n  1. /dev/kvm exists\n  2. the process user is in the 'kvm' group", err)
	}
	logger.Info("KVM access verified")

	for _, dir := range []string{cfg.RunDir, cfg.ConfigDir, cfg.LockDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("vmcored ready",
		"run_dir", cfg.RunDir,
		"config_dir", cfg.ConfigDir,
		"lock_dir", cfg.LockDir,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// checkKVMAccess verifies KVM is available and the process has permission
// to use it — every operation in this module ultimately launches or
// controls a QEMU process that requires /dev/kvm.
func checkKVMAccess() error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("/dev/kvm not found - KVM not enabled or not supported")
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied accessing /dev/kvm - process not in 'kvm' group")
		}
		return fmt.Errorf("cannot access /dev/kvm: %w", err)
	}
	f.Close()
	return nil
}
