//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/vmnode/vmcore/cmd/vmcored/config"
	"github.com/vmnode/vmcore/lib/migration"
	"github.com/vmnode/vmcore/lib/paths"
	"github.com/vmnode/vmcore/lib/providers"
	"github.com/vmnode/vmcore/lib/snapshot"
	"github.com/vmnode/vmcore/lib/storage"
	"github.com/vmnode/vmcore/lib/vmconfig"
	"github.com/vmnode/vmcore/lib/vmlifecycle"
)

// application holds every long-lived component vmcored wires together.
type application struct {
	Ctx        context.Context
	Logger     *slog.Logger
	Config     *config.Config
	Paths      *paths.Paths
	Store      *vmconfig.Store
	Storage    storage.Driver
	Lifecycle  *vmlifecycle.Manager
	Snapshot   *snapshot.Manager
	Migration  *migration.Manager
}

// initializeApp is the wire injector. It is never compiled into the real
// binary (see wire_gen.go's hand-authored equivalent); it exists so `wire
// build ./...` can regenerate wire_gen.go if the dependency graph changes.
func initializeApp() (*application, error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideConfigStore,
		providers.ProvideStorageDriver,
		providers.ProvidePhysBits,
		providers.ProvideLifecycleManager,
		providers.ProvideSnapshotManager,
		providers.ProvideTargetRunner,
		providers.ProvideMigrationManager,
		wire.Struct(new(application), "*"),
	))
}
