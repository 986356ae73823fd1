// Hand-written stand-in for the file the Wire CLI would generate from wire.go.

//go:build !wireinject

package main

import (
	"github.com/vmnode/vmcore/lib/providers"
)

// initializeApp wires every provider in providers.go into one application
// struct, by hand: this repo can't invoke the wire CLI to regenerate this
// file, so it is kept in lockstep with wire.go's injector manually whenever
// the provider set changes.
func initializeApp() (*application, error) {
	cfg := providers.ProvideConfig()
	log := providers.ProvideLogger(cfg)
	ctx := providers.ProvideContext(log)

	p := providers.ProvidePaths(cfg)
	store := providers.ProvideConfigStore(p)
	storageDrv := providers.ProvideStorageDriver(cfg)
	physBits := providers.ProvidePhysBits()

	lifecycle := providers.ProvideLifecycleManager(p, store, storageDrv, physBits)
	snap := providers.ProvideSnapshotManager(p, store, storageDrv)
	runner := providers.ProvideTargetRunner()
	mig := providers.ProvideMigrationManager(p, store, storageDrv, runner)

	return &application{
		Ctx:       ctx,
		Logger:    log,
		Config:    cfg,
		Paths:     p,
		Store:     store,
		Storage:   storageDrv,
		Lifecycle: lifecycle,
		Snapshot:  snap,
		Migration: mig,
	}, nil
}
