//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/backupd/cmd/backupd/config"
	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/otel"
	"github.com/onkernel/backupd/lib/providers"
	"github.com/onkernel/backupd/lib/rpc"
	"github.com/onkernel/backupd/lib/store"
)

// application struct to hold initialized components
type application struct {
	Ctx           context.Context
	Logger        *slog.Logger
	Config        *config.Config
	Store         *store.Store
	BackupManager backups.Manager
	RPCServer     *rpc.Server
}

// initializeApp is the injector function
func initializeApp(cfg *config.Config, otelProvider *otel.Provider) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideRPCVersion,
		providers.ProvideStore,
		providers.ProvideVolumeAPI,
		providers.ProvideBroker,
		providers.ProvideDriverRegistry,
		providers.ProvideDriver,
		providers.ProvideForwarder,
		providers.ProvideNotifier,
		providers.ProvideBackupManager,
		providers.ProvideRPCServer,
		wire.Struct(new(application), "*"),
	))
}
