package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onkernel/backupd/cmd/backupd/config"
	"github.com/onkernel/backupd/lib/attach"
	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/driver"
	"github.com/onkernel/backupd/lib/driver/s3"
	"github.com/onkernel/backupd/lib/logger"
	mw "github.com/onkernel/backupd/lib/middleware"
	"github.com/onkernel/backupd/lib/otel"
	"github.com/onkernel/backupd/lib/paths"
	"github.com/onkernel/backupd/lib/rpc"
	"github.com/onkernel/backupd/lib/store"
	"github.com/onkernel/backupd/lib/volumes"
)

// volumeTopic is the topic the volume service serves its RPC surface on.
const volumeTopic = "volume"

// ProvideLogger provides the backups subsystem logger, teed to OTel when enabled
func ProvideLogger(p *otel.Provider) *slog.Logger {
	return logger.NewSubsystemLogger(logger.SubsystemBackups, logger.NewConfig(), p.LogHandler)
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideRPCVersion parses the version this worker pins outgoing calls to
func ProvideRPCVersion(cfg *config.Config) (rpc.Version, error) {
	v, err := rpc.ParseVersion(cfg.RPCVersionPin)
	if err != nil {
		return rpc.Version{}, fmt.Errorf("invalid RPC_VERSION_PIN: %w", err)
	}
	return v, nil
}

// ProvideStore opens the database and applies migrations
func ProvideStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	s, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := s.Close(); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "failed to close database", "error", err)
		}
	}
	return s, cleanup, nil
}

// ProvideVolumeAPI provides the volume service client
func ProvideVolumeAPI(cfg *config.Config, pin rpc.Version) volumes.API {
	return volumes.NewClient(rpc.NewClient(cfg.VolumeAPIURL, pin, nil), volumeTopic)
}

// ProvideBroker provides the device attachment broker
func ProvideBroker(cfg *config.Config, vols volumes.API, p *otel.Provider) *attach.Broker {
	return attach.NewBroker(vols, nil, attach.Options{
		UseMultipath:       cfg.UseMultipath,
		DeviceScanAttempts: cfg.DeviceScanAttempts,
		Paths:              paths.New(cfg.DevDir),
		Tracer:             p.TracerFor("attach"),
	})
}

// ProvideDriverRegistry registers every built-in backup driver
func ProvideDriverRegistry(cfg *config.Config) (*driver.Registry, error) {
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}

	r := driver.NewRegistry()
	r.Register(s3.Name, func(ctx context.Context) (backups.Driver, error) {
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Prefix:          cfg.S3Prefix,
			ChunkSize:       chunkSize,
		})
	})
	return r, nil
}

// ProvideDriver resolves the configured backup driver once at startup
func ProvideDriver(ctx context.Context, cfg *config.Config, r *driver.Registry) (backups.Driver, error) {
	return r.New(ctx, cfg.BackupDriver)
}

// ProvideForwarder provides the peer forwarder used for import hand-off
func ProvideForwarder(cfg *config.Config, pin rpc.Version) backups.Forwarder {
	return rpc.NewPeerForwarder(cfg.PeerURLTemplate, pin, &http.Client{Timeout: 60 * time.Second})
}

// ProvideNotifier provides the usage notifier
func ProvideNotifier() backups.Notifier {
	return backups.LogNotifier{}
}

// ProvideBackupManager provides the backup manager
func ProvideBackupManager(
	cfg *config.Config,
	st *store.Store,
	vols volumes.API,
	broker *attach.Broker,
	drv backups.Driver,
	fwd backups.Forwarder,
	notifier backups.Notifier,
	p *otel.Provider,
) (backups.Manager, error) {
	return backups.NewManager(
		backups.Config{
			Host:             cfg.Host,
			AvailabilityZone: cfg.AvailabilityZone,
			DriverName:       cfg.BackupDriver,
			Connector: volumes.ConnectorProperties{
				Host:      cfg.Host,
				Multipath: cfg.UseMultipath,
			},
			InitHostOffload:      cfg.InitHostOffload,
			MaxConcurrentDeletes: cfg.MaxConcurrentDeletes,
		},
		st, vols, broker, drv, fwd, notifier,
		p.MeterFor("backups"),
		p.TracerFor("backups"),
	)
}

// ProvideRPCServer provides the RPC server with logging, tracing and metrics
func ProvideRPCServer(cfg *config.Config, log *slog.Logger, p *otel.Provider) (*rpc.Server, error) {
	opts := rpc.Options{
		Version:      rpc.ServerVersion,
		Logger:       log,
		AccessLogger: mw.NewAccessLogger(p.LogHandler),
	}
	if cfg.OtelEnabled {
		opts.TracingService = cfg.OtelServiceName
	}
	if p.MeterProvider != nil {
		metrics, err := mw.NewRPCMetrics(p.MeterFor("rpc"))
		if err != nil {
			return nil, fmt.Errorf("create rpc metrics: %w", err)
		}
		opts.Metrics = metrics.Middleware
	}
	return rpc.NewServer(opts), nil
}
