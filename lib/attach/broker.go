// Package attach makes backup sources and restore targets visible as local
// devices and releases them again.
package attach

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/volumes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Target is the resource being attached. Exactly one field is set.
type Target struct {
	Volume   *volumes.Volume
	Snapshot *volumes.Snapshot
}

// IsSnapshot reports whether the target is a snapshot.
func (t Target) IsSnapshot() bool {
	return t.Snapshot != nil
}

// ID returns the volume or snapshot id.
func (t Target) ID() string {
	if t.Snapshot != nil {
		return t.Snapshot.Id
	}
	if t.Volume != nil {
		return t.Volume.Id
	}
	return ""
}

// Attachment records what Attach did so Detach can undo it.
type Attachment struct {
	Info      *volumes.ConnectionInfo
	Device    *Device
	connector Connector
}

// Broker exports remote devices to this host through the volume service and
// a protocol connector.
type Broker struct {
	volumes      volumes.API
	newConnector Factory
	opts         Options
	tracer       trace.Tracer
}

// NewBroker returns a broker. A nil factory selects NewConnector.
func NewBroker(api volumes.API, factory Factory, opts Options) *Broker {
	if factory == nil {
		factory = NewConnector
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("attach")
	}
	return &Broker{volumes: api, newConnector: factory, opts: opts, tracer: tracer}
}

func (b *Broker) startSpan(ctx context.Context, name string, target Target) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("target", target.ID()),
		attribute.Bool("snapshot", target.IsSnapshot()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Attach exports the target to this host and connects it.
// If the local connect fails the remote export is released before returning.
func (b *Broker) Attach(ctx context.Context, target Target, props volumes.ConnectorProperties) (_ *Attachment, err error) {
	ctx, span := b.startSpan(ctx, "Attach", target)
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx)

	var (
		info    *volumes.ConnectionInfo
		release func(context.Context) error
	)
	switch {
	case target.Snapshot != nil:
		backend := b.volumes.Backend(target.Snapshot.VolumeHost)
		info, err = backend.AttachSnapshot(ctx, target.Snapshot, props)
		release = func(ctx context.Context) error {
			return backend.DetachSnapshot(ctx, target.Snapshot, props, true)
		}
	case target.Volume != nil:
		info, err = b.volumes.InitializeConnection(ctx, target.Volume, props)
		release = func(ctx context.Context) error {
			return b.volumes.TerminateConnection(ctx, target.Volume, props, true)
		}
	default:
		return nil, fmt.Errorf("attach: empty target")
	}
	if err != nil {
		return nil, fmt.Errorf("export %s to host: %w", target.ID(), err)
	}

	opts := b.opts
	opts.UseMultipath = opts.UseMultipath || props.Multipath
	connector, err := b.newConnector(info.DriverVolumeType, opts)
	if err == nil {
		var dev *Device
		dev, err = connector.Connect(ctx, info.Data)
		if err == nil {
			log.DebugContext(ctx, "attached device", "target", target.ID(), "protocol", info.DriverVolumeType, "path", dev.Path)
			return &Attachment{Info: info, Device: dev, connector: connector}, nil
		}
	}

	if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
		log.ErrorContext(ctx, "failed to release connection after connect failure", "target", target.ID(), "error", rerr)
	}
	return nil, fmt.Errorf("connect %s: %w", target.ID(), err)
}

// Detach disconnects the local device and then releases the remote export.
// Every step runs even when an earlier one fails; the errors are joined.
func (b *Broker) Detach(ctx context.Context, a *Attachment, target Target, props volumes.ConnectorProperties, force bool) (err error) {
	ctx, span := b.startSpan(ctx, "Detach", target)
	defer func() { endSpan(span, err) }()

	var errs []error
	if a != nil && a.connector != nil {
		if err := a.connector.Disconnect(ctx, a.Info.Data, a.Device, force); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", target.ID(), err))
		}
	}

	switch {
	case target.Snapshot != nil:
		backend := b.volumes.Backend(target.Snapshot.VolumeHost)
		if err := backend.DetachSnapshot(ctx, target.Snapshot, props, force); err != nil {
			errs = append(errs, fmt.Errorf("detach snapshot %s: %w", target.ID(), err))
		}
	case target.Volume != nil:
		if err := b.volumes.TerminateConnection(ctx, target.Volume, props, force); err != nil {
			errs = append(errs, fmt.Errorf("terminate connection %s: %w", target.ID(), err))
		}
		if err := b.volumes.RemoveExport(ctx, target.Volume); err != nil {
			errs = append(errs, fmt.Errorf("remove export %s: %w", target.ID(), err))
		}
	}
	return errors.Join(errs...)
}
