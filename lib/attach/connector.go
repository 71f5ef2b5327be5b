package attach

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/onkernel/backupd/lib/paths"
	"go.opentelemetry.io/otel/trace"
)

// Device is a locally attached block device.
type Device struct {
	// Path is the device node, set by block connectors.
	Path string

	// Handle is set by connectors that hand out a stream instead of a node.
	// When set it is used as is and Path is informational.
	Handle io.ReadWriter
}

// Connector attaches and detaches remote storage on this host for one protocol.
type Connector interface {
	Connect(ctx context.Context, data map[string]any) (*Device, error)
	Disconnect(ctx context.Context, data map[string]any, dev *Device, force bool) error
}

// Executor runs host commands.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Options configure the connectors built by a Factory.
type Options struct {
	UseMultipath       bool
	DeviceScanAttempts int
	ScanInterval       time.Duration
	Paths              *paths.Paths
	Executor           Executor

	// Tracer receives the broker's Attach and Detach spans. Nil disables them.
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.DeviceScanAttempts < 1 {
		o.DeviceScanAttempts = 3
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Second
	}
	if o.Paths == nil {
		o.Paths = paths.New("/dev")
	}
	if o.Executor == nil {
		o.Executor = ExecRunner{}
	}
	return o
}

// Factory builds the connector for a driver_volume_type.
type Factory func(protocol string, opts Options) (Connector, error)

// NewConnector is the default Factory.
func NewConnector(protocol string, opts Options) (Connector, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(protocol) {
	case "local":
		return &localConnector{opts: opts}, nil
	case "iscsi":
		return &iscsiConnector{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
}

// waitForDevice polls for path until it exists or the scan attempts run out.
func waitForDevice(ctx context.Context, path string, opts Options) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := os.Stat(path)
		if err == nil {
			return struct{}{}, nil
		}
		if os.IsNotExist(err) {
			return struct{}{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.ScanInterval)),
		backoff.WithMaxTries(uint(opts.DeviceScanAttempts)),
	)
	return err
}

func stringField(data map[string]any, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingConnectionData, key)
	}
	return v, nil
}

func stringsField(data map[string]any, key string) []string {
	raw, ok := data[key].([]any)
	if !ok {
		if s, ok := data[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// intField accepts both JSON numbers and native ints.
func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// localConnector handles devices the backend already exposes on this host.
type localConnector struct {
	opts Options
}

func (c *localConnector) Connect(ctx context.Context, data map[string]any) (*Device, error) {
	devicePath, err := stringField(data, "device_path")
	if err != nil {
		return nil, err
	}
	path := c.opts.Paths.Resolve(devicePath)
	if err := waitForDevice(ctx, path, c.opts); err != nil {
		return nil, err
	}
	return &Device{Path: path}, nil
}

func (c *localConnector) Disconnect(ctx context.Context, data map[string]any, dev *Device, force bool) error {
	return nil
}
