package attach

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onkernel/backupd/lib/paths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	commands []string
	failOn   string
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return []byte("iscsiadm: failure"), errors.New("exit status 8")
	}
	return nil, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func testOptions(t *testing.T, exec Executor) Options {
	return Options{
		DeviceScanAttempts: 2,
		ScanInterval:       time.Millisecond,
		Paths:              paths.New(t.TempDir()),
		Executor:           exec,
	}
}

func TestNewConnectorUnsupported(t *testing.T) {
	_, err := NewConnector("nfs", Options{})
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestLocalConnector(t *testing.T) {
	opts := testOptions(t, &fakeExecutor{})
	touch(t, opts.Paths.Resolve("/dev/sdb"))

	conn, err := NewConnector("LOCAL", opts)
	require.NoError(t, err)

	dev, err := conn.Connect(context.Background(), map[string]any{"device_path": "/dev/sdb"})
	require.NoError(t, err)
	assert.Equal(t, opts.Paths.Resolve("/dev/sdb"), dev.Path)
	assert.NoError(t, conn.Disconnect(context.Background(), nil, dev, false))
}

func TestLocalConnectorMissingData(t *testing.T) {
	conn, err := NewConnector("local", testOptions(t, &fakeExecutor{}))
	require.NoError(t, err)

	_, err = conn.Connect(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, ErrMissingConnectionData)
}

func TestLocalConnectorDeviceNeverAppears(t *testing.T) {
	conn, err := NewConnector("local", testOptions(t, &fakeExecutor{}))
	require.NoError(t, err)

	_, err = conn.Connect(context.Background(), map[string]any{"device_path": "/dev/sdq"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestISCSIConnectLogsInAndFindsDevice(t *testing.T) {
	exec := &fakeExecutor{}
	opts := testOptions(t, exec)
	touch(t, opts.Paths.ISCSIDisk("10.0.0.1:3260", "iqn.test:vol1", 0))

	conn, err := NewConnector("iscsi", opts)
	require.NoError(t, err)

	data := map[string]any{
		"target_portal": "10.0.0.1:3260",
		"target_iqn":    "iqn.test:vol1",
		"target_lun":    float64(0),
	}
	dev, err := conn.Connect(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, opts.Paths.ISCSIDisk("10.0.0.1:3260", "iqn.test:vol1", 0), dev.Path)
	require.Len(t, exec.commands, 2)
	assert.Contains(t, exec.commands[1], "--login")

	require.NoError(t, conn.Disconnect(context.Background(), data, dev, false))
	assert.Contains(t, exec.commands[2], "--logout")
}

func TestISCSIMultipathFallsBackToSurvivingPortal(t *testing.T) {
	exec := &fakeExecutor{failOn: "-p 10.0.0.1:3260 --login"}
	opts := testOptions(t, exec)
	opts.UseMultipath = true
	touch(t, opts.Paths.ISCSIDisk("10.0.0.2:3260", "iqn.test:vol1", 1))

	conn, err := NewConnector("iscsi", opts)
	require.NoError(t, err)

	dev, err := conn.Connect(context.Background(), map[string]any{
		"target_portal":  "10.0.0.1:3260",
		"target_iqn":     "iqn.test:vol1",
		"target_lun":     float64(1),
		"target_portals": []any{"10.0.0.1:3260", "10.0.0.2:3260"},
		"target_iqns":    []any{"iqn.test:vol1", "iqn.test:vol1"},
	})
	require.NoError(t, err)
	assert.Equal(t, opts.Paths.ISCSIDisk("10.0.0.2:3260", "iqn.test:vol1", 1), dev.Path)
}

func TestISCSIForcedDisconnectIgnoresLogoutErrors(t *testing.T) {
	exec := &fakeExecutor{failOn: "--logout"}
	conn, err := NewConnector("iscsi", testOptions(t, exec))
	require.NoError(t, err)

	data := map[string]any{"target_portal": "10.0.0.1:3260", "target_iqn": "iqn.test:vol1"}
	assert.Error(t, conn.Disconnect(context.Background(), data, nil, false))
	assert.NoError(t, conn.Disconnect(context.Background(), data, nil, true))
}
