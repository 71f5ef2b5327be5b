package volumes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCaller captures calls and replays canned JSON replies.
type recordingCaller struct {
	methods []string
	targets []string
	args    []any
	replies map[string]string
	err     error
}

func (r *recordingCaller) Call(ctx context.Context, target, method string, args, out any) error {
	r.methods = append(r.methods, method)
	r.targets = append(r.targets, target)
	r.args = append(r.args, args)
	if r.err != nil {
		return r.err
	}
	if reply, ok := r.replies[method]; ok && out != nil {
		return json.Unmarshal([]byte(reply), out)
	}
	return nil
}

func TestBackendName(t *testing.T) {
	assert.Equal(t, "node1@lvm", BackendName("node1@lvm#pool0"))
	assert.Equal(t, "node1@lvm", BackendName("node1@lvm"))
	assert.Equal(t, "", BackendName(""))
}

func TestGetBackupDevice(t *testing.T) {
	caller := &recordingCaller{replies: map[string]string{
		"get_backup_device": `{"volume":{"id":"tmp-1","status":"available","size":4},"is_snapshot":false,"secure_enabled":true}`,
	}}
	c := NewClient(caller, "volume-svc")

	dev, err := c.GetBackupDevice(context.Background(), "b1", "", &Volume{Id: "v1"})
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", dev.Volume.Id)
	assert.True(t, dev.SecureEnabled)
	assert.Equal(t, []string{"volume-svc"}, caller.targets)
}

func TestGetBackupDeviceRejectsEmptyReply(t *testing.T) {
	caller := &recordingCaller{replies: map[string]string{
		"get_backup_device": `{"is_snapshot":true}`,
	}}
	c := NewClient(caller, "volume-svc")

	_, err := c.GetBackupDevice(context.Background(), "b1", "s1", &Volume{Id: "v1"})
	require.Error(t, err)
}

func TestGetBackupDevicePropagatesNotFound(t *testing.T) {
	caller := &recordingCaller{err: ErrNotFound}
	c := NewClient(caller, "volume-svc")

	_, err := c.GetBackupDevice(context.Background(), "b1", "", &Volume{Id: "v1"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBackendSnapshotCallsCarryBackend(t *testing.T) {
	caller := &recordingCaller{replies: map[string]string{
		"attach_snapshot": `{"driver_volume_type":"local","data":{"device_path":"/dev/sdz"}}`,
	}}
	c := NewClient(caller, "volume-svc")
	backend := c.Backend("node1@ceph#fast")

	info, err := backend.AttachSnapshot(context.Background(), &Snapshot{Id: "s1"}, ConnectorProperties{Host: "node1"})
	require.NoError(t, err)
	assert.Equal(t, "local", info.DriverVolumeType)

	require.NoError(t, backend.DetachSnapshot(context.Background(), &Snapshot{Id: "s1"}, ConnectorProperties{Host: "node1"}, true))
	require.Len(t, caller.args, 2)
	detach := caller.args[1].(snapshotArgs)
	assert.Equal(t, "node1@ceph", detach.Backend)
	assert.True(t, detach.Force)
}
