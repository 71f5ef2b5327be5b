package backups

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/onkernel/backupd/lib/attach"
	"github.com/onkernel/backupd/lib/volumes"
	"github.com/stretchr/testify/require"
)

const (
	testHost   = "backup-node-1"
	testDriver = "s3"
)

// memStore is an in-memory Store with the same conditional-write rules as
// the Postgres store.
type memStore struct {
	mu        sync.Mutex
	backups   map[string]*Backup
	volumes   map[string]*volumes.Volume
	snapshots map[string]*volumes.Snapshot

	reservations map[string]map[string]int64
	committed    []string
	reserveErr   error
	failNextGet  error
}

func newMemStore() *memStore {
	return &memStore{
		backups:      make(map[string]*Backup),
		volumes:      make(map[string]*volumes.Volume),
		snapshots:    make(map[string]*volumes.Snapshot),
		reservations: make(map[string]map[string]int64),
	}
}

func (s *memStore) putBackup(b *Backup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	if cp.Host == "" {
		cp.Host = testHost
	}
	s.backups[b.Id] = &cp
}

func (s *memStore) putVolume(v *volumes.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.volumes[v.Id] = &cp
}

func (s *memStore) putSnapshot(snap *volumes.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.Id] = &cp
}

func (s *memStore) backup(t *testing.T, id string) *Backup {
	t.Helper()
	b, err := s.GetBackup(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (s *memStore) volume(t *testing.T, id string) *volumes.Volume {
	t.Helper()
	v, err := s.GetVolume(context.Background(), id)
	require.NoError(t, err)
	return v
}

func (s *memStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNextGet; err != nil {
		s.failNextGet = nil
		return nil, err
	}
	b, ok := s.backups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) ListBackupsByHost(ctx context.Context, host string) ([]*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Backup
	for _, b := range s.backups {
		if b.Host == host {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *memStore) SaveBackup(ctx context.Context, b *Backup, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.backups[b.Id]
	if !ok {
		return ErrNotFound
	}
	if expected != AnyStatus && cur.Status != expected {
		return ErrStatusConflict
	}
	cp := *b
	cp.TempVolumeId = cur.TempVolumeId
	cp.TempSnapshotId = cur.TempSnapshotId
	s.backups[b.Id] = &cp
	return nil
}

func (s *memStore) DestroyBackup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.backups[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusDeleting {
		return ErrStatusConflict
	}
	delete(s.backups, id)
	return nil
}

func (s *memStore) AdjustDependentBackups(ctx context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return ErrNotFound
	}
	if b.NumDependentBackups+delta >= 0 {
		b.NumDependentBackups += delta
	}
	return nil
}

func (s *memStore) ClearTempResources(ctx context.Context, id string, volume, snapshot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return ErrNotFound
	}
	if volume {
		b.TempVolumeId = ""
	}
	if snapshot {
		b.TempSnapshotId = ""
	}
	return nil
}

func (s *memStore) GetVolume(ctx context.Context, id string) (*volumes.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", volumes.ErrNotFound, id)
	}
	cp := *v
	return &cp, nil
}

func (s *memStore) UpdateVolume(ctx context.Context, id string, upd volumes.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[id]
	if !ok {
		return volumes.ErrNotFound
	}
	if upd.Expected != "" && v.Status != upd.Expected {
		return volumes.ErrStatusConflict
	}
	v.Status = upd.Status
	if upd.PreviousStatus != nil {
		v.PreviousStatus = *upd.PreviousStatus
	}
	return nil
}

func (s *memStore) GetSnapshot(ctx context.Context, id string) (*volumes.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", volumes.ErrSnapshotNotFound, id)
	}
	cp := *snap
	return &cp, nil
}

func (s *memStore) UpdateSnapshotStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return volumes.ErrSnapshotNotFound
	}
	snap.Status = status
	return nil
}

func (s *memStore) ReserveQuota(ctx context.Context, projectID string, deltas map[string]int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return "", s.reserveErr
	}
	id := fmt.Sprintf("r%d", len(s.reservations)+1)
	s.reservations[id] = deltas
	return id, nil
}

func (s *memStore) CommitQuota(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, reservationID)
	return nil
}

// fakeDriver keeps backup data in memory.
type fakeDriver struct {
	mu   sync.Mutex
	data map[string][]byte

	backupErr  error
	restoreErr error
	deleteErr  error
	exportErr  error
	importErr  error
	verifyErr  error

	canVerify   bool
	forceDelete bool
	down        bool

	deleted      []string
	verified     []string
	importedInfo map[string]any

	// onBackup runs while the source device is attached.
	onBackup func()
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{data: make(map[string][]byte), canVerify: true}
}

func (d *fakeDriver) Backup(ctx context.Context, b *Backup, src io.Reader) (*BackupUpdates, error) {
	if d.onBackup != nil {
		d.onBackup()
	}
	if d.backupErr != nil {
		return nil, d.backupErr
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.data[b.Id] = data
	d.mu.Unlock()
	return &BackupUpdates{Container: "backups-bucket", ServiceMetadata: "backups/" + b.Id + "/", ObjectCount: 2}, nil
}

func (d *fakeDriver) Restore(ctx context.Context, b *Backup, volumeID string, dst io.Writer) error {
	if d.restoreErr != nil {
		return d.restoreErr
	}
	d.mu.Lock()
	data := d.data[b.Id]
	d.mu.Unlock()
	_, err := dst.Write(data)
	return err
}

func (d *fakeDriver) Delete(ctx context.Context, b *Backup) error {
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, b.Id)
	delete(d.data, b.Id)
	return nil
}

func (d *fakeDriver) ExportRecord(ctx context.Context, b *Backup) (map[string]any, error) {
	if d.exportErr != nil {
		return nil, d.exportErr
	}
	return map[string]any{"prefix": "backups/" + b.Id + "/"}, nil
}

func (d *fakeDriver) ImportRecord(ctx context.Context, b *Backup, driverInfo map[string]any) error {
	if d.importErr != nil {
		return d.importErr
	}
	d.importedInfo = driverInfo
	return nil
}

func (d *fakeDriver) SupportsForceDelete() bool { return d.forceDelete }

func (d *fakeDriver) Verifier() Verifier {
	if !d.canVerify {
		return nil
	}
	return d
}

func (d *fakeDriver) Verify(ctx context.Context, backupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verified = append(d.verified, backupID)
	return d.verifyErr
}

func (d *fakeDriver) IsWorking(ctx context.Context) bool { return !d.down }

// deviceBuffer is an attached device backed by memory.
type deviceBuffer struct {
	in  *bytes.Reader
	out *bytes.Buffer
}

func (d *deviceBuffer) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *deviceBuffer) Write(p []byte) (int, error) { return d.out.Write(p) }

// fakeBroker hands out in-memory devices.
type fakeBroker struct {
	mu        sync.Mutex
	source    []byte
	written   bytes.Buffer
	attachErr error
	attached  []string
	detached  []string
}

func (f *fakeBroker) Attach(ctx context.Context, target attach.Target, props volumes.ConnectorProperties) (*attach.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	f.attached = append(f.attached, target.ID())
	dev := &deviceBuffer{in: bytes.NewReader(f.source), out: &f.written}
	return &attach.Attachment{Device: &attach.Device{Path: "mem:" + target.ID(), Handle: dev}}, nil
}

func (f *fakeBroker) Detach(ctx context.Context, a *attach.Attachment, target attach.Target, props volumes.ConnectorProperties, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, target.ID())
	return nil
}

// fakeVolumeAPI simulates the volume service. When tempVolume is set,
// GetBackupDevice behaves like a service that clones in-use volumes.
type fakeVolumeAPI struct {
	volumes.API

	mu               sync.Mutex
	store            *memStore
	tempVolume       *volumes.Volume
	deviceErr        error
	deletedVolumes   []string
	deletedSnapshots []string
	detached         []string
}

func (f *fakeVolumeAPI) GetBackupDevice(ctx context.Context, backupID, snapshotID string, vol *volumes.Volume) (*volumes.BackupDevice, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	if snapshotID != "" {
		snap, err := f.store.GetSnapshot(ctx, snapshotID)
		if err != nil {
			return nil, err
		}
		return &volumes.BackupDevice{Snapshot: snap, IsSnapshot: true}, nil
	}
	if f.tempVolume != nil {
		f.store.putVolume(f.tempVolume)
		f.store.mu.Lock()
		f.store.backups[backupID].TempVolumeId = f.tempVolume.Id
		f.store.mu.Unlock()
		return &volumes.BackupDevice{Volume: f.tempVolume}, nil
	}
	return &volumes.BackupDevice{Volume: vol, SecureEnabled: true}, nil
}

func (f *fakeVolumeAPI) SecureFileOperationsEnabled(ctx context.Context, vol *volumes.Volume) (bool, error) {
	return true, nil
}

func (f *fakeVolumeAPI) DetachVolume(ctx context.Context, vol *volumes.Volume, attachmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, attachmentID)
	return nil
}

func (f *fakeVolumeAPI) DeleteVolume(ctx context.Context, vol *volumes.Volume) error {
	f.mu.Lock()
	f.deletedVolumes = append(f.deletedVolumes, vol.Id)
	f.mu.Unlock()
	f.store.mu.Lock()
	delete(f.store.volumes, vol.Id)
	f.store.mu.Unlock()
	return nil
}

func (f *fakeVolumeAPI) DeleteSnapshot(ctx context.Context, snap *volumes.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSnapshots = append(f.deletedSnapshots, snap.Id)
	return nil
}

// fakeForwarder records forwarded imports.
type fakeForwarder struct {
	mu    sync.Mutex
	fail  map[string]bool
	hosts []string
	reqs  []ImportRequest
}

func (f *fakeForwarder) ImportRecord(ctx context.Context, host, backupID string, req ImportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, host)
	f.reqs = append(f.reqs, req)
	if f.fail[host] {
		return errors.New("connection refused")
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(ctx context.Context, event string, b *Backup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type testEnv struct {
	m         *manager
	store     *memStore
	driver    *fakeDriver
	broker    *fakeBroker
	vols      *fakeVolumeAPI
	forwarder *fakeForwarder
	notifier  *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, Config{
		Host:                 testHost,
		AvailabilityZone:     "az-1",
		DriverName:           testDriver,
		Connector:            volumes.ConnectorProperties{Host: testHost},
		MaxConcurrentDeletes: 2,
	})
}

func newTestEnvWithConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := newMemStore()
	env := &testEnv{
		store:     store,
		driver:    newFakeDriver(),
		broker:    &fakeBroker{source: []byte("volume contents")},
		vols:      &fakeVolumeAPI{store: store},
		forwarder: &fakeForwarder{fail: map[string]bool{}},
		notifier:  &recordingNotifier{},
	}
	mgr, err := NewManager(cfg, store, env.vols, env.broker, env.driver, env.forwarder, env.notifier, nil, nil)
	require.NoError(t, err)
	env.m = mgr.(*manager)
	return env
}
