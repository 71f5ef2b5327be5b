package backups

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDelete(env *testEnv) {
	env.store.putBackup(&Backup{Id: "bk-parent", Status: StatusAvailable, Service: testDriver, NumDependentBackups: 1})
	env.store.putBackup(&Backup{Id: "bk-1", Status: StatusDeleting, Service: testDriver, SizeGb: 5, ParentId: "bk-parent", ProjectId: "proj-1"})
}

func TestDeleteBackup(t *testing.T) {
	env := newTestEnv(t)
	seedDelete(env)

	require.NoError(t, env.m.DeleteBackup(context.Background(), "bk-1"))

	_, err := env.store.GetBackup(context.Background(), "bk-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"bk-1"}, env.driver.deleted)
	assert.Equal(t, 0, env.store.backup(t, "bk-parent").NumDependentBackups)

	require.Len(t, env.store.reservations, 1)
	assert.Equal(t, map[string]int64{QuotaBackups: -1, QuotaBackupGigabytes: -5}, env.store.reservations["r1"])
	assert.Equal(t, []string{"r1"}, env.store.committed)
	assert.Equal(t, []string{EventDeleteStart, EventDeleteEnd}, env.notifier.events)
}

func TestDeleteBackupRejectsStatus(t *testing.T) {
	env := newTestEnv(t)
	env.store.putBackup(&Backup{Id: "bk-1", Status: StatusAvailable, Service: testDriver})

	err := env.m.DeleteBackup(context.Background(), "bk-1")
	assert.ErrorIs(t, err, ErrInvalidBackup)

	b := env.store.backup(t, "bk-1")
	assert.Equal(t, StatusError, b.Status)
	assert.Contains(t, b.FailReason, "expected backup status deleting but got available")
	assert.Empty(t, env.driver.deleted)
}

func TestDeleteBackupRejectsForeignService(t *testing.T) {
	env := newTestEnv(t)
	env.store.putBackup(&Backup{Id: "bk-1", Status: StatusDeleting, Service: "ceph"})

	err := env.m.DeleteBackup(context.Background(), "bk-1")
	assert.ErrorIs(t, err, ErrInvalidBackup)
	assert.Equal(t, StatusError, env.store.backup(t, "bk-1").Status)
	assert.Empty(t, env.driver.deleted)
}

func TestDeleteBackupDriverFailure(t *testing.T) {
	env := newTestEnv(t)
	seedDelete(env)
	env.driver.deleteErr = errors.New("access denied")

	err := env.m.DeleteBackup(context.Background(), "bk-1")
	require.Error(t, err)

	b := env.store.backup(t, "bk-1")
	assert.Equal(t, StatusError, b.Status)
	assert.Contains(t, b.FailReason, "access denied")
	assert.Empty(t, env.store.reservations, "quota is untouched when the data could not be removed")
	assert.Equal(t, 1, env.store.backup(t, "bk-parent").NumDependentBackups)
}

func TestDeleteBackupWithoutServiceSkipsDriver(t *testing.T) {
	env := newTestEnv(t)
	env.store.putBackup(&Backup{Id: "bk-1", Status: StatusDeleting})

	require.NoError(t, env.m.DeleteBackup(context.Background(), "bk-1"))
	assert.Empty(t, env.driver.deleted)
	_, err := env.store.GetBackup(context.Background(), "bk-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteBackupQuotaFailureStillDeletes(t *testing.T) {
	env := newTestEnv(t)
	seedDelete(env)
	env.store.reserveErr = errors.New("quota service unavailable")

	require.NoError(t, env.m.DeleteBackup(context.Background(), "bk-1"))
	_, err := env.store.GetBackup(context.Background(), "bk-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, env.store.committed)
}

func TestDeleteBackupParentCountNeverNegative(t *testing.T) {
	env := newTestEnv(t)
	env.store.putBackup(&Backup{Id: "bk-parent", Status: StatusAvailable, Service: testDriver})
	env.store.putBackup(&Backup{Id: "bk-1", Status: StatusDeleting, Service: testDriver, ParentId: "bk-parent"})

	require.NoError(t, env.m.DeleteBackup(context.Background(), "bk-1"))
	assert.Equal(t, 0, env.store.backup(t, "bk-parent").NumDependentBackups)
}
