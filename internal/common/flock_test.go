package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockExcludesSecondHolder(t *testing.T) {
	name := "flock_test_" + t.Name()

	first := NewFileLock(name)
	require.NoError(t, first.TryLock())
	defer first.Unlock()

	second := NewFileLock(name)
	err := second.TryLock()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestFileLockReacquireAfterUnlock(t *testing.T) {
	name := "flock_test_" + t.Name()

	first := NewFileLock(name)
	require.NoError(t, first.TryLock())
	require.NoError(t, first.Unlock())

	second := NewFileLock(name)
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestFileLockUnlockWithoutLock(t *testing.T) {
	lock := NewFileLock("flock_test_never_locked")
	assert.NoError(t, lock.Unlock())
}

func TestFileLockPathSanitizesName(t *testing.T) {
	tests := []struct {
		name     string
		lockName string
		contains string
	}{
		{
			name:     "plain name passes through",
			lockName: "fetch_6h",
			contains: "webtrack_fetch_6h.lock",
		},
		{
			name:     "slashes and spaces collapse",
			lockName: "fetch/shard 2",
			contains: "webtrack_fetch_shard_2.lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := NewFileLock(tt.lockName)
			assert.True(t, strings.HasSuffix(lock.Path(), tt.contains), lock.Path())
		})
	}
}
