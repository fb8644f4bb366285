// Licensed under the MIT License. See LICENSE file in the project root for details.

package osal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "portal.bin"), os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestPortalFileOps(t *testing.T) {
	assert := assertion.New(t)
	p := Default()
	f := tempFile(t)

	require.NoError(t, p.Truncate(f, 8192))
	size, err := p.Size(f)
	require.NoError(t, err)
	assert.EqualValues(8192, size)

	n, err := p.WriteAt(f, []byte("hello"), 4096)
	require.NoError(t, err)
	assert.Equal(5, n)
	require.NoError(t, p.Sync(f, SyncData))
	require.NoError(t, p.Sync(f, SyncFull))

	buf := make([]byte, 5)
	_, err = p.ReadAt(f, buf, 4096)
	require.NoError(t, err)
	assert.Equal("hello", string(buf))

	m, err := p.Map(f, 8192, false)
	require.NoError(t, err)
	assert.Equal("hello", string(m[4096:4101]))

	// Writes through the descriptor are visible through the shared mapping.
	_, err = p.WriteAt(f, []byte("HE"), 4096)
	require.NoError(t, err)
	assert.Equal("HEllo", string(m[4096:4101]))
	require.NoError(t, p.Unmap(m))
}

func TestPortalWritableMap(t *testing.T) {
	assert := assertion.New(t)
	p := Default()
	f := tempFile(t)
	require.NoError(t, p.Truncate(f, 4096))

	m, err := p.Map(f, 4096, true)
	require.NoError(t, err)
	copy(m[100:], "shared")

	buf := make([]byte, 6)
	_, err = p.ReadAt(f, buf, 100)
	require.NoError(t, err)
	assert.Equal("shared", string(buf))
	require.NoError(t, p.Unmap(m))
}

func TestPortalLocks(t *testing.T) {
	assert := assertion.New(t)
	p := Default()
	f := tempFile(t)

	require.NoError(t, p.Lock(f, 0, 1, LockExclusive, false))
	// Locks held by this process never conflict with this process.
	pid, err := p.Probe(f, 0, 1)
	require.NoError(t, err)
	assert.Equal(0, pid)
	require.NoError(t, p.Lock(f, 0, 1, LockShared, false))
	require.NoError(t, p.Unlock(f, 0, 1))
}

func TestMonotonic(t *testing.T) {
	p := Default()
	a := p.Monotonic()
	b := p.Monotonic()
	assertion.True(t, b >= a)
}

func TestBootID(t *testing.T) {
	assert := assertion.New(t)

	assert.Equal(uuid.Nil, readBootID(filepath.Join(t.TempDir(), "missing")))

	path := filepath.Join(t.TempDir(), "boot_id")
	want := uuid.New()
	require.NoError(t, os.WriteFile(path, []byte(want.String()+"\n"), 0o644))
	assert.Equal(want, readBootID(path))

	assert.Equal(BootID(), BootID())
}

func TestProcessAlive(t *testing.T) {
	assert := assertion.New(t)
	assert.True(ProcessAlive(os.Getpid()))
	assert.False(ProcessAlive(0))
}

func TestFaultPortal(t *testing.T) {
	assert := assertion.New(t)
	f := tempFile(t)
	boom := errors.New("boom")

	fp := NewFaultPortal(nil)
	fp.SyncHook = func(*os.File, SyncMode) error { return boom }
	fp.WriteHook = func(_ *os.File, _ []byte, off int64) error {
		if off >= 4096 {
			return boom
		}
		return nil
	}

	_, err := fp.WriteAt(f, []byte("ok"), 0)
	assert.NoError(err)
	_, err = fp.WriteAt(f, []byte("no"), 4096)
	assert.ErrorIs(err, boom)
	assert.ErrorIs(fp.Sync(f, SyncData), boom)
	assert.EqualValues(2, fp.Writes())
	assert.EqualValues(1, fp.Syncs())
}
