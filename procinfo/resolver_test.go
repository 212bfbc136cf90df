package procinfo

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func requireProc(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
}

func TestResolvesOwnExecutable(t *testing.T) {
	requireProc(t)
	r, err := NewResolver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	want, err := os.Executable()
	require.NoError(t, err)

	got := r.ExePath(uint32(os.Getpid()))
	assert.Equal(t, want, got)
	assert.Equal(t, 1, r.Len())

	// Second lookup is served from the cache.
	assert.Equal(t, want, r.ExePath(uint32(os.Getpid())))
	assert.Equal(t, 1, r.Len())
}

func TestMissingProcessResolvesEmpty(t *testing.T) {
	r, err := NewResolver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Pids above the default kernel maximum cannot exist.
	assert.Equal(t, "", r.ExePath(1<<31-1))
	assert.Zero(t, r.Len())
}

func TestForget(t *testing.T) {
	requireProc(t)
	r, err := NewResolver(16, zaptest.NewLogger(t))
	require.NoError(t, err)

	pid := uint32(os.Getpid())
	require.NotEmpty(t, r.ExePath(pid))
	require.Equal(t, 1, r.Len())

	r.Forget(pid)
	assert.Zero(t, r.Len())
}

func TestCacheBound(t *testing.T) {
	r, err := NewResolver(2, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Fill the cache past its bound with synthetic entries.
	r.cache.Add(uint32(1), "/bin/a")
	r.cache.Add(uint32(2), "/bin/b")
	r.cache.Add(uint32(3), "/bin/c")

	assert.Equal(t, 2, r.Len())
	_, ok := r.cache.Get(uint32(1))
	assert.False(t, ok)
}
