package whitelist

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sockaudit/sockaudit/types"
)

const sampleRules = `entries:
  - path: /usr/sbin/sshd
    port: 22
  - path: /usr/bin/curl
    addr: 10.0.0.0/8
  - path: /usr/sbin/ntpd
    addr: 192.168.7.1
  - path: /usr/bin/ssh
`

func writeWhitelist(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "whitelist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMatchingSemantics(t *testing.T) {
	path := writeWhitelist(t, t.TempDir(), sampleRules)
	w, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, 4, w.Len())

	t.Run("path and port", func(t *testing.T) {
		assert.True(t, w.Allowed("/usr/sbin/sshd", types.FamilyInet, net.ParseIP("203.0.113.9"), 22))
		assert.False(t, w.Allowed("/usr/sbin/sshd", types.FamilyInet, net.ParseIP("203.0.113.9"), 2222))
		assert.False(t, w.Allowed("/usr/sbin/nginx", types.FamilyInet, net.ParseIP("203.0.113.9"), 22))
	})

	t.Run("network block", func(t *testing.T) {
		assert.True(t, w.Allowed("/usr/bin/curl", types.FamilyInet, net.ParseIP("10.20.30.40"), 443))
		assert.False(t, w.Allowed("/usr/bin/curl", types.FamilyInet, net.ParseIP("11.0.0.1"), 443))
	})

	t.Run("exact address", func(t *testing.T) {
		assert.True(t, w.Allowed("/usr/sbin/ntpd", types.FamilyInet, net.ParseIP("192.168.7.1"), 123))
		assert.False(t, w.Allowed("/usr/sbin/ntpd", types.FamilyInet, net.ParseIP("192.168.7.2"), 123))
	})

	t.Run("unconstrained path covers everything", func(t *testing.T) {
		assert.True(t, w.Allowed("/usr/bin/ssh", types.FamilyInet, net.ParseIP("203.0.113.9"), 22))
		assert.True(t, w.Allowed("/usr/bin/ssh", 0, nil, 0))
	})

	t.Run("network constraints never cover exec", func(t *testing.T) {
		assert.False(t, w.Allowed("/usr/sbin/sshd", 0, nil, 0))
		assert.False(t, w.Allowed("/usr/bin/curl", 0, nil, 0))
	})
}

func TestIPv6Rules(t *testing.T) {
	content := "entries:\n  - path: /usr/bin/curl\n    addr: 2001:db8::/32\n"
	w, err := New(writeWhitelist(t, t.TempDir(), content), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, w.Allowed("/usr/bin/curl", types.FamilyInet6, net.ParseIP("2001:db8::1"), 443))
	assert.False(t, w.Allowed("/usr/bin/curl", types.FamilyInet6, net.ParseIP("2001:db9::1"), 443))
}

func TestMissingFileStartsUnfiltered(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Zero(t, w.Len())
	assert.False(t, w.Allowed("/usr/bin/curl", types.FamilyInet, net.ParseIP("10.0.0.1"), 443))
}

func TestRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"missing path": "entries:\n  - port: 22\n",
		"bad address":  "entries:\n  - path: /bin/a\n    addr: not-an-ip\n",
		"bad network":  "entries:\n  - path: /bin/a\n    addr: 10.0.0.0/99\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(writeWhitelist(t, dir, content), zaptest.NewLogger(t))
			assert.Error(t, err)
		})
	}
}

func TestReloadKeepsRulesOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeWhitelist(t, dir, sampleRules)
	w, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, 4, w.Len())

	require.NoError(t, os.WriteFile(path, []byte("entries: ["), 0o644))
	assert.Error(t, w.Reload())

	assert.Equal(t, 4, w.Len())
	assert.True(t, w.Allowed("/usr/bin/ssh", 0, nil, 0))
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeWhitelist(t, dir, "entries:\n  - path: /usr/bin/ssh\n")
	w, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Watch())
	defer w.Close()

	require.Equal(t, 1, w.Len())
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o644))

	assert.Eventually(t, func() bool { return w.Len() == 4 }, 5*time.Second, 20*time.Millisecond)
}

func TestEntriesSnapshot(t *testing.T) {
	path := writeWhitelist(t, t.TempDir(), sampleRules)
	w, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	entries := w.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "/usr/sbin/sshd", entries[0].Path)
	assert.Equal(t, uint16(22), entries[0].Port)
}
