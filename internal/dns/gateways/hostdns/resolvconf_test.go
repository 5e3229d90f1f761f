package hostdns

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const originalConf = "nameserver 9.9.9.9\nsearch lan\n"

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func tunnelServers() []netip.Addr {
	return []netip.Addr{netip.MustParseAddr("192.168.50.2"), netip.MustParseAddr("fd00:50::2")}
}

func TestResolvConf_ApplyAndRevert(t *testing.T) {
	path := writeConf(t, originalConf)
	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)

	require.NoError(t, r.Apply("tun0", tunnelServers()))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(got), "nameserver 192.168.50.2\n")
	assert.Contains(t, string(got), "nameserver fd00:50::2\n")
	assert.NotContains(t, string(got), "9.9.9.9")
	assert.FileExists(t, path+backupSuffix)

	require.NoError(t, r.Revert("tun0"))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalConf, string(got))
	assert.NoFileExists(t, path+backupSuffix)
}

func TestResolvConf_ApplyTwiceFails(t *testing.T) {
	path := writeConf(t, originalConf)
	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)

	require.NoError(t, r.Apply("tun0", tunnelServers()))
	assert.Error(t, r.Apply("tun0", tunnelServers()))

	require.NoError(t, r.Revert("tun0"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalConf, string(got))
}

func TestResolvConf_RevertKeepsForeignRewrite(t *testing.T) {
	path := writeConf(t, originalConf)
	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Apply("tun0", tunnelServers()))

	// a network manager writes fresh upstreams while the tunnel is up
	require.NoError(t, os.WriteFile(path, []byte("nameserver 1.1.1.1\n"), 0o644))

	require.NoError(t, r.Revert("tun0"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 1.1.1.1\n", string(got))
	assert.NoFileExists(t, path+backupSuffix)
}

func TestResolvConf_RevertWithoutApply(t *testing.T) {
	path := writeConf(t, originalConf)
	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)

	require.NoError(t, r.Revert("tun0"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalConf, string(got))
}

func TestResolvConf_RevertRemovesFileThatDidNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)

	require.NoError(t, r.Apply("tun0", tunnelServers()))
	assert.FileExists(t, path)

	require.NoError(t, r.Revert("tun0"))
	assert.NoFileExists(t, path)
}

func TestNewResolvConf_RestoresBackupFromCrashedRun(t *testing.T) {
	path := writeConf(t, "nameserver 192.168.50.2\n")
	require.NoError(t, os.WriteFile(path+backupSuffix, []byte(originalConf), 0o644))

	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, originalConf, string(got))
	assert.NoFileExists(t, path+backupSuffix)
	assert.Equal(t, path, r.UpstreamResolvConf())
}

func TestResolvConf_SymlinkRestored(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "stub-resolv.conf")
	require.NoError(t, os.WriteFile(target, []byte(originalConf), 0o644))
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.Symlink(target, path))

	r, err := NewResolvConf(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Apply("tun0", tunnelServers()))

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Zero(t, fi.Mode()&os.ModeSymlink)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, originalConf, string(got))

	require.NoError(t, r.Revert("tun0"))
	dest, err := os.Readlink(path)
	require.NoError(t, err)
	assert.Equal(t, target, dest)
}
