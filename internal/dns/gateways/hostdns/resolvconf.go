package hostdns

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/haukened/tunblock/internal/dns/common/log"
)

const backupSuffix = ".tunblock"

// ResolvConf replaces a resolv.conf file with one naming the tunnel
// addresses. The original is moved aside and put back by Revert.
type ResolvConf struct {
	path   string
	logger log.Logger

	mu      sync.Mutex
	written []byte
}

var _ Configurator = (*ResolvConf)(nil)

// NewResolvConf manages path. A backup left behind by an earlier run is
// restored first.
func NewResolvConf(path string, logger log.Logger) (*ResolvConf, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	r := &ResolvConf{path: path, logger: log.With(logger, map[string]any{"component": "hostdns"})}
	if _, err := os.Lstat(r.backup()); err == nil {
		r.logger.Warn(map[string]any{"path": path}, "restoring resolver configuration left by a previous run")
		if err := os.Rename(r.backup(), path); err != nil {
			return nil, fmt.Errorf("restore %s: %w", path, err)
		}
	}
	return r, nil
}

func (r *ResolvConf) backup() string {
	return r.path + backupSuffix
}

func (r *ResolvConf) Apply(link string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return fmt.Errorf("no dns servers for %s", link)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written != nil {
		return errors.New("resolver configuration already applied")
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "# written by tunblockd for %s; the previous file is %s\n", link, filepath.Base(r.backup()))
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	content := b.Bytes()

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create resolver file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write resolver file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("write resolver file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write resolver file: %w", err)
	}

	hadOriginal := true
	if err := os.Rename(r.path, r.backup()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("back up %s: %w", r.path, err)
		}
		hadOriginal = false
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		if hadOriginal {
			_ = os.Rename(r.backup(), r.path)
		}
		return fmt.Errorf("replace %s: %w", r.path, err)
	}
	r.written = content
	r.logger.Info(map[string]any{"path": r.path, "servers": len(servers)}, "resolver file replaced")
	return nil
}

// Revert puts the original file back. When something else has rewritten the
// file since Apply, that version is kept and the backup is dropped.
func (r *ResolvConf) Revert(link string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written == nil {
		return nil
	}
	written := r.written
	r.written = nil

	current, err := os.ReadFile(r.path)
	if err == nil && !bytes.Equal(current, written) {
		r.logger.Info(map[string]any{"path": r.path}, "resolver file changed while tunneled, keeping it")
		if err := os.Remove(r.backup()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove backup: %w", err)
		}
		return nil
	}
	if _, err := os.Lstat(r.backup()); errors.Is(err, fs.ErrNotExist) {
		// there was no file before Apply
		if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", r.path, err)
		}
		return nil
	}
	if err := os.Rename(r.backup(), r.path); err != nil {
		return fmt.Errorf("restore %s: %w", r.path, err)
	}
	return nil
}

func (r *ResolvConf) UpstreamResolvConf() string {
	return r.path
}
