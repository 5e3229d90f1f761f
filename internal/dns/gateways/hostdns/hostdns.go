// Package hostdns points the host's resolver at the tunnel's DNS addresses
// while a session runs and restores the previous configuration afterwards.
package hostdns

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/exec"

	"github.com/haukened/tunblock/internal/dns/common/log"
)

const (
	ModeAuto       = "auto"
	ModeResolved   = "resolved"
	ModeResolvConf = "resolvconf"
	ModeNone       = "none"
)

const (
	// DefaultResolvConf is the file rewritten in resolvconf mode.
	DefaultResolvConf = "/etc/resolv.conf"
	// ResolvedUplinkConf lists the uplink servers known to systemd-resolved.
	ResolvedUplinkConf = "/run/systemd/resolve/resolv.conf"

	resolvedRuntimeDir = "/run/systemd/resolve"
	resolvectl         = "resolvectl"
)

// Configurator sets and clears the host resolver configuration for a link.
type Configurator interface {
	Apply(link string, servers []netip.Addr) error
	Revert(link string) error
	// UpstreamResolvConf names the resolv.conf file that lists the real
	// upstream servers while the tunnel is not configured.
	UpstreamResolvConf() string
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// New returns the Configurator for mode. ModeNone yields a nil Configurator;
// ModeAuto prefers systemd-resolved and falls back to rewriting resolv.conf.
func New(mode string, logger log.Logger) (Configurator, error) {
	if logger == nil {
		logger = log.GetLogger()
	}
	if mode == ModeAuto {
		mode = detect()
		logger.Info(map[string]any{"mode": mode}, "host dns mode detected")
	}
	switch mode {
	case ModeNone:
		return nil, nil
	case ModeResolved:
		if _, err := lookPath(resolvectl); err != nil {
			return nil, fmt.Errorf("failed to find %s command: %w", resolvectl, err)
		}
		return NewResolved(nil, logger), nil
	case ModeResolvConf:
		return NewResolvConf(DefaultResolvConf, logger)
	default:
		return nil, fmt.Errorf("unknown host dns mode %q", mode)
	}
}

func detect() string {
	if _, err := lookPath(resolvectl); err != nil {
		return ModeResolvConf
	}
	if fi, err := os.Stat(resolvedRuntimeDir); err != nil || !fi.IsDir() {
		return ModeResolvConf
	}
	return ModeResolved
}
