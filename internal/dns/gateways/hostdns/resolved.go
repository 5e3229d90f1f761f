package hostdns

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/log"
)

const commandTimeout = 10 * time.Second

// Resolved configures per-link DNS through systemd-resolved. The link gets
// the tunnel addresses as servers and the "~." routing domain, so every
// lookup without a more specific route goes through the tunnel.
type Resolved struct {
	run    Runner
	logger log.Logger
}

var _ Configurator = (*Resolved)(nil)

// NewResolved returns a Resolved using run, or resolvectl when run is nil.
func NewResolved(run Runner, logger log.Logger) *Resolved {
	if run == nil {
		run = execRunner
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Resolved{run: run, logger: log.With(logger, map[string]any{"component": "hostdns"})}
}

func (r *Resolved) Apply(link string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return fmt.Errorf("no dns servers for %s", link)
	}
	dns := []string{"dns", link}
	for _, s := range servers {
		dns = append(dns, s.String())
	}
	for _, args := range [][]string{
		dns,
		{"domain", link, "~."},
		{"default-route", link, "yes"},
	} {
		if err := r.resolvectl(args...); err != nil {
			return err
		}
	}
	r.logger.Info(map[string]any{"link": link, "servers": len(servers)}, "link dns configured")
	return nil
}

func (r *Resolved) Revert(link string) error {
	return r.resolvectl("revert", link)
}

func (r *Resolved) UpstreamResolvConf() string {
	return ResolvedUplinkConf
}

func (r *Resolved) resolvectl(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := r.run(ctx, resolvectl, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", resolvectl, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
