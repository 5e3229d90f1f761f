package admin

import (
	"sync"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/services/updater"
)

// UpdateLog keeps the errors of the latest rule-list update.
type UpdateLog struct {
	clock  clock.Clock
	logger log.Logger

	mu   sync.Mutex
	errs []string
	at   time.Time
}

var _ updater.ErrorSink = (*UpdateLog)(nil)

func NewUpdateLog(clk clock.Clock, logger log.Logger) *UpdateLog {
	return &UpdateLog{clock: clk, logger: log.With(logger, map[string]any{"component": "admin"})}
}

// ReportUpdateErrors replaces the errors of the previous update. An empty
// slice clears them.
func (l *UpdateLog) ReportUpdateErrors(errs []string) {
	l.mu.Lock()
	l.errs = append([]string(nil), errs...)
	l.at = l.clock.Now()
	l.mu.Unlock()
	for _, e := range errs {
		l.logger.Warn(map[string]any{"error": e}, "rule list update failed")
	}
}

// Snapshot returns the errors of the latest update and when it finished.
func (l *UpdateLog) Snapshot() ([]string, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errs...), l.at
}
