package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/gateways/upstream"
	"github.com/haukened/tunblock/internal/dns/services/proxy"
)

// eventLoop performs the forwarding and device writes of one session.
// Forwards run on at most size goroutines at a time.
type eventLoop struct {
	ctx       context.Context
	dev       Device
	proxy     *proxy.Proxy
	exchanger Exchanger
	logger    log.Logger

	size     int64
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	failures chan error
}

var _ proxy.EventLoop = (*eventLoop)(nil)

func newEventLoop(ctx context.Context, dev Device, px *proxy.Proxy, ex Exchanger, size int64, logger log.Logger) *eventLoop {
	return &eventLoop{
		ctx:       ctx,
		dev:       dev,
		proxy:     px,
		exchanger: ex,
		logger:    logger,
		size:      size,
		sem:       semaphore.NewWeighted(size),
		failures:  make(chan error, 1),
	}
}

func (l *eventLoop) ForwardPacket(fwd proxy.Forward) error {
	if !l.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %d forwards in flight", proxy.ErrPoolSaturated, l.size)
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.sem.Release(1)
		l.forward(fwd)
	}()
	return nil
}

func (l *eventLoop) QueueDeviceWrite(pkt []byte) error {
	if err := l.dev.WritePacket(pkt); err != nil {
		return fmt.Errorf("%w: write tunnel: %w", ErrNetwork, err)
	}
	return nil
}

func (l *eventLoop) forward(fwd proxy.Forward) {
	if fwd.Probe {
		if err := l.exchanger.Send(l.ctx, fwd.Upstream, fwd.Request.Payload); err != nil {
			l.upstreamFailed(fwd, err)
		}
		return
	}

	reply, err := l.exchanger.Exchange(l.ctx, fwd.Upstream, fwd.Request.Payload)
	if err != nil {
		l.upstreamFailed(fwd, err)
		return
	}
	if err := l.proxy.HandleResponse(fwd.Request, reply, l); err != nil {
		l.fail(err)
	}
}

// upstreamFailed drops the query unless the protected socket itself could not
// be created, which ends the session.
func (l *eventLoop) upstreamFailed(fwd proxy.Forward, err error) {
	if errors.Is(err, upstream.ErrSocket) {
		l.fail(fmt.Errorf("%w: %w", ErrNetwork, err))
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	l.logger.Warn(map[string]any{
		"upstream": fwd.Upstream.String(),
		"name":     fwd.Query.Name,
		"error":    err,
	}, "upstream exchange failed")
}

// fail hands err to the read loop and wakes it. Only the first failure is kept.
func (l *eventLoop) fail(err error) {
	select {
	case l.failures <- err:
	default:
	}
	if ierr := l.dev.Interrupt(); ierr != nil {
		l.logger.Error(map[string]any{"error": ierr}, "cannot interrupt tunnel read")
	}
}

// failure returns the first reported failure, if any.
func (l *eventLoop) failure() error {
	select {
	case err := <-l.failures:
		return err
	default:
		return nil
	}
}

// wait blocks until every forward has finished.
func (l *eventLoop) wait() {
	l.wg.Wait()
}
