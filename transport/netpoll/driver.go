//go:build !windows

// Package netpoll implements transport.Driver with cloudwego/netpoll
// event loops. Accepting and reading happen on netpoll pollers; every
// callback is still delivered on the driver loop.
package netpoll

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"
	"go.uber.org/multierr"

	"github.com/andrei-cloud/aserve/transport"
)

// shutdownTimeout bounds the graceful part of netpoll shutdown.
const shutdownTimeout = 5 * time.Second

type ctxKey struct{}

var (
	_ transport.Driver    = (*Driver)(nil)
	_ transport.Addresser = (*Driver)(nil)
)

// Driver accepts connections with a netpoll event loop.
type Driver struct {
	opts    transport.Options
	logger  transport.Logger
	loop    *transport.Loop
	tracker *transport.Tracker

	mu        sync.Mutex
	listener  netpoll.Listener
	eventLoop netpoll.EventLoop
	started   bool
	stopping  bool
	running   atomic.Bool
	served    chan struct{} // closed when Serve returns.

	onStart   transport.StartFunc
	onNewConn transport.NewConnFunc
	onFail    transport.FailFunc
}

var (
	pollersOnce sync.Once
	pollers     atomic.Int32 // poller count applied to netpoll, 0 until set.
)

// setPollers applies n as the netpoll poller count. The count is process-wide,
// so only the first driver in the process sets it.
func setPollers(n int, logger transport.Logger) {
	pollersOnce.Do(func() {
		if err := netpoll.SetNumLoops(n); err != nil {
			logger.Warnf("netpoll: set pollers to %d: %v", n, err)
			return
		}
		pollers.Store(int32(n))
	})
}

// New creates a netpoll driver. opts.Workers sets the number of pollers.
// The poller count is process-wide: the first driver created in the process
// fixes it and later drivers keep it.
func New(opts transport.Options) *Driver {
	opts.ApplyDefaults()
	setPollers(opts.Workers, opts.Logger)

	return &Driver{
		opts:    opts,
		logger:  opts.Logger,
		loop:    transport.NewLoop(opts.LoopName, opts.QueueSize, opts.Logger),
		tracker: transport.NewTracker(),
		served:  make(chan struct{}),
	}
}

func (d *Driver) Start(onStart transport.StartFunc, onNewConn transport.NewConnFunc, onFail transport.FailFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopping {
		return false
	}
	d.started = true
	d.onStart = onStart
	d.onNewConn = onNewConn
	d.onFail = onFail

	d.loop.Start()

	return d.loop.Post(d.listen)
}

func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	d.running.Store(false)
	started := d.started
	evl := d.eventLoop
	d.mu.Unlock()

	if !started {
		d.loop.Stop()
		return
	}

	go d.teardown(evl)
}

func (d *Driver) IsRunning() bool {
	return d.running.Load()
}

func (d *Driver) Loop() *transport.Loop {
	return d.loop
}

func (d *Driver) Addr() (net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listener == nil {
		return nil, transport.ErrNotListening
	}

	return d.listener.Addr(), nil
}

func (d *Driver) listen() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	ln, err := netpoll.CreateListener(d.opts.Network, d.opts.Address)
	if err != nil {
		d.fail(fmt.Errorf("listen %s %s: %w", d.opts.Network, d.opts.Address, err))
		d.Stop()

		return
	}

	evl, err := netpoll.NewEventLoop(
		d.onRequest,
		netpoll.WithOnPrepare(d.onPrepare),
		netpoll.WithIdleTimeout(d.opts.IdleTimeout),
	)
	if err != nil {
		_ = ln.Close()
		d.fail(fmt.Errorf("create netpoll event loop: %w", err))
		d.Stop()

		return
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		_ = ln.Close()

		return
	}
	d.listener = ln
	d.eventLoop = evl
	d.running.Store(true)
	d.mu.Unlock()

	go d.serve(evl, ln)

	d.logger.Infof("netpoll driver listening on %s", ln.Addr())

	if d.onStart != nil {
		d.onStart()
	}
}

func (d *Driver) serve(evl netpoll.EventLoop, ln netpoll.Listener) {
	defer close(d.served)

	if err := evl.Serve(ln); err != nil && !d.isStopping() {
		d.running.Store(false)
		failure := fmt.Errorf("netpoll serve on %s: %w", ln.Addr(), err)
		d.logger.Errorf("%v", failure)
		d.loop.Post(func() { d.fail(failure) })
	}
}

// onPrepare runs on a netpoll poller for every accepted connection before
// any data is read from it.
func (d *Driver) onPrepare(connection netpoll.Connection) context.Context {
	ctx := context.Background()

	d.mu.Lock()
	if d.stopping || (d.opts.MaxConns > 0 && d.tracker.Len() >= d.opts.MaxConns) {
		d.mu.Unlock()
		d.logger.Warnf("rejecting connection from %v", connection.RemoteAddr())
		_ = connection.Close()

		return ctx
	}
	c := newConn(d.tracker.NextID(), connection, d.loop, d.logger)
	d.tracker.Add(c)
	d.mu.Unlock()

	c.OnClose(func(id uint64) { d.tracker.Remove(id) })

	if err := connection.AddCloseCallback(func(netpoll.Connection) error {
		c.notifyClosed()
		return nil
	}); err != nil {
		d.logger.Warnf("conn %d: add close callback: %v", c.id, err)
	}

	if !d.loop.Post(func() { d.newConn(c) }) {
		_ = connection.Close()
	}

	return context.WithValue(ctx, ctxKey{}, c)
}

func (d *Driver) onRequest(ctx context.Context, _ netpoll.Connection) error {
	c, ok := ctx.Value(ctxKey{}).(*conn)
	if !ok {
		return nil
	}

	return c.read()
}

func (d *Driver) teardown(evl netpoll.EventLoop) {
	var errs error

	if evl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := evl.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		cancel()
		<-d.served
	}

	errs = multierr.Append(errs, d.tracker.CloseAll(d.opts.Workers))
	d.tracker.Wait()

	if errs != nil {
		d.logger.Warnf("netpoll driver teardown: %v", errs)
	}
	d.logger.Infof("netpoll driver stopped")

	d.loop.Stop()
}

func (d *Driver) newConn(c transport.Conn) {
	if d.onNewConn != nil {
		d.onNewConn(c)
	}
}

func (d *Driver) fail(err error) {
	if d.onFail != nil {
		d.onFail(err)
	}
}

func (d *Driver) isStopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stopping
}
