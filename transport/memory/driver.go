// Package memory provides an in-process transport.Driver backed by
// net.Pipe. It follows the same callback contract as the socket drivers and
// lets tests script start failures and runtime failures without binding ports.
package memory

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/andrei-cloud/aserve/transport"
)

// ErrRefused is returned by Dial when the driver is not accepting.
var ErrRefused = errors.New("memory driver is not accepting connections")

var (
	_ transport.Driver    = (*Driver)(nil)
	_ transport.Addresser = (*Driver)(nil)
)

// Addr is the address reported by memory connections and drivers.
type Addr string

func (a Addr) Network() string { return "memory" }
func (a Addr) String() string  { return string(a) }

// Driver is an in-memory transport driver.
type Driver struct {
	opts    transport.Options
	logger  transport.Logger
	loop    *transport.Loop
	tracker *transport.Tracker

	mu        sync.Mutex
	started   bool
	stopping  bool
	failStart error
	running   atomic.Bool
	accepted  atomic.Uint64

	onStart   transport.StartFunc
	onNewConn transport.NewConnFunc
	onFail    transport.FailFunc
}

// New creates a memory driver. opts.Address is only used as a label.
func New(opts transport.Options) *Driver {
	opts.ApplyDefaults()
	if opts.Address == "" {
		opts.Address = "memory"
	}

	return &Driver{
		opts:    opts,
		logger:  opts.Logger,
		loop:    transport.NewLoop(opts.LoopName, opts.QueueSize, opts.Logger),
		tracker: transport.NewTracker(),
	}
}

// FailStart makes the next Start report err through onFail instead of
// starting, the way a socket driver reports a port that is already bound.
func (d *Driver) FailStart(err error) {
	d.mu.Lock()
	d.failStart = err
	d.mu.Unlock()
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

	return d.loop.Post(d.begin)
}

func (d *Driver) begin() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	if err := d.failStart; err != nil {
		d.failStart = nil
		d.mu.Unlock()

		d.fail(err)
		d.Stop()

		return
	}
	d.running.Store(true)
	d.mu.Unlock()

	d.logger.Infof("memory driver accepting on %s", d.opts.Address)

	if d.onStart != nil {
		d.onStart()
	}
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
	d.mu.Unlock()

	if !started {
		d.loop.Stop()
		return
	}

	go func() {
		if err := d.tracker.CloseAll(d.opts.Workers); err != nil {
			d.logger.Warnf("memory driver teardown: %v", err)
		}
		d.tracker.Wait()
		d.loop.Stop()
	}()
}

func (d *Driver) IsRunning() bool {
	return d.running.Load()
}

func (d *Driver) Loop() *transport.Loop {
	return d.loop
}

func (d *Driver) Addr() (net.Addr, error) {
	return Addr(d.opts.Address), nil
}

// Accepted returns the number of connections accepted so far.
func (d *Driver) Accepted() uint64 {
	return d.accepted.Load()
}

// Dial opens a connection to the driver and returns the client end.
func (d *Driver) Dial() (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping || !d.running.Load() {
		return nil, ErrRefused
	}
	if d.opts.MaxConns > 0 && d.tracker.Len() >= d.opts.MaxConns {
		return nil, ErrRefused
	}

	server, client := net.Pipe()
	sc := transport.NewStreamConn(d.tracker.NextID(), server, d.loop, d.opts.IdleTimeout, d.logger)
	d.tracker.Add(sc)
	sc.OnClose(func(id uint64) { d.tracker.Remove(id) })

	if !d.loop.Post(func() { d.newConn(sc) }) {
		_ = sc.Close()
		_ = client.Close()
		sc.NotifyClosed()

		return nil, ErrRefused
	}
	d.accepted.Add(1)

	go sc.Serve(transport.DefaultReadBufferSize)

	return client, nil
}

// Inject reports err through onFail as an asynchronous transport failure.
// The driver keeps running.
func (d *Driver) Inject(err error) bool {
	return d.loop.Post(func() { d.fail(err) })
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
