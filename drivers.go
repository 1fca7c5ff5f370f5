package aserve

import (
	"sync"

	"github.com/andrei-cloud/aserve/transport"
	"github.com/andrei-cloud/aserve/transport/memory"
	"github.com/andrei-cloud/aserve/transport/tcp"
)

// DriverFactory builds a transport driver from resolved options.
type DriverFactory func(opts transport.Options) (transport.Driver, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]DriverFactory{
		"tcp": func(opts transport.Options) (transport.Driver, error) {
			return tcp.New(opts), nil
		},
		"memory": func(opts transport.Options) (transport.Driver, error) {
			return memory.New(opts), nil
		},
	}
)

// RegisterTransport makes a driver available under name. Registering an
// existing name replaces it.
func RegisterTransport(name string, f DriverFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = f
}

func lookupTransport(name string) (DriverFactory, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	f, ok := transports[name]

	return f, ok && f != nil
}
