//go:build !windows

package aserve

import (
	"github.com/andrei-cloud/aserve/transport"
	"github.com/andrei-cloud/aserve/transport/netpoll"
)

func init() {
	RegisterTransport("netpoll", func(opts transport.Options) (transport.Driver, error) {
		return netpoll.New(opts), nil
	})
}
