// Package aserve provides an embeddable asynchronous network server.
//
// Features:
//   - Lifecycle: Start returns immediately; the outcome arrives through
//     OnStart or OnFail and can be awaited with Wait.
//   - Execution context: every handler runs serially on one goroutine owned
//     by the transport driver. Post queues arbitrary work on it.
//   - Connection registry: accepted connections are tracked until their
//     disconnect notification and can be listed or broadcast to.
//   - Pluggable transports: "tcp", "netpoll" and "memory" drivers, or any
//     transport.Driver through WithDriverFactory.
//   - Pluggable framing: each connection gets a protocol.Unit built by the
//     configured protocol.Builder.
//
// Basic Example:
//
//	srv := aserve.New()
//	srv.OnNewConnection(func(c *aserve.Connection) {
//	    c.OnReceive(func(c *aserve.Connection, msg []byte) {
//	        _ = c.Send(msg)
//	    })
//	})
//	srv.OnFail(func(err error) {
//	    log.Println(err)
//	})
//	if !srv.Start(aserve.Configurate(aserve.WithPort(9000))).Wait(false) {
//	    // handle srv.Err()
//	}
//	defer srv.Close()
//
// Handlers must not call Stop(true) or Wait: they run on the goroutine
// those calls wait for.
package aserve
