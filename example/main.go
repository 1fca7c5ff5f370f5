// Package main provides an example of embedding an aserve server and
// talking to it with length-prefixed frames.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andrei-cloud/aserve"
	"github.com/andrei-cloud/aserve/protocol"
)

// loggerWrapper adapts the standard log.Logger to satisfy aserve.Logger.
type loggerWrapper struct {
	*log.Logger
}

func (lw *loggerWrapper) Debugf(format string, v ...any) {
	lw.Printf("[DEBUG] "+format, v...)
}

func (lw *loggerWrapper) Infof(format string, v ...any) {
	lw.Printf(format, v...)
}

func (lw *loggerWrapper) Warnf(format string, v ...any) {
	lw.Printf("[WARN] "+format, v...)
}

func (lw *loggerWrapper) Errorf(format string, v ...any) {
	lw.Printf("[ERROR] "+format, v...)
}

// startServer starts a server that replies with the reversed request.
func startServer() (*aserve.Server, error) {
	srv := aserve.New()
	srv.OnNewConnection(func(c *aserve.Connection) {
		c.OnReceive(func(c *aserve.Connection, req []byte) {
			out := make([]byte, len(req))
			for i := range req {
				out[len(req)-1-i] = req[i]
			}

			if err := c.Send(out); err != nil {
				log.Printf("send to %v: %v", c, err)
			}
		})
	})
	srv.OnFail(func(err error) {
		log.Printf("server failure: %v", err)
	})

	cfg := aserve.Configurate(
		aserve.WithAddress("127.0.0.1"),
		aserve.WithProtocol(protocol.LengthPrefixed(2)),
		aserve.WithLogger(&loggerWrapper{Logger: log.New(os.Stdout, "SERVER: ", log.LstdFlags|log.Lmicroseconds)}),
	)
	if !srv.Start(cfg).Wait(false) {
		return nil, fmt.Errorf("server failed to start: %w", srv.Err())
	}

	return srv, nil
}

// sendRequests runs one client connection per request.
func sendRequests(addr string, requests []string) {
	var wg sync.WaitGroup
	for _, req := range requests {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				log.Printf("dial: %v", err)
				return
			}
			defer conn.Close()

			_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
			if err := protocol.WriteFrame(conn, 2, []byte(payload)); err != nil {
				log.Printf("client error sending '%s': %v", payload, err)
				return
			}
			resp, err := protocol.ReadFrame(conn, 2)
			if err != nil {
				log.Printf("client error reading '%s': %v", payload, err)
				return
			}

			log.Printf("client received response for '%s': %s", payload, resp)
		}(req)
	}

	wg.Wait()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer srv.Stop(true)

	addr, err := srv.Addr()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}

	sendRequests(addr.String(), []string{"hello", "world", "aserve test", "concurrent", "request"})
	log.Printf("connections still open: %d", srv.Len())
}
