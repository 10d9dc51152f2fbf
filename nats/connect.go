// Package nats contains helpers for the NATS connection between run clients
// and the runsync service.
package nats

import (
	"log"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectOptions describes how a run client connects to the service
type ConnectOptions struct {
	Server    string
	AuthToken string
	// Timeout is how long to keep trying before giving up on the first
	// connection
	Timeout      time.Duration
	Disconnected func()
	Reconnected  func()
	Closed       func()
}

// Connect to the service. The service normally runs on the same machine, so
// reconnects are retried quickly with a short exponential backoff.
func Connect(o ConnectOptions) (*nats.Conn, error) {
	logger := log.New(os.Stderr, "NATS: ", log.LstdFlags|log.Lmsgprefix)

	server, err := SanitizeURI(o.Server)
	if err != nil {
		return nil, err
	}

	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}

	nc, err := nats.Connect(server,
		nats.Name("runsync-client"),
		nats.Timeout(o.Timeout),
		nats.DrainTimeout(o.Timeout),
		nats.PingInterval(time.Minute),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectBufSize(8*1024*1024),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			delay := ExpBackoff(attempts, 10*time.Second)
			logger.Printf("reconnect attempts: %v, delay: %v", attempts, delay)
			return delay
		}),
		nats.Token(o.AuthToken),
	)

	if err != nil {
		return nil, err
	}

	nc.SetErrorHandler(func(_ *nats.Conn, _ *nats.Subscription,
		err error) {
		logger.Printf("Error: %s\n", err)
	})

	nc.SetReconnectHandler(func(_ *nats.Conn) {
		if o.Reconnected != nil {
			o.Reconnected()
		}
	})

	nc.SetDisconnectHandler(func(_ *nats.Conn) {
		if o.Disconnected != nil {
			o.Disconnected()
		}
	})

	nc.SetClosedHandler(func(_ *nats.Conn) {
		if o.Closed != nil {
			o.Closed()
		}
	})

	return nc, nil
}
