// Package server runs the runsync internal service: an embedded NATS server,
// the stream manager that owns every run, and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/runsync/runsync/client"
	"github.com/runsync/runsync/sender"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/store"
	"github.com/runsync/runsync/stream"
)

// ErrServerStopped is returned when the server is stopped
var ErrServerStopped = errors.New("Server stopped")

// Options used for starting the runsync service
type Options struct {
	NatsServer        string
	NatsDisableServer bool
	NatsPort          int
	NatsHTTPPort      int
	NatsTLSCert       string
	NatsTLSKey        string
	NatsTLSTimeout    float64
	AuthToken         string
	// MetricsAddr is where prometheus metrics are served, empty disables
	MetricsAddr    string
	DebugLifecycle bool
	// IndexFile is the local run index, empty disables it
	IndexFile string
	// Settings are the base settings for every run
	Settings *settings.Settings
	// NewAPI creates the backend client for a run
	NewAPI     func(s *settings.Settings) (sender.API, error)
	AppVersion string
}

// Server represents a runsync service process
type Server struct {
	nc                 *nats.Conn
	options            Options
	natsServer         *server.Server
	clients            *client.RunGroup
	manager            *stream.Manager
	chNatsClientClosed chan struct{}
	chStop             chan struct{}
	chWaitStart        chan struct{}
}

// NewServer creates a new server
func NewServer(o Options) (*Server, *nats.Conn, error) {
	chNatsClientClosed := make(chan struct{})

	// start the server side nats client
	nc, err := nats.Connect(o.NatsServer,
		nats.Timeout(10*time.Second),
		nats.PingInterval(60*5*time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5*1024*1024),
		nats.SetCustomDialer(&net.Dialer{
			KeepAlive: -1,
		}),
		nats.Token(o.AuthToken),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ErrorHandler(func(_ *nats.Conn,
			sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			log.Printf("Server NATS client error, sub: %v, err: %s\n", subject, err)
		}),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			log.Println("Server NATS client reconnect attempt #", attempts)
			return time.Millisecond * 250
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("Server NATS client: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Println("Server NATS client: closed")
			close(chNatsClientClosed)
		}),
		nats.ConnectHandler(func(_ *nats.Conn) {
			log.Println("Server NATS client: connected")
		}),
	)

	return &Server{
		nc:                 nc,
		options:            o,
		chNatsClientClosed: chNatsClientClosed,
		chStop:             make(chan struct{}),
		chWaitStart:        make(chan struct{}),
		clients:            client.NewRunGroup("Server clients"),
	}, nc, err
}

// AddClient can be used to add components that run alongside the stream
// manager. Clients must be added before Run is called.
func (s *Server) AddClient(c client.RunStop) {
	s.clients.Add(c)
}

// Manager returns the stream manager. It is only valid after WaitStart.
func (s *Server) Manager() *stream.Manager {
	return s.manager
}

// Run the server -- only returns if there is an error or it is stopped
func (s *Server) Run() error {
	var g run.Group

	logLS := func(m ...any) {}

	if s.options.DebugLifecycle {
		logLS = func(m ...any) {
			log.Println(m...)
		}
	}

	o := s.options

	var err error

	// ====================================
	// Nats server
	// ====================================
	natsOptions := natsServerOptions{
		Port:       o.NatsPort,
		HTTPPort:   o.NatsHTTPPort,
		Auth:       o.AuthToken,
		TLSCert:    o.NatsTLSCert,
		TLSKey:     o.NatsTLSKey,
		TLSTimeout: o.NatsTLSTimeout,
	}

	// the nats server is shut down after the stream manager so teardown
	// replies still go out
	chManagerDone := make(chan struct{})

	if !o.NatsDisableServer {
		s.natsServer, err = newNatsServer(natsOptions)
		if err != nil {
			return fmt.Errorf("Error setting up nats server: %v", err)
		}

		g.Add(func() error {
			s.natsServer.Start()
			s.natsServer.WaitForShutdown()
			logLS("LS: Exited: nats server")
			return fmt.Errorf("NATS server stopped")
		}, func(err error) {
			go func() {
				<-chManagerDone
				s.natsServer.Shutdown()
				logLS("LS: Shutdown: nats server")
			}()
		})
	}

	// ====================================
	// Run index
	// ====================================
	var index *store.DbSqlite

	if o.IndexFile != "" {
		index, err = store.NewSqliteDb(o.IndexFile)
		if err != nil {
			return fmt.Errorf("Error opening run index: %v", err)
		}
	}

	// ====================================
	// Metrics
	// ====================================
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := stream.NewMetrics(reg)

	if o.MetricsAddr != "" {
		s.AddClient(newMetricsServer(o.MetricsAddr, reg))
	}

	// ====================================
	// Stream manager
	// ====================================
	s.manager = stream.NewManager(stream.Params{
		Nc:      s.nc,
		Base:    o.Settings,
		NewAPI:  o.NewAPI,
		Index:   index,
		Metrics: metrics,
	})

	g.Add(func() error {
		defer close(chManagerDone)
		err := s.manager.Run()
		logLS("LS: Exited: stream manager")
		return err
	}, func(err error) {
		s.manager.Stop(err)
		logLS("LS: Shutdown: stream manager")
	})

	managerWaitCtx, managerWaitCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer managerWaitCancel()

	// ====================================
	// Clients
	// ====================================
	g.Add(func() error {
		err := s.clients.Run()
		logLS("LS: Exited: clients: ", err)
		return err
	}, func(err error) {
		s.clients.Stop(err)
		logLS("LS: Shutdown: clients")
	})

	// Give us a way to stop the server
	// and signal to waiters we have started
	chShutdown := make(chan struct{})
	g.Add(func() error {
		err := s.manager.WaitStart(managerWaitCtx)
		if err != nil {
			logLS("LS: Exited: server stopper, timeout waiting for stream manager")
			return err
		}

		select {
		case <-s.chStop:
			logLS("LS: Exited: stop handler")
			return ErrServerStopped
		case <-chShutdown:
			logLS("LS: Exited: stop handler")
			return nil
		}
	}, func(_ error) {
		close(chShutdown)
		logLS("LS: Shutdown: stop handler")
	})

	chRunError := make(chan error)

	go func() {
		chRunError <- g.Run()
	}()

	var retErr error

done:
	for {
		select {
		// unblock any waits
		case <-s.chWaitStart:
			// No-op, reading channel is enough to unblock wait
		case retErr = <-chRunError:
			break done
		}
	}

	s.nc.Close()

	if errors.Is(retErr, ErrServerStopped) {
		retErr = nil
	}

	var indexErr error
	if index != nil {
		indexErr = index.Close()
	}

	return shutdownErrors(retErr, indexErr)
}

// Stop server
func (s *Server) Stop(_ error) {
	close(s.chStop)
}

// WaitStart waits for server to start. Clients should wait for this
// to complete before opening streams.
func (s *Server) WaitStart(ctx context.Context) error {
	waitDone := make(chan struct{})

	go func() {
		// the following will block until the main select loop starts
		s.chWaitStart <- struct{}{}
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return errors.New("Server wait timeout or canceled")
	case <-waitDone:
	}

	if s.manager == nil {
		return errors.New("Server did not start stream manager")
	}

	return s.manager.WaitStart(ctx)
}

// shutdownErrors collects errors from components that were stopped together
func shutdownErrors(errs ...error) error {
	var ret error
	for _, err := range errs {
		if err != nil {
			ret = multierror.Append(ret, err)
		}
	}
	return ret
}
