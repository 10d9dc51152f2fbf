package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/runsync/runsync/settings"
)

var testServerOptions = Options{
	NatsPort:     4990,
	NatsHTTPPort: 8991,
	NatsServer:   "nats://127.0.0.1:4990",
}

// TestServer starts an offline service with runs stored under root and
// returns a function to stop it
func TestServer(root string) (*nats.Conn, func(), error) {
	o := testServerOptions

	s := settings.New()
	s.RootDir = root
	s.Mode = settings.ModeOffline
	s.SetDefaults()
	o.Settings = s
	o.IndexFile = s.IndexFile()

	srv, nc, err := NewServer(o)

	if err != nil {
		return nil, nil, fmt.Errorf("Error starting runsync server: %v", err)
	}

	stopped := make(chan struct{})

	go func() {
		err := srv.Run()
		if err != nil {
			log.Println("Test Server start returned: ", err)
		}
		close(stopped)
	}()

	stop := func() {
		srv.Stop(nil)
		<-stopped
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	err = srv.WaitStart(ctx)
	cancel()
	if err != nil {
		return nil, stop, fmt.Errorf("Error waiting for test server to start: %v", err)
	}

	return nc, stop, nil
}
