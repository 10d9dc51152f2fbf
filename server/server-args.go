package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/oklog/run"
)

var version = "Development"

// SetVersion sets the version reported by the service
func SetVersion(v string) {
	version = v
}

// Version returns the version set with SetVersion
func Version() string {
	return version
}

// StartArgs starts the service with command line style args
func StartArgs(args []string, flags *flag.FlagSet) error {
	options, err := Args(args, flags)
	if err != nil {
		return err
	}

	var g run.Group

	srv, _, err := NewServer(options)

	if err != nil {
		return fmt.Errorf("Error starting server: %v", err)
	}

	g.Add(srv.Run, srv.Stop)

	g.Add(run.SignalHandler(context.Background(),
		syscall.SIGINT, syscall.SIGTERM))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*9)

	// add check to make sure server started
	chStartCheck := make(chan struct{})
	g.Add(func() error {
		err := srv.WaitStart(ctx)
		if err != nil {
			return errors.New("Timeout waiting for runsync service to start")
		}
		log.Printf("runsync service %v started\n", version)
		<-chStartCheck
		return nil
	}, func(err error) {
		cancel()
		close(chStartCheck)
	})

	err = g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Println("runsync service stopped: ", sigErr.Signal)
		return nil
	}

	return err
}
