package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/runsync/runsync/server"
	"github.com/runsync/runsync/settings"
)

// goreleaser will replace version with Git version. You can also pass version
// into the version into the go build:
//
//	go build -ldflags="-X main.version=1.2.3"
var version = "Development"

// stringList is a flag that can be given more than once
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	// global options
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagVersion := flags.Bool("version", false, "Print app version")
	flags.Usage = func() {
		fmt.Println("usage: runsync [OPTION]... COMMAND [OPTION]...")
		fmt.Println("Global options:")
		flags.PrintDefaults()
		fmt.Println()
		fmt.Println("Available commands:")
		fmt.Println("  - serve (start the internal service)")
		fmt.Println("  - login (store an API key)")
		fmt.Println("  - init (configure the project for this directory)")
		fmt.Println("  - sync (upload offline runs)")
		fmt.Println("  - agent (run sweep jobs)")
		fmt.Println("  - local (start a local backend in docker)")
		fmt.Println("  - pull (download the files of a run)")
		fmt.Println("  - status (show settings and local runs)")
	}

	flags.Parse(os.Args[1:])

	if *flagVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	server.SetVersion(version)

	// extract sub command and its arguments
	args := flags.Args()

	if len(args) < 1 {
		flags.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error

	switch args[0] {
	case "serve":
		err = server.StartArgs(args[1:], nil)
	case "login":
		err = runLogin(ctx, args[1:])
	case "init":
		err = runInit(args[1:])
	case "sync":
		err = runSync(args[1:])
	case "agent":
		err = runAgent(ctx, args[1:])
	case "local":
		err = runLocal(ctx, args[1:])
	case "pull":
		err = runPull(ctx, args[1:])
	case "status":
		err = runStatus(ctx, args[1:])
	default:
		log.Fatal("Unknown command; options: serve, login, init, sync, agent, local, pull, status")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Println("runsync: ", err)
		os.Exit(1)
	}
}

// loadSettings reads the settings files and WANDB_* environment for the
// current directory
func loadSettings() (*settings.Settings, error) {
	s := settings.New()

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	s.RootDir = wd

	if err := s.Load(settings.Environ(os.Environ())); err != nil {
		return nil, err
	}

	return s, nil
}
