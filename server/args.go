package server

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/mitchellh/go-homedir"
	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/login"
	"github.com/runsync/runsync/sender"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/system"
)

// DefaultNatsServer is where runs connect to the service
const DefaultNatsServer = "nats://127.0.0.1:4222"

// envInt reads an integer from the environment, def is returned when the
// variable is not set
func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("Error parsing %v: %w", name, err)
	}

	return n, nil
}

// NewAPI creates a backend client for a run using the api key from the
// settings or netrc
func NewAPI(s *settings.Settings) (sender.API, error) {
	key, err := login.APIKey(s)
	if err != nil {
		return nil, err
	}

	c := api.NewClient(s.BaseURL, key)
	if s.LogLevel == "debug" {
		c.LogRequests(true)
	}

	return c, nil
}

// Args parses the service command line options. RUNSYNC_* environment
// variables override defaults, explicit flags override the environment.
func Args(args []string, flags *flag.FlagSet) (Options, error) {
	if flags == nil {
		flags = flag.NewFlagSet("serve", flag.ExitOnError)
	}

	flagDebugLifecycle := flags.Bool("debugLifecycle", false, "debug program lifecycle")
	flagNatsServer := flags.String("natsServer", DefaultNatsServer, "NATS Server")
	flagNatsDisableServer := flags.Bool("natsDisableServer", false, "disable NATS server (if you want to run NATS separately)")
	flagAuthToken := flags.String("token", "", "auth token")
	flagSyslog := flags.Bool("syslog", false, "log to syslog instead of stderr")
	flagMetricsAddr := flags.String("metricsAddr", "", "serve prometheus metrics on this address, ex: 127.0.0.1:9091")
	flagRoot := flags.String("root", ".", "project root dir, runs are stored in <root>/wandb")
	flagNoIndex := flags.Bool("noIndex", false, "do not track runs in the local run index")

	if err := flags.Parse(args); err != nil {
		return Options{}, err
	}

	// =============================================
	// Run settings
	// =============================================
	root, err := homedir.Expand(*flagRoot)
	if err != nil {
		return Options{}, err
	}

	s := settings.New()
	s.RootDir = root
	if err := s.Load(settings.Environ(os.Environ())); err != nil {
		return Options{}, err
	}

	// =============================================
	// NATS stuff
	// =============================================
	natsPort, err := envInt("RUNSYNC_NATS_PORT", 4222)
	if err != nil {
		return Options{}, err
	}

	natsHTTPPort, err := envInt("RUNSYNC_NATS_HTTP_PORT", 0)
	if err != nil {
		return Options{}, err
	}

	natsServer := *flagNatsServer
	// only consider env if command line option is something different
	// that default
	if natsServer == DefaultNatsServer {
		if e := os.Getenv("RUNSYNC_NATS_SERVER"); e != "" {
			natsServer = e
		}
	}

	natsTLSTimeout := 0.5
	if e := os.Getenv("RUNSYNC_NATS_TLS_TIMEOUT"); e != "" {
		natsTLSTimeout, err = strconv.ParseFloat(e, 64)
		if err != nil {
			return Options{}, fmt.Errorf("Error parsing nats TLS timeout: %w", err)
		}
	}

	authToken := os.Getenv("RUNSYNC_AUTH_TOKEN")
	if *flagAuthToken != "" {
		authToken = *flagAuthToken
	}

	metricsAddr := os.Getenv("RUNSYNC_METRICS_ADDR")
	if *flagMetricsAddr != "" {
		metricsAddr = *flagMetricsAddr
	}

	if *flagSyslog {
		err := system.EnableSyslog()
		if err != nil {
			log.Println("Error enabling syslog:", err)
		}
	}

	indexFile := s.IndexFile()
	if *flagNoIndex {
		indexFile = ""
	}

	o := Options{
		NatsServer:        natsServer,
		NatsDisableServer: *flagNatsDisableServer,
		NatsPort:          natsPort,
		NatsHTTPPort:      natsHTTPPort,
		NatsTLSCert:       os.Getenv("RUNSYNC_NATS_TLS_CERT"),
		NatsTLSKey:        os.Getenv("RUNSYNC_NATS_TLS_KEY"),
		NatsTLSTimeout:    natsTLSTimeout,
		AuthToken:         authToken,
		MetricsAddr:       metricsAddr,
		DebugLifecycle:    *flagDebugLifecycle,
		IndexFile:         indexFile,
		Settings:          s,
		NewAPI:            NewAPI,
		AppVersion:        version,
	}

	return o, nil
}
