// Package local starts the self hosted backend in a docker container and
// waits for it to accept requests.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Image is the backend container image
const Image = "wandb/local:latest"

// ContainerName is the name given to the backend container
const ContainerName = "wandb_local"

// DefaultURL is where the backend frontend is served once started
const DefaultURL = "http://localhost:9000"

// Defaults used by WaitReady
const (
	DefaultReadyTimeout = 100 * time.Second
	DefaultReadyRetry   = 800 * time.Millisecond
)

// ErrNotReady is returned when the backend does not become ready in time
var ErrNotReady = errors.New("backend did not become ready")

var defaultEnv = []string{
	"CI=1",
	"DISABLE_TELEMETRY=true",
	"GORILLA_FRONTEND_HOST=http://localhost:9000",
}

var defaultPorts = []string{
	"9000:8080",
	"3306:3306",
	"8083:8083",
	"9001:9000",
}

// Executor runs a command and returns its stdout
type Executor interface {
	Exec(cmd *exec.Cmd) ([]byte, error)
}

type execCommander struct{}

func (execCommander) Exec(cmd *exec.Cmd) ([]byte, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%v: %w: %v", strings.Join(cmd.Args, " "), err,
			strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Options describe how the container is launched
type Options struct {
	// Docker is the docker binary, "docker" if empty
	Docker string
	// Env is appended after the default environment
	Env []string
	// Upgrade pulls the image before running it
	Upgrade bool
	// Executor runs docker. Commands are executed directly if nil.
	Executor Executor
}

// Args returns the docker run arguments
func (o Options) Args() []string {
	args := []string{"run", "-d", "--name", ContainerName}

	for _, e := range append(append([]string{}, defaultEnv...), o.Env...) {
		args = append(args, "-e", e)
	}

	for _, p := range defaultPorts {
		args = append(args, "-p", p)
	}

	return append(args, Image)
}

func (o Options) docker() string {
	if o.Docker != "" {
		return o.Docker
	}
	return "docker"
}

func (o Options) executor() Executor {
	if o.Executor != nil {
		return o.Executor
	}
	return execCommander{}
}

// Launch starts the container and returns its ID
func Launch(ctx context.Context, o Options) (string, error) {
	docker := o.docker()

	if _, err := exec.LookPath(docker); err != nil && o.Executor == nil {
		return "", fmt.Errorf("docker not installed, install it from https://docker.com: %w", err)
	}

	ex := o.executor()

	if o.Upgrade {
		log.Println("Pulling ", Image)
		if _, err := ex.Exec(exec.CommandContext(ctx, docker, "pull", Image)); err != nil {
			return "", err
		}
	}

	out, err := ex.Exec(exec.CommandContext(ctx, docker, o.Args()...))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(out)), nil
}

// WaitReady polls url/ready until it answers 200. A zero timeout or retry
// uses the defaults.
func WaitReady(ctx context.Context, url string, timeout, retry time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if retry <= 0 {
		retry = DefaultReadyRetry
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready := strings.TrimSuffix(url, "/") + "/ready"
	logger := log.New(os.Stderr, "Local: ", log.LstdFlags|log.Lmsgprefix)

	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		ok, err := checkReady(ctx, ready)
		if ok {
			return nil
		}
		if err != nil {
			logger.Println("Backend not ready: ", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %v: %v", ErrNotReady, timeout, ready)
		case <-ticker.C:
		}
	}
}

func checkReady(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %v", resp.Status)
	}

	return true, nil
}
