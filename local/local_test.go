package local

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeExecutor struct {
	cmds [][]string
}

func (f *fakeExecutor) Exec(cmd *exec.Cmd) ([]byte, error) {
	f.cmds = append(f.cmds, cmd.Args[1:])
	return []byte("abc123\n"), nil
}

func TestArgs(t *testing.T) {
	exp := []string{"run", "-d", "--name", "wandb_local",
		"-e", "CI=1",
		"-e", "DISABLE_TELEMETRY=true",
		"-e", "GORILLA_FRONTEND_HOST=http://localhost:9000",
		"-p", "9000:8080",
		"-p", "3306:3306",
		"-p", "8083:8083",
		"-p", "9001:9000",
		"wandb/local:latest"}

	if diff := cmp.Diff(exp, Options{}.Args()); diff != "" {
		t.Error("Args mismatch (-want +got):\n", diff)
	}

	got := Options{Env: []string{"LOCAL_USERNAME=me"}}.Args()
	if got[10] != "-e" || got[11] != "LOCAL_USERNAME=me" || got[12] != "-p" {
		t.Error("Extra env should follow the defaults: ", got)
	}
}

func TestLaunch(t *testing.T) {
	f := &fakeExecutor{}

	id, err := Launch(context.Background(), Options{Upgrade: true, Executor: f})
	if err != nil {
		t.Fatal(err)
	}

	if id != "abc123" {
		t.Error("Wrong container id: ", id)
	}

	exp := [][]string{{"pull", Image}, Options{}.Args()}
	if diff := cmp.Diff(exp, f.cmds); diff != "" {
		t.Error("Commands mismatch (-want +got):\n", diff)
	}
}

func TestWaitReady(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer srv.Close()

	err := WaitReady(context.Background(), srv.URL, 5*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Error("Expected 3 checks, got: ", calls)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := WaitReady(context.Background(), srv.URL, 50*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrNotReady) {
		t.Error("Expected ErrNotReady, got: ", err)
	}
}
