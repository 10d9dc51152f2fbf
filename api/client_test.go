package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestClient(url string) *Client {
	c := NewClient(url, "secret")
	c.Retries = 3
	c.Backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestViewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Error("wrong path: ", r.URL.Path)
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != "api" || pass != "secret" {
			t.Error("wrong auth: ", user, pass)
		}

		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}

		if !strings.Contains(req.Query, "viewer") {
			t.Error("unexpected query: ", req.Query)
		}

		w.Write([]byte(`{"data":{"viewer":{"id":"1","entity":"jane","flags":"{}"}}}`))
	}))
	defer srv.Close()

	v, err := newTestClient(srv.URL).Viewer(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if v.Entity != "jane" {
		t.Error("wrong entity: ", v.Entity)
	}
}

func TestRetry(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{"project":{"run":{"stopped":true}}}}`))
	}))
	defer srv.Close()

	stop, err := newTestClient(srv.URL).CheckStopRequested(context.Background(), "e", "p", "r")
	if err != nil {
		t.Fatal(err)
	}

	if !stop {
		t.Error("expected stop requested")
	}

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Error("expected 3 calls, got: ", n)
	}
}

func TestNoRetryOnAuthError(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Viewer(context.Background())
	if !IsAuthError(err) {
		t.Fatal("expected auth error, got: ", err)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Error("auth errors should not be retried, calls: ", n)
	}
}

func TestGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"bad project"}]}`))
	}))
	defer srv.Close()

	_, _, err := newTestClient(srv.URL).UpsertRun(context.Background(), RunInput{Name: "x"})

	var ge *GraphQLError
	if !errors.As(err, &ge) {
		t.Fatal("expected GraphQLError, got: ", err)
	}

	if ge.Messages[0] != "bad project" {
		t.Error("wrong message: ", ge.Messages)
	}
}

func TestResumeStatusMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"model":{"bucket":null}}}`))
	}))
	defer srv.Close()

	rs, err := newTestClient(srv.URL).RunResumeStatus(context.Background(), "e", "p", "r")
	if err != nil {
		t.Fatal(err)
	}

	if rs != nil {
		t.Error("expected nil resume status, got: ", rs)
	}
}

func TestFileStream(t *testing.T) {
	var got FileStreamRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/team/proj/run1/file_stream" {
			t.Error("wrong path: ", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"exitcode":null,"limits":{}}`))
	}))
	defer srv.Close()

	complete := true
	code := int32(0)
	req := FileStreamRequest{
		Files: map[string]FileChunk{
			"wandb-history.jsonl": {Offset: 3, Content: []string{`{"a":1}`}},
		},
		Complete: &complete,
		ExitCode: &code,
	}

	_, err := newTestClient(srv.URL).FileStream(context.Background(), "team", "proj", "run1", req)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(req, got); diff != "" {
		t.Error("file stream request mismatch (-want +got):\n", diff)
	}
}

func TestUploadFile(t *testing.T) {
	var body string
	var header string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Error("expected PUT, got: ", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		header = r.Header.Get("X-Test")
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).UploadFile(context.Background(), srv.URL+"/upload",
		[]string{"X-Test:yes"}, strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatal(err)
	}

	if body != "hello" || header != "yes" {
		t.Error("unexpected upload: ", body, header)
	}
}

func TestAgentHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"agentHeartbeat":{"commands":"[{\"type\":\"run\",\"run_id\":\"r1\",\"args\":{\"lr\":{\"value\":0.1}}}]"}}}`))
	}))
	defer srv.Close()

	cmds, err := newTestClient(srv.URL).AgentHeartbeat(context.Background(), "a1", map[string]bool{})
	if err != nil {
		t.Fatal(err)
	}

	if len(cmds) != 1 || cmds[0].Type != AgentCommandRun || cmds[0].RunID != "r1" {
		t.Error("unexpected commands: ", cmds)
	}
}

func TestLatestVersion(t *testing.T) {
	for _, body := range []string{
		`{"data":{"serverInfo":{"cliVersionInfo":"{\"max_cli_version\":\"0.10.2\"}"}}}`,
		`{"data":{"serverInfo":{"cliVersionInfo":{"max_cli_version":"0.10.2"}}}}`,
	} {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(body))
		}))

		v, err := newTestClient(srv.URL).LatestVersion(context.Background())
		srv.Close()

		if err != nil {
			t.Fatal(err)
		}
		if v != "0.10.2" {
			t.Error("wrong version: ", v)
		}
	}
}

func TestLogRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"viewer":{"id":"1","entity":"jane"}}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.LogRequests(true)

	var buf strings.Builder
	c.http.Transport.(*HTTPLogger).SetOutput(&buf)

	v, err := c.Viewer(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// the body must still reach the caller
	if v.Entity != "jane" {
		t.Error("wrong entity: ", v.Entity)
	}

	out := buf.String()
	if !strings.Contains(out, "POST") || !strings.Contains(out, "/graphql") ||
		!strings.Contains(out, `"entity":"jane"`) || !strings.Contains(out, "query Viewer") {
		t.Error("unexpected log: ", out)
	}
}
