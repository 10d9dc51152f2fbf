package stream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/runsync/runsync/data"
	natsutil "github.com/runsync/runsync/nats"
	"github.com/runsync/runsync/settings"
)

func startNats(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT,
		NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatal("Error creating nats server: ", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal("Error connecting to nats: ", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})

	return nc
}

func startManager(t *testing.T, nc *nats.Conn, base *settings.Settings) *Manager {
	t.Helper()

	m := NewManager(Params{Nc: nc, Base: base})

	stopped := make(chan error)
	go func() {
		stopped <- m.Run()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitStart(ctx); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		m.Stop(nil)
		if err := <-stopped; err != nil {
			t.Error("Manager run returned: ", err)
		}
	})

	return m
}

func request(t *testing.T, nc *nats.Conn, streamID string, rec *data.Record) *data.Result {
	t.Helper()

	out, err := data.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := nc.Request(natsutil.SubjectRequest(streamID), out, 5*time.Second)
	if err != nil {
		t.Fatal("Request error: ", err)
	}

	res, err := data.DecodeResult(msg.Data)
	if err != nil {
		t.Fatal("Error decoding result: ", err)
	}

	return res
}

func TestManager(t *testing.T) {
	nc := startNats(t)

	base := settings.New()
	base.RootDir = t.TempDir()
	m := startManager(t, nc, base)

	values := map[string]string{"run_id": "abc123", "mode": "offline",
		"project": "proj", "root_dir": ""}
	out, _ := json.Marshal(values)

	msg, err := nc.Request(natsutil.SubjectStreamInit, out, 5*time.Second)
	if err != nil {
		t.Fatal("Init error: ", err)
	}

	var init InitResponse
	if err := json.Unmarshal(msg.Data, &init); err != nil {
		t.Fatal(err)
	}

	if init.Error != "" || init.StreamID == "" || init.RunID != "abc123" {
		t.Fatalf("Unexpected init response: %+v", init)
	}

	if m.Streams() != 1 {
		t.Error("Expected 1 stream, got: ", m.Streams())
	}

	res := request(t, nc, init.StreamID, &data.Record{UUID: "r1",
		Run: &data.RunRecord{RunID: "abc123", Project: "proj"}})

	if res.UUID != "r1" || res.RunResult == nil || res.RunResult.Run.RunID != "abc123" {
		t.Errorf("Unexpected run result: %+v", res)
	}

	hist, _ := data.Encode(&data.Record{History: &data.HistoryRecord{
		Items: []data.Item{{Key: "acc", ValueJSON: "0.9"}}}})
	if err := nc.Publish(natsutil.SubjectRecord(init.StreamID), hist); err != nil {
		t.Fatal(err)
	}

	res = request(t, nc, init.StreamID, &data.Record{UUID: "r2",
		Exit: &data.RunExitRecord{ExitCode: 0}})
	if res.UUID != "r2" || res.ExitResult == nil {
		t.Errorf("Unexpected exit result: %+v", res)
	}

	msg, err = nc.Request(natsutil.SubjectTeardown(init.StreamID), nil, 5*time.Second)
	if err != nil {
		t.Fatal("Teardown error: ", err)
	}

	var td InitResponse
	if err := json.Unmarshal(msg.Data, &td); err != nil {
		t.Fatal(err)
	}
	if td.Error != "" {
		t.Error("Teardown error: ", td.Error)
	}

	if m.Streams() != 0 {
		t.Error("Expected 0 streams, got: ", m.Streams())
	}

	if _, err := os.Stat(init.RunDir); err != nil {
		t.Error("Run dir missing: ", err)
	}

	exp := []string{data.RecordTypeRun, data.RecordTypeHistory, data.RecordTypeExit}
	got := readLog(t, filepath.Join(init.RunDir, "run-abc123.wandb"))
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Error("Log mismatch (-want +got):\n", diff)
	}
}

func TestManagerErrors(t *testing.T) {
	nc := startNats(t)

	base := settings.New()
	base.RootDir = t.TempDir()
	startManager(t, nc, base)

	msg, err := nc.Request(natsutil.SubjectStreamInit, []byte(`{"mode":"bogus"}`), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	var init InitResponse
	if err := json.Unmarshal(msg.Data, &init); err != nil {
		t.Fatal(err)
	}

	if init.Error == "" {
		t.Error("Expected an error for an invalid mode")
	}

	res := request(t, nc, "missing", &data.Record{UUID: "x",
		Request: &data.Request{Status: &data.StatusRequest{}}})

	if res.RunResult == nil || res.RunResult.Error == nil {
		t.Fatalf("Expected an error result, got: %+v", res)
	}
}
