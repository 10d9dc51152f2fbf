package stream

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/store"
)

type results struct {
	lock sync.Mutex
	list []*data.Result
}

func (r *results) add(res *data.Result) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.list = append(r.list, res)
}

func (r *results) get() []*data.Result {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*data.Result(nil), r.list...)
}

func offlineSettings(t *testing.T) *settings.Settings {
	t.Helper()

	s := settings.New()
	s.SetDefaults()
	s.RootDir = t.TempDir()
	s.RunID = "off1"
	s.Mode = settings.ModeOffline
	s.StartTime = time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Freeze()
	return s
}

func readLog(t *testing.T, path string) []string {
	t.Helper()

	r, err := store.OpenLog(path)
	if err != nil {
		t.Fatal("Error opening log: ", err)
	}
	defer r.Close()

	var types []string
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal("Error reading log: ", err)
		}
		types = append(types, rec.Type())
	}

	return types
}

func TestOfflineStream(t *testing.T) {
	s := offlineSettings(t)

	index, err := store.NewSqliteDb(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close()

	var res results
	metrics := NewMetrics(nil)

	st, err := New(Options{
		ID:       "s1",
		Settings: s,
		Index:    index,
		Respond:  res.add,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatal("Error creating stream: ", err)
	}

	if got := testutil.ToFloat64(metrics.StreamsActive); got != 1 {
		t.Error("Expected 1 active stream, got: ", got)
	}

	recs := []*data.Record{
		{UUID: "u-run", Control: data.Control{ReqResp: true},
			Run: &data.RunRecord{RunID: "off1", Project: "proj"}},
		{History: &data.HistoryRecord{Items: []data.Item{{Key: "loss", ValueJSON: "0.5"}}}},
		{Control: data.Control{Local: true}, Request: &data.Request{Status: &data.StatusRequest{}}},
		{UUID: "u-exit", Control: data.Control{ReqResp: true},
			Exit: &data.RunExitRecord{ExitCode: 2}},
		{UUID: "u-poll", Control: data.Control{ReqResp: true, Local: true},
			Request: &data.Request{PollExit: &data.PollExitRequest{}}},
	}

	for _, r := range recs {
		if err := st.Deliver(r); err != nil {
			t.Fatal("Error delivering: ", err)
		}
	}

	if err := st.Close(); err != nil {
		t.Fatal("Error closing stream: ", err)
	}

	// a second close is a no-op
	if err := st.Close(); err != nil {
		t.Fatal("Error closing stream twice: ", err)
	}

	if err := st.Deliver(&data.Record{}); !errors.Is(err, ErrClosed) {
		t.Error("Expected ErrClosed, got: ", err)
	}

	if _, err := os.Stat(st.Settings().LogInternal()); err != nil {
		t.Error("Internal log not created: ", err)
	}

	got := res.get()
	if len(got) != 3 {
		t.Fatalf("Expected 3 results, got %v", len(got))
	}

	if got[0].UUID != "u-run" || got[0].RunResult == nil || got[0].RunResult.Run.Project != "proj" {
		t.Errorf("Unexpected run result: %+v", got[0])
	}

	if got[1].UUID != "u-exit" || got[1].ExitResult == nil {
		t.Errorf("Unexpected exit result: %+v", got[1])
	}

	if got[2].UUID != "u-poll" || !got[2].Response.PollExit.Done {
		t.Errorf("Unexpected poll exit result: %+v", got[2])
	}

	exp := []string{data.RecordTypeRun, data.RecordTypeHistory, data.RecordTypeExit}
	if diff := cmp.Diff(exp, readLog(t, s.SyncFile())); diff != "" {
		t.Error("Log mismatch (-want +got):\n", diff)
	}

	run, err := index.Run("off1")
	if err != nil {
		t.Fatal("Error reading index: ", err)
	}

	if run.State != store.RunStateFinished || run.ExitCode != 2 || run.Synced {
		t.Errorf("Unexpected index entry: %+v", run)
	}

	if run.Project != "proj" || run.Mode != settings.ModeOffline {
		t.Errorf("Unexpected index entry: %+v", run)
	}

	if got := testutil.ToFloat64(metrics.Records.WithLabelValues(data.RecordTypeHistory)); got != 1 {
		t.Error("Expected 1 history record counted, got: ", got)
	}

	if got := testutil.ToFloat64(metrics.StreamsActive); got != 0 {
		t.Error("Expected 0 active streams, got: ", got)
	}
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Records.WithLabelValues("run").Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}

	exp := []string{"runsync_records_total", "runsync_streams_active",
		"runsync_uploaded_bytes_total"}

	if diff := cmp.Diff(exp, names); diff != "" {
		t.Error("Metric names mismatch (-want +got):\n", diff)
	}
}
