package sender

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/settings"
)

type fakeAPI struct {
	lock sync.Mutex

	resume     *api.ResumeStatus
	stop       bool
	stopErr    error
	upserts    []api.RunInput
	fsRequests []api.FileStreamRequest
	uploads    map[string]string
	committed  []string
	key        string
	artifact   api.Artifact
}

func (f *fakeAPI) SetAPIKey(key string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.key = key
}

func (f *fakeAPI) Viewer(context.Context) (*api.Viewer, error) {
	return &api.Viewer{Entity: "viewer-entity", Flags: `{"a": true}`}, nil
}

func (f *fakeAPI) UpsertRun(_ context.Context, in api.RunInput) (*api.Run, bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.upserts = append(f.upserts, in)

	r := &api.Run{ID: "storage-" + in.Name, Name: in.Name, DisplayName: "brave-sun-1"}
	r.Project.Name = firstOf(in.Project, "uncategorized")
	r.Project.Entity.Name = firstOf(in.Entity, "viewer-entity")
	return r, len(f.upserts) == 1, nil
}

func (f *fakeAPI) RunResumeStatus(context.Context, string, string, string) (*api.ResumeStatus, error) {
	return f.resume, nil
}

func (f *fakeAPI) CheckStopRequested(context.Context, string, string, string) (bool, error) {
	return f.stop, f.stopErr
}

func (f *fakeAPI) CreateArtifact(_ context.Context, in api.ArtifactInput) (*api.Artifact, error) {
	a := f.artifact
	if a.ID == "" {
		a = api.Artifact{ID: "art-1", Digest: in.Digest, State: api.ArtifactPending}
	}
	return &a, nil
}

func (f *fakeAPI) CreateArtifactFiles(_ context.Context, _ string, files []api.ArtifactFile) ([]api.ArtifactFile, error) {
	var ret []api.ArtifactFile
	for _, fl := range files {
		fl.Upload = "mem://artifact/" + fl.Name
		ret = append(ret, fl)
	}
	return ret, nil
}

func (f *fakeAPI) CommitArtifact(_ context.Context, id string) (*api.Artifact, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.committed = append(f.committed, id)
	return &api.Artifact{ID: id, State: api.ArtifactCommitted}, nil
}

func (f *fakeAPI) FileStream(_ context.Context, _, _, _ string, req api.FileStreamRequest) (*api.FileStreamResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fsRequests = append(f.fsRequests, req)
	return &api.FileStreamResponse{}, nil
}

func (f *fakeAPI) UploadURLs(_ context.Context, _, _, _ string, files []string) ([]api.UploadURL, []string, error) {
	var ret []api.UploadURL
	for _, n := range files {
		ret = append(ret, api.UploadURL{Name: n, URL: "mem://" + n})
	}
	return ret, nil, nil
}

func (f *fakeAPI) UploadFile(_ context.Context, url string, _ []string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string]string)
	}
	f.uploads[url] = string(b)
	return nil
}

// lines returns every line streamed for a file
func (f *fakeAPI) lines(file string) []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	var ret []string
	for _, r := range f.fsRequests {
		ret = append(ret, r.Files[file].Content...)
	}
	return ret
}

type harness struct {
	t       *testing.T
	api     *fakeAPI
	s       *Sender
	set     *settings.Settings
	results []*data.Result
}

func newHarness(t *testing.T, resume string) *harness {
	t.Helper()

	set := settings.New()
	set.SetDefaults()
	set.RootDir = t.TempDir()
	set.RunID = "run1"
	set.Project = "proj"
	set.Resume = resume
	set.StartTime = time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	set.FileStreamInterval = time.Hour

	h := &harness{t: t, api: &fakeAPI{}, set: set}
	h.s = New(Options{
		Settings: set,
		API:      h.api,
		Respond:  func(r *data.Result) { h.results = append(h.results, r) },
	})

	t.Cleanup(h.s.Finish)

	return h
}

func (h *harness) result(uuid string) *data.Result {
	for _, r := range h.results {
		if r.UUID == uuid {
			return r
		}
	}
	h.t.Fatal("no result for ", uuid)
	return nil
}

func (h *harness) startRun() *data.RunRecord {
	h.s.Send(&data.Record{
		UUID:    "run",
		Control: data.Control{ReqResp: true},
		Run: &data.RunRecord{
			RunID:     "run1",
			Project:   "proj",
			StartTime: h.set.StartTime,
			Config: &data.ConfigRecord{Update: []data.Item{
				{Key: "lr", ValueJSON: "0.1"},
			}},
		},
	})

	res := h.result("run")
	if res.RunResult == nil || res.RunResult.Error != nil {
		h.t.Fatalf("run failed: %+v", res.RunResult)
	}
	return res.RunResult.Run
}

func (h *harness) exit(code int32) {
	h.s.Send(&data.Record{
		UUID:    "exit",
		Control: data.Control{ReqResp: true},
		Exit:    &data.RunExitRecord{ExitCode: code},
	})
}

func TestRunAndExit(t *testing.T) {
	h := newHarness(t, "")

	run := h.startRun()

	if run.StorageID != "storage-run1" || run.Entity != "viewer-entity" ||
		run.Project != "proj" || run.DisplayName != "brave-sun-1" {
		t.Errorf("server values not applied: %+v", run)
	}

	if !run.StartTime.Equal(h.set.StartTime) || run.StartingStep != 0 {
		t.Errorf("unexpected start: %+v", run)
	}

	if h.api.upserts[0].Config == "" {
		t.Error("config not sent with run")
	}

	h.s.Send(&data.Record{History: &data.HistoryRecord{Items: []data.Item{
		{Key: "_step", ValueJSON: "0"},
		{Key: "loss", ValueJSON: "0.5"},
	}}})

	h.s.Send(&data.Record{History: &data.HistoryRecord{Items: []data.Item{
		{Key: "_step", ValueJSON: "1"},
		{Key: "loss", ValueJSON: "0.25"},
	}}})

	h.exit(3)

	res := h.result("exit")
	if res.ExitResult == nil {
		t.Fatal("expected exit result")
	}

	if !h.s.Done() {
		t.Error("sender should be done")
	}

	exp := []string{`{"_step":0,"loss":0.5}`, `{"_step":1,"loss":0.25}`}
	if diff := cmp.Diff(exp, h.api.lines(data.HistoryFilename)); diff != "" {
		t.Error("history mismatch (-want +got):\n", diff)
	}

	summary, err := os.ReadFile(filepath.Join(h.set.FilesDir(), data.SummaryFilename))
	if err != nil {
		t.Fatal(err)
	}
	if string(summary) != `{"_step":1,"loss":0.25}` {
		t.Error("unexpected summary: ", string(summary))
	}

	if _, err := os.Stat(filepath.Join(h.set.FilesDir(), data.ConfigFilename)); err != nil {
		t.Error("config file not written: ", err)
	}

	last := h.api.fsRequests[len(h.api.fsRequests)-1]
	if last.Complete == nil || !*last.Complete || *last.ExitCode != 3 {
		t.Errorf("expected complete request, got %+v", last)
	}

	h.api.lock.Lock()
	_, ok := h.api.uploads["mem://"+data.SummaryFilename]
	h.api.lock.Unlock()
	if !ok {
		t.Error("summary not uploaded")
	}
}

func TestResumeMustMissing(t *testing.T) {
	h := newHarness(t, "must")

	h.s.Send(&data.Record{
		UUID:    "run",
		Control: data.Control{ReqResp: true},
		Run:     &data.RunRecord{RunID: "run1"},
	})

	res := h.result("run")
	exp := &data.ErrorInfo{Code: data.ErrorCodeInvalid,
		Message: "resume='must' but run (run1) doesn't exist"}
	if diff := cmp.Diff(exp, res.RunResult.Error); diff != "" {
		t.Error("error mismatch (-want +got):\n", diff)
	}

	if h.s.Run() != nil || len(h.api.upserts) != 0 {
		t.Error("run should not be created")
	}
}

func TestResumeNeverExisting(t *testing.T) {
	h := newHarness(t, "never")
	h.api.resume = &api.ResumeStatus{Name: "run1"}

	h.s.Send(&data.Record{
		UUID:    "run",
		Control: data.Control{ReqResp: true},
		Run:     &data.RunRecord{RunID: "run1"},
	})

	res := h.result("run")
	if res.RunResult.Error == nil ||
		res.RunResult.Error.Message != "resume='never' but run (run1) exists" {
		t.Error("unexpected error: ", res.RunResult.Error)
	}
}

func TestResumeAllow(t *testing.T) {
	h := newHarness(t, "allow")
	h.api.resume = &api.ResumeStatus{
		Name:             "run1",
		HistoryLineCount: 10,
		EventsLineCount:  4,
		LogLineCount:     7,
		HistoryTail:      `["{\"_step\": 8, \"_runtime\": 30}", "{\"_step\": 9, \"_runtime\": 40}"]`,
		EventsTail:       `["{\"_runtime\": 55}"]`,
	}

	run := h.startRun()

	if run.StartingStep != 10 {
		t.Error("expected starting step 10, got: ", run.StartingStep)
	}

	exp := h.set.StartTime.Add(-55 * time.Second)
	if !run.StartTime.Equal(exp) {
		t.Errorf("expected start time %v, got %v", exp, run.StartTime)
	}

	want := resumeOffsets{Runtime: 55, Step: 10, History: 10, Events: 4, Output: 7}
	if diff := cmp.Diff(want, h.s.offsets); diff != "" {
		t.Error("offsets mismatch (-want +got):\n", diff)
	}
}

func TestResumeBadTail(t *testing.T) {
	h := newHarness(t, "auto")
	h.api.resume = &api.ResumeStatus{Name: "run1", HistoryTail: "[]", EventsTail: "bad"}

	run := h.startRun()

	if run.StartingStep != 0 || !run.StartTime.Equal(h.set.StartTime) {
		t.Errorf("unexpected resume: %+v", run)
	}
}

func TestOutputAndStats(t *testing.T) {
	h := newHarness(t, "")
	h.startRun()

	ts := time.Date(2021, 1, 2, 3, 5, 0, 123000, time.UTC)

	for _, o := range []*data.OutputRecord{
		{Type: data.OutputStdout, Timestamp: ts, Line: "epoch "},
		{Type: data.OutputStderr, Timestamp: ts, Line: "warning\n"},
		{Type: data.OutputStdout, Timestamp: ts, Line: "1\n"},
	} {
		h.s.Send(&data.Record{Output: o})
	}

	h.s.Send(&data.Record{Stats: &data.StatsRecord{
		Type:      data.StatsTypeSystem,
		Timestamp: h.set.StartTime.Add(20 * time.Second),
		Items:     []data.Item{{Key: "cpu", ValueJSON: "12.5"}},
	}})

	h.exit(0)

	exp := []string{
		"ERROR 2021-01-02T03:05:00.000123 warning\n",
		"2021-01-02T03:05:00.000123 epoch 1\n",
	}
	if diff := cmp.Diff(exp, h.api.lines(data.OutputFilename)); diff != "" {
		t.Error("output mismatch (-want +got):\n", diff)
	}

	events := h.api.lines(data.EventsFilename)
	if len(events) != 1 {
		t.Fatal("expected 1 events line, got: ", events)
	}

	var row map[string]any
	if err := json.Unmarshal([]byte(events[0]), &row); err != nil {
		t.Fatal(err)
	}

	expRow := map[string]any{
		"system.cpu": 12.5,
		"_wandb":     true,
		"_timestamp": float64(h.set.StartTime.Unix() + 20),
		"_runtime":   float64(20),
	}
	if diff := cmp.Diff(expRow, row); diff != "" {
		t.Error("events mismatch (-want +got):\n", diff)
	}
}

func TestSummaryAndRequests(t *testing.T) {
	h := newHarness(t, "")
	h.startRun()

	h.s.Send(&data.Record{Summary: &data.SummaryRecord{
		Update: []data.Item{
			{Key: "best", ValueJSON: "0.9"},
			{NestedKey: []string{"eval", "acc"}, ValueJSON: "0.8"},
			{Key: "tmp", ValueJSON: "1"},
		},
		Remove: []data.Item{{Key: "tmp"}},
	}})

	h.s.Send(&data.Record{UUID: "sum", Control: data.Control{ReqResp: true},
		Request: &data.Request{GetSummary: &data.GetSummaryRequest{}}})

	exp := []data.Item{
		{Key: "best", ValueJSON: "0.9"},
		{Key: "eval", ValueJSON: `{"acc":0.8}`},
	}
	if diff := cmp.Diff(exp, h.result("sum").Response.GetSummary.Items); diff != "" {
		t.Error("summary mismatch (-want +got):\n", diff)
	}

	h.api.stopErr = errors.New("backend down")
	h.s.Send(&data.Record{UUID: "status", Control: data.Control{ReqResp: true},
		Request: &data.Request{Status: &data.StatusRequest{CheckStopReq: true}}})

	if h.result("status").Response.Status.RunShouldStop {
		t.Error("errors should not stop the run")
	}

	h.api.stopErr = nil
	h.api.stop = true
	h.s.Send(&data.Record{UUID: "status2", Control: data.Control{ReqResp: true},
		Request: &data.Request{Status: &data.StatusRequest{CheckStopReq: true}}})

	if !h.result("status2").Response.Status.RunShouldStop {
		t.Error("expected run should stop")
	}

	h.s.Send(&data.Record{UUID: "login", Control: data.Control{ReqResp: true},
		Request: &data.Request{Login: &data.LoginRequest{APIKey: "k"}}})

	if h.result("login").Response.Login.ActiveEntity != "viewer-entity" || h.api.key != "k" {
		t.Error("unexpected login result")
	}
}

func TestPollExit(t *testing.T) {
	h := newHarness(t, "")
	h.startRun()

	poll := func(uuid string) *data.PollExitResponse {
		h.s.Send(&data.Record{UUID: uuid, Control: data.Control{ReqResp: true},
			Request: &data.Request{PollExit: &data.PollExitRequest{}}})
		return h.result(uuid).Response.PollExit
	}

	if poll("p1").Done {
		t.Error("should not be done before exit")
	}

	// exit without waiting for the result
	h.s.Send(&data.Record{Exit: &data.RunExitRecord{}})

	for i := 0; ; i++ {
		resp := poll("p" + string(rune('a'+i)))
		if resp.Done {
			if resp.ExitResult == nil {
				t.Error("expected exit result")
			}
			break
		}
		if i > 20 {
			t.Fatal("poll exit never done")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

type fakeStats struct{ started, stopped int }

func (f *fakeStats) Start()    { f.started++ }
func (f *fakeStats) Shutdown() { f.stopped++ }

func TestPauseResume(t *testing.T) {
	h := newHarness(t, "")
	st := &fakeStats{}
	h.s.opts.Stats = st

	h.s.Send(&data.Record{Request: &data.Request{Pause: &data.PauseRequest{}}})
	h.s.Send(&data.Record{Request: &data.Request{Resume: &data.ResumeRequest{}}})

	if st.started != 1 || st.stopped != 1 {
		t.Errorf("unexpected stats calls: %+v", st)
	}
}

func TestFilesBeforeRun(t *testing.T) {
	h := newHarness(t, "")

	if err := os.MkdirAll(h.set.FilesDir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.set.FilesDir(), "model.h5"), []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}

	h.s.Send(&data.Record{Files: &data.FilesRecord{Files: []data.FileItem{
		{Path: "model.h5", Policy: data.FilePolicyNow},
	}}})

	h.startRun()
	h.exit(0)

	h.api.lock.Lock()
	defer h.api.lock.Unlock()
	if h.api.uploads["mem://model.h5"] != "weights" {
		t.Error("model not uploaded: ", h.api.uploads)
	}
}

func TestArtifact(t *testing.T) {
	h := newHarness(t, "")
	h.startRun()

	local := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(local, []byte("a,b\n1,2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	h.s.Send(&data.Record{Artifact: &data.ArtifactRecord{
		Type:   "dataset",
		Name:   "train",
		Digest: "abc",
		Manifest: data.ArtifactManifest{
			Version:       1,
			StoragePolicy: "wandb-storage-policy-v1",
			Contents: []data.ManifestEntry{
				{Path: "data.csv", Digest: "xyz", Size: 8, LocalPath: local},
				{Path: "remote.csv", Digest: "r", Ref: "s3://bucket/remote.csv"},
			},
		},
	}})

	h.exit(0)

	h.api.lock.Lock()
	defer h.api.lock.Unlock()

	if h.api.uploads["mem://artifact/data.csv"] != "a,b\n1,2\n" {
		t.Error("artifact file not uploaded: ", h.api.uploads)
	}

	manifest := h.api.uploads["mem://artifact/"+manifestFilename]
	if !strings.Contains(manifest, `"s3://bucket/remote.csv"`) {
		t.Error("unexpected manifest: ", manifest)
	}

	if diff := cmp.Diff([]string{"art-1"}, h.api.committed); diff != "" {
		t.Error("commit mismatch (-want +got):\n", diff)
	}
}

func TestArtifactAlreadyCommitted(t *testing.T) {
	h := newHarness(t, "")
	h.api.artifact = api.Artifact{ID: "art-9", State: api.ArtifactCommitted}
	h.startRun()

	h.s.Send(&data.Record{Artifact: &data.ArtifactRecord{Type: "model", Name: "m", Digest: "d"}})
	h.exit(0)

	if len(h.api.committed) != 0 {
		t.Error("committed artifact should not be committed again")
	}
}
