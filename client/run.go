package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/settings"
)

// ErrNoResult is returned when the service answers a request without the
// expected result
var ErrNoResult = errors.New("no result from service")

// RecordSender is the transport used by a Run. Backend implements it.
type RecordSender interface {
	Publish(rec *data.Record) error
	Communicate(ctx context.Context, rec *data.Record) (*data.Result, error)
}

// Run is the user side of a run
type Run struct {
	backend  RecordSender
	settings *settings.Settings
	teardown func(ctx context.Context) error

	// PollInterval is the time between poll exit requests in Finish
	PollInterval time.Duration

	lock  sync.Mutex
	step  int64
	start time.Time
	run   *data.RunRecord
}

// NewRun returns a run that sends records through backend
func NewRun(backend RecordSender, s *settings.Settings) *Run {
	start := s.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	return &Run{
		backend:      backend,
		settings:     s,
		start:        start,
		PollInterval: 500 * time.Millisecond,
	}
}

// Open creates a stream on the service and initializes the run with config
func Open(ctx context.Context, nc *nats.Conn, s *settings.Settings, config map[string]any) (*Run, error) {
	if s.StartTime.IsZero() {
		s = s.Clone()
		s.StartTime = time.Now()
	}

	b, info, err := OpenStream(ctx, nc, s)
	if err != nil {
		return nil, err
	}

	s = s.Clone()
	s.RunID = info.RunID

	r := NewRun(b, s)
	r.teardown = b.Teardown

	if err := r.Init(ctx, config); err != nil {
		if e := b.Teardown(ctx); e != nil {
			err = fmt.Errorf("%w, teardown: %v", err, e)
		}
		return nil, err
	}

	return r, nil
}

// Init sends the run record and waits for the backend to accept it
func (r *Run) Init(ctx context.Context, config map[string]any) error {
	s := r.settings

	run := &data.RunRecord{
		RunID:       s.RunID,
		Entity:      s.Entity,
		Project:     s.Project,
		RunGroup:    s.RunGroup,
		JobType:     s.JobType,
		DisplayName: s.RunName,
		Notes:       s.RunNotes,
		Tags:        s.RunTags,
		SweepID:     s.SweepID,
		Host:        s.Host,
		StartTime:   r.start,
	}

	if len(config) > 0 {
		items, err := data.ItemsFromDict(config)
		if err != nil {
			return err
		}
		run.Config = &data.ConfigRecord{Update: items}
	}

	res, err := r.backend.Communicate(ctx, &data.Record{Run: run})
	if err != nil {
		return err
	}

	if res.RunResult == nil {
		return ErrNoResult
	}

	if res.RunResult.Error != nil {
		return res.RunResult.Error
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.run = res.RunResult.Run
	if r.run != nil {
		r.step = r.run.StartingStep
	}

	return nil
}

// RunRecord returns the run as accepted by the backend
func (r *Run) RunRecord() *data.RunRecord {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.run
}

// Step returns the step the next Log call will use
func (r *Run) Step() int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.step
}

// Log records a history row. _step, _runtime and _timestamp are added.
func (r *Run) Log(values map[string]any) error {
	now := time.Now()

	r.lock.Lock()
	step := r.step
	r.step++
	r.lock.Unlock()

	row := make(map[string]any, len(values)+3)
	for k, v := range values {
		row[k] = v
	}

	row["_step"] = step
	row["_runtime"] = now.Sub(r.start).Seconds()
	row["_timestamp"] = float64(now.UnixNano()) / 1e9

	items, err := data.ItemsFromDict(row)
	if err != nil {
		return err
	}

	return r.backend.Publish(&data.Record{History: &data.HistoryRecord{Items: items}})
}

// SetConfig updates config keys
func (r *Run) SetConfig(values map[string]any) error {
	items, err := data.ItemsFromDict(values)
	if err != nil {
		return err
	}

	return r.backend.Publish(&data.Record{Config: &data.ConfigRecord{Update: items}})
}

// UpdateSummary sets summary keys. Keys in remove are deleted.
func (r *Run) UpdateSummary(values map[string]any, remove ...string) error {
	items, err := data.ItemsFromDict(values)
	if err != nil {
		return err
	}

	rec := &data.SummaryRecord{Update: items}
	for _, k := range remove {
		rec.Remove = append(rec.Remove, data.Item{Key: k})
	}

	return r.backend.Publish(&data.Record{Summary: rec})
}

// Summary returns the consolidated summary of the run
func (r *Run) Summary(ctx context.Context) (map[string]any, error) {
	res, err := r.backend.Communicate(ctx, &data.Record{
		Control: data.Control{Local: true},
		Request: &data.Request{GetSummary: &data.GetSummaryRequest{}}})
	if err != nil {
		return nil, err
	}

	if res.Response == nil || res.Response.GetSummary == nil {
		return nil, ErrNoResult
	}

	return data.DictFromItems(res.Response.GetSummary.Items)
}

// Save asks for a file in the run files dir to be uploaded according to
// policy. path is relative to the files dir.
func (r *Run) Save(path string, policy data.FilePolicy) error {
	return r.backend.Publish(&data.Record{Files: &data.FilesRecord{
		Files: []data.FileItem{{Path: path, Policy: policy}}}})
}

// Output records console output. Text without a trailing newline is
// completed by the next call for the same stream.
func (r *Run) Output(stream data.OutputType, text string) error {
	return r.backend.Publish(&data.Record{Output: &data.OutputRecord{
		Type: stream, Timestamp: time.Now(), Line: text}})
}

// LogTensorboard registers a tensorboard log dir. Event files are saved
// when the run finishes if save is set.
func (r *Run) LogTensorboard(logDir string, save bool) error {
	return r.backend.Publish(&data.Record{TBRecord: &data.TBRecord{LogDir: logDir, Save: save}})
}

// LogArtifact sends an artifact to be uploaded and committed
func (r *Run) LogArtifact(a *data.ArtifactRecord) error {
	if a.RunID == "" {
		a.RunID = r.settings.RunID
	}
	return r.backend.Publish(&data.Record{Artifact: a})
}

// ShouldStop returns true if the run was stopped from the backend
func (r *Run) ShouldStop(ctx context.Context) (bool, error) {
	res, err := r.backend.Communicate(ctx, &data.Record{
		Control: data.Control{Local: true},
		Request: &data.Request{Status: &data.StatusRequest{CheckStopReq: true}}})
	if err != nil {
		return false, err
	}

	if res.Response == nil || res.Response.Status == nil {
		return false, nil
	}

	return res.Response.Status.RunShouldStop, nil
}

// Pause stops system stats collection
func (r *Run) Pause() error {
	return r.backend.Publish(&data.Record{Control: data.Control{Local: true},
		Request: &data.Request{Pause: &data.PauseRequest{}}})
}

// Resume restarts system stats collection
func (r *Run) Resume() error {
	return r.backend.Publish(&data.Record{Control: data.Control{Local: true},
		Request: &data.Request{Resume: &data.ResumeRequest{}}})
}

// Finish sends the exit record, waits for every file to be uploaded and
// closes the stream. The last poll exit response is returned.
func (r *Run) Finish(ctx context.Context, exitCode int32) (*data.PollExitResponse, error) {
	res, err := r.backend.Communicate(ctx, &data.Record{
		Exit: &data.RunExitRecord{ExitCode: exitCode}})
	if err != nil {
		return nil, err
	}

	if res.ExitResult == nil {
		return nil, ErrNoResult
	}

	var poll *data.PollExitResponse

	for {
		res, err := r.backend.Communicate(ctx, &data.Record{
			Control: data.Control{Local: true},
			Request: &data.Request{PollExit: &data.PollExitRequest{}}})
		if err != nil {
			return nil, err
		}

		if res.Response == nil || res.Response.PollExit == nil {
			return nil, ErrNoResult
		}

		poll = res.Response.PollExit
		if poll.Done {
			break
		}

		select {
		case <-ctx.Done():
			return poll, ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}

	if r.teardown != nil {
		if err := r.teardown(ctx); err != nil {
			return poll, err
		}
	}

	return poll, nil
}
