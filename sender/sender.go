// Package sender forwards run records to the backend. A Sender is owned by a
// single goroutine that calls Send for every record in order.
package sender

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/dirwatcher"
	"github.com/runsync/runsync/filepusher"
	"github.com/runsync/runsync/filestream"
	"github.com/runsync/runsync/meta"
	"github.com/runsync/runsync/settings"
)

// API is the part of the backend client used by the sender
type API interface {
	SetAPIKey(key string)
	Viewer(ctx context.Context) (*api.Viewer, error)
	UpsertRun(ctx context.Context, in api.RunInput) (*api.Run, bool, error)
	RunResumeStatus(ctx context.Context, entity, project, name string) (*api.ResumeStatus, error)
	CheckStopRequested(ctx context.Context, entity, project, runID string) (bool, error)
	CreateArtifact(ctx context.Context, in api.ArtifactInput) (*api.Artifact, error)
	CreateArtifactFiles(ctx context.Context, artifactID string, files []api.ArtifactFile) ([]api.ArtifactFile, error)
	CommitArtifact(ctx context.Context, artifactID string) (*api.Artifact, error)
	filestream.Poster
	filepusher.Uploader
}

// StatsController starts and stops system stats collection
type StatsController interface {
	Start()
	Shutdown()
}

// Options for a Sender
type Options struct {
	Settings *settings.Settings
	API      API
	// Respond is called with the result of every record that expects one
	Respond func(*data.Result)
	// Loopback queues a record behind the records already waiting for the
	// sender. It is used to advance the exit state machine.
	Loopback func(*data.Record)
	// Stats is paused and resumed by pause/resume requests. Optional.
	Stats StatsController
	// Meta is written to the files dir when the run starts. Optional.
	Meta *meta.Meta
	// Uploaded is called with the size of every completed upload. Optional.
	Uploaded func(bytes int64)
	// LogOutput receives the sender log, stderr if nil
	LogOutput io.Writer
}

type deferState int

const (
	deferBegin deferState = iota
	deferFlushTB
	deferFlushDir
	deferFlushFP
	deferFlushFS
	deferEnd
)

func (d deferState) String() string {
	return [...]string{"begin", "flush_tb", "flush_dir", "flush_fp", "flush_fs", "end"}[d]
}

// Sender handles records for one run
type Sender struct {
	settings *settings.Settings
	api      API
	opts     Options
	ctx      context.Context
	cancel   func()
	logger   *log.Logger

	run     *data.RunRecord
	entity  string
	project string
	flags   map[string]any
	offsets resumeOffsets

	summary map[string]any
	config  map[string]data.ConfigValue
	partial map[data.OutputType]string
	pending []data.FileItem

	fs     *filestream.FileStream
	pusher *filepusher.Pusher
	dw     *dirwatcher.DirWatcher
	tb     *dirwatcher.TBWatcher

	artifacts sync.WaitGroup

	deferState   deferState
	exitCode     int32
	exitSyncUUID string
	exitResult   *data.RunExitResult

	finishOnce sync.Once
}

// New returns a sender for a run
func New(o Options) *Sender {
	ctx, cancel := context.WithCancel(context.Background())

	if o.Respond == nil {
		o.Respond = func(*data.Result) {}
	}
	if o.LogOutput == nil {
		o.LogOutput = os.Stderr
	}

	return &Sender{
		settings: o.Settings,
		api:      o.API,
		opts:     o,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.New(o.LogOutput, "Sender: ", log.LstdFlags|log.Lmsgprefix),
		entity:   o.Settings.Entity,
		project:  o.Settings.Project,
		summary:  make(map[string]any),
		config:   make(map[string]data.ConfigValue),
		partial:  make(map[data.OutputType]string),
	}
}

// Send handles a single record
func (s *Sender) Send(rec *data.Record) {
	var err error

	switch rec.Type() {
	case data.RecordTypeRun:
		s.sendRun(rec)
	case data.RecordTypeHistory:
		err = s.sendHistory(rec.History)
	case data.RecordTypeSummary:
		err = s.sendSummary(rec.Summary)
	case data.RecordTypeConfig:
		err = s.sendConfig(rec.Config)
	case data.RecordTypeStats:
		err = s.sendStats(rec.Stats)
	case data.RecordTypeOutput:
		s.sendOutput(rec.Output)
	case data.RecordTypeFiles:
		s.sendFiles(rec.Files)
	case data.RecordTypeTBRecord:
		if s.tb != nil {
			s.tb.Add(rec.TBRecord.LogDir, rec.TBRecord.Save)
		}
	case data.RecordTypeArtifact:
		err = s.sendArtifact(rec.Artifact)
	case data.RecordTypeExit:
		s.sendExit(rec)
	case data.RecordTypeRequest:
		s.sendRequest(rec)
	default:
		s.logger.Println("Ignoring empty record")
	}

	if err != nil {
		s.logger.Printf("Error handling %v record: %v", rec.Type(), err)
	}
}

// Run returns the current run, or nil before the first run record
func (s *Sender) Run() *data.RunRecord {
	return s.run
}

// Done returns true once the exit state machine has finished
func (s *Sender) Done() bool {
	return s.exitResult != nil
}

func (s *Sender) respond(res *data.Result) {
	s.opts.Respond(res)
}

func (s *Sender) filesDir() string {
	return s.settings.FilesDir()
}

func (s *Sender) sendRun(rec *data.Record) {
	run := *rec.Run
	first := s.run == nil

	if run.Config != nil {
		if err := s.updateConfig(run.Config); err != nil {
			s.logger.Println("Error updating config: ", err)
		}
		if err := s.saveConfig(); err != nil {
			s.logger.Println("Error saving config: ", err)
		}
	}

	if first {
		if errInfo := s.checkResume(&run); errInfo != nil {
			if rec.Control.ReqResp {
				s.respond(&data.Result{
					UUID:      rec.UUID,
					RunResult: &data.RunUpdateResult{Run: &run, Error: errInfo},
				})
			} else {
				s.logger.Println("Error in async mode: ", errInfo.Message)
			}
			return
		}
	}

	in := api.RunInput{
		Name:        run.RunID,
		Entity:      firstOf(run.Entity, s.entity),
		Project:     firstOf(run.Project, s.project),
		GroupName:   run.RunGroup,
		JobType:     run.JobType,
		DisplayName: run.DisplayName,
		Notes:       run.Notes,
		Tags:        run.Tags,
		SweepName:   run.SweepID,
		Host:        run.Host,
		Program:     s.settings.Program,
	}

	if len(s.config) > 0 {
		c, err := json.Marshal(s.config)
		if err == nil {
			in.Config = string(c)
		}
	}

	if s.opts.Meta != nil && s.opts.Meta.Git != nil {
		in.Repo = s.opts.Meta.Git.Remote
		in.Commit = s.opts.Meta.Git.Commit
	}

	ups, _, err := s.api.UpsertRun(s.ctx, in)
	if err != nil {
		s.logger.Println("Error upserting run: ", err)
		if rec.Control.ReqResp {
			s.respond(&data.Result{
				UUID: rec.UUID,
				RunResult: &data.RunUpdateResult{Run: &run, Error: &data.ErrorInfo{
					Code: errorCode(err), Message: err.Error()}},
			})
		}
		return
	}

	// a resumed run continues where the previous one left off
	run.StartTime = run.StartTime.Add(-time.Duration(s.offsets.Runtime * float64(time.Second)))
	run.StartingStep = s.offsets.Step

	if ups.ID != "" {
		run.StorageID = ups.ID
	}
	if ups.DisplayName != "" {
		run.DisplayName = ups.DisplayName
	}
	if ups.Project.Name != "" {
		run.Project = ups.Project.Name
		s.project = ups.Project.Name
	}
	if ups.Project.Entity.Name != "" {
		run.Entity = ups.Project.Entity.Name
		s.entity = ups.Project.Entity.Name
	}

	s.run = &run

	if rec.Control.ReqResp {
		resp := run
		s.respond(&data.Result{UUID: rec.UUID, RunResult: &data.RunUpdateResult{Run: &resp}})
	}

	if !first {
		s.logger.Println("Updated run: ", run.RunID)
		return
	}

	if err := s.startRun(); err != nil {
		s.logger.Println("Error starting run: ", err)
		return
	}

	s.logger.Printf("Run started: %v with start time %v", run.RunID, run.StartTime)
}

// startRun starts the components that upload run data
func (s *Sender) startRun() error {
	s.fs = filestream.New(s.api, s.entity, s.project, s.run.RunID,
		s.settings.FileStreamInterval)
	s.fs.SetPolicy(data.SummaryFilename, filestream.SummaryPolicy{})
	s.fs.SetPolicy(data.HistoryFilename, filestream.NewJSONLPolicy(s.offsets.History))
	s.fs.SetPolicy(data.EventsFilename, filestream.NewJSONLPolicy(s.offsets.Events))
	s.fs.SetPolicy(data.OutputFilename, filestream.NewCRDedupePolicy(s.offsets.Output))
	s.fs.Start()

	var err error
	s.pusher, err = filepusher.New(s.api, filepusher.Options{
		Entity:   s.entity,
		Project:  s.project,
		Run:      s.run.RunID,
		Uploaded: s.opts.Uploaded,
	})
	if err != nil {
		return err
	}

	s.dw, err = dirwatcher.New(s.filesDir(), s.pusher, s.settings.IgnoreGlobs)
	if err != nil {
		return err
	}

	s.tb = dirwatcher.NewTBWatcher(s.filesDir(), s.settings.RootDir, s.dw)

	if s.opts.Meta != nil {
		if err := s.opts.Meta.Write(s.filesDir()); err != nil {
			s.logger.Println("Error writing metadata: ", err)
		} else {
			s.savePolicy(data.MetadataFilename, data.FilePolicyNow)
		}
	}

	for _, f := range s.pending {
		s.savePolicy(f.Path, f.Policy)
	}
	s.pending = nil

	return nil
}

func (s *Sender) savePolicy(path string, policy data.FilePolicy) {
	if s.dw == nil {
		s.pending = append(s.pending, data.FileItem{Path: path, Policy: policy})
		return
	}
	if err := s.dw.UpdatePolicy(path, policy); err != nil {
		s.logger.Printf("Error saving file %v: %v", path, err)
	}
}

func (s *Sender) sendFiles(files *data.FilesRecord) {
	for _, f := range files.Files {
		s.savePolicy(f.Path, f.Policy)
	}
}

func (s *Sender) sendHistory(h *data.HistoryRecord) error {
	row, err := data.DictFromItems(h.Items)
	if err != nil {
		return err
	}

	if s.fs != nil {
		line, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := s.fs.Push(data.HistoryFilename, string(line)); err != nil {
			return err
		}
	}

	for k, v := range row {
		s.summary[k] = v
	}

	return s.saveSummary()
}

func (s *Sender) sendSummary(sum *data.SummaryRecord) error {
	if err := data.ApplySummary(s.summary, sum); err != nil {
		return err
	}
	return s.saveSummary()
}

func (s *Sender) saveSummary() error {
	j, err := json.Marshal(s.summary)
	if err != nil {
		return err
	}

	if s.fs != nil {
		if err := s.fs.Push(data.SummaryFilename, string(j)); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(s.filesDir(), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(s.filesDir(), data.SummaryFilename), j, 0644); err != nil {
		return err
	}

	s.savePolicy(data.SummaryFilename, data.FilePolicyEnd)

	return nil
}

func (s *Sender) updateConfig(c *data.ConfigRecord) error {
	update, err := data.ConfigFromItems(c.Update)
	if err != nil {
		return err
	}

	for k, v := range update {
		s.config[k] = v
	}

	for _, it := range c.Remove {
		delete(s.config, it.Key)
	}

	return nil
}

func (s *Sender) saveConfig() error {
	return data.SaveConfigFile(filepath.Join(s.filesDir(), data.ConfigFilename), s.config)
}

func (s *Sender) sendConfig(c *data.ConfigRecord) error {
	if err := s.updateConfig(c); err != nil {
		return err
	}

	if s.run != nil {
		j, err := json.Marshal(s.config)
		if err != nil {
			return err
		}
		_, _, err = s.api.UpsertRun(s.ctx, api.RunInput{
			Name:    s.run.RunID,
			Entity:  s.entity,
			Project: s.project,
			Config:  string(j),
		})
		if err != nil {
			return err
		}
	}

	return s.saveConfig()
}

func (s *Sender) sendStats(st *data.StatsRecord) error {
	if st.Type != data.StatsTypeSystem || s.fs == nil {
		return nil
	}

	d, err := data.DictFromItems(st.Items)
	if err != nil {
		return err
	}

	row := map[string]any{"system": d}
	data.Flatten(row)

	now := st.Timestamp.Unix()
	row["_wandb"] = true
	row["_timestamp"] = now
	row["_runtime"] = now - s.run.StartTime.Unix()

	line, err := json.Marshal(row)
	if err != nil {
		return err
	}

	return s.fs.Push(data.EventsFilename, string(line))
}

// outputTimeFormat is ISO 8601 in UTC with microseconds
const outputTimeFormat = "2006-01-02T15:04:05.000000"

func (s *Sender) sendOutput(out *data.OutputRecord) {
	if s.fs == nil {
		return
	}

	prefix := ""
	if out.Type == data.OutputStderr {
		prefix = "ERROR "
	}

	if !strings.HasSuffix(out.Line, "\n") {
		s.partial[out.Type] += out.Line
		return
	}

	ts := out.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	line := prefix + ts.UTC().Format(outputTimeFormat) + " " + s.partial[out.Type] + out.Line
	s.partial[out.Type] = ""

	if err := s.fs.Push(data.OutputFilename, line); err != nil {
		s.logger.Println("Error pushing output: ", err)
	}
}

func (s *Sender) sendExit(rec *data.Record) {
	s.exitCode = rec.Exit.ExitCode
	s.logger.Println("Handling exit code: ", s.exitCode)

	// the defer state machine responds when it reaches the end
	if rec.Control.ReqResp {
		s.exitSyncUUID = rec.UUID
	}

	s.deferState = deferBegin
	s.sendDefer()
}

func (s *Sender) sendDefer() {
	rec := &data.Record{
		Control: data.Control{Local: true},
		Request: &data.Request{Defer: &data.DeferRequest{}},
	}

	if s.opts.Loopback != nil {
		s.opts.Loopback(rec)
		return
	}

	s.Send(rec)
}

func (s *Sender) handleDefer() {
	state := s.deferState
	s.logger.Println("Handle defer: ", state)

	switch state {
	case deferBegin:
	case deferFlushTB:
		if s.tb != nil {
			if err := s.tb.Finish(); err != nil {
				s.logger.Println("Error finishing tensorboard watcher: ", err)
			}
		}
	case deferFlushDir:
		if s.dw != nil {
			if err := s.dw.Finish(); err != nil {
				s.logger.Println("Error finishing dir watcher: ", err)
			}
		}
	case deferFlushFP:
		s.artifacts.Wait()
		if s.pusher != nil {
			s.pusher.Finish()
		}
	case deferFlushFS:
		if s.fs != nil {
			if err := s.fs.Finish(s.ctx, s.exitCode); err != nil {
				s.logger.Println("Error finishing file stream: ", err)
			}
		}
	case deferEnd:
		s.endDefer()
		return
	}

	s.deferState++
	s.sendDefer()
}

func (s *Sender) endDefer() {
	result := &data.RunExitResult{}

	if s.exitSyncUUID != "" {
		if s.pusher != nil {
			s.pusher.PrintStatus(s.logger.Writer())
			s.pusher.Join()
		}
		s.respond(&data.Result{UUID: s.exitSyncUUID, ExitResult: result})
	}

	s.exitResult = result
}

func (s *Sender) sendRequest(rec *data.Record) {
	req := rec.Request

	switch req.Type() {
	case data.RequestTypeDefer:
		s.handleDefer()
	case data.RequestTypeLogin:
		s.handleLogin(rec)
	case data.RequestTypeStatus:
		s.handleStatus(rec)
	case data.RequestTypeGetSummary:
		items, err := data.ItemsFromDict(s.summary)
		if err != nil {
			s.logger.Println("Error encoding summary: ", err)
		}
		s.respond(&data.Result{UUID: rec.UUID, Response: &data.Response{
			GetSummary: &data.GetSummaryResponse{Items: items}}})
	case data.RequestTypePause:
		if s.opts.Stats != nil {
			s.logger.Println("Stopping system metrics")
			s.opts.Stats.Shutdown()
		}
	case data.RequestTypeResume:
		if s.opts.Stats != nil {
			s.logger.Println("Starting system metrics")
			s.opts.Stats.Start()
		}
	case data.RequestTypePollExit:
		s.handlePollExit(rec)
	default:
		s.logger.Println("Ignoring empty request")
	}
}

func (s *Sender) handleLogin(rec *data.Record) {
	if key := rec.Request.Login.APIKey; key != "" {
		s.api.SetAPIKey(key)
	}

	viewer, err := s.api.Viewer(s.ctx)
	if err != nil {
		s.logger.Println("Error getting viewer: ", err)
	} else {
		s.entity = viewer.Entity
		if viewer.Flags != "" {
			if err := json.Unmarshal([]byte(viewer.Flags), &s.flags); err != nil {
				s.logger.Println("Error decoding viewer flags: ", err)
			}
		}
	}

	if rec.Control.ReqResp {
		s.respond(&data.Result{UUID: rec.UUID, Response: &data.Response{
			Login: &data.LoginResponse{ActiveEntity: s.entity}}})
	}
}

func (s *Sender) handleStatus(rec *data.Record) {
	resp := &data.StatusResponse{}

	if rec.Request.Status.CheckStopReq && s.run != nil {
		stop, err := s.api.CheckStopRequested(s.ctx, s.entity, s.project, s.run.RunID)
		if err != nil {
			s.logger.Println("Failed to check stop requested status: ", err)
		} else {
			resp.RunShouldStop = stop
		}
	}

	s.respond(&data.Result{UUID: rec.UUID, Response: &data.Response{Status: resp}})
}

func (s *Sender) handlePollExit(rec *data.Record) {
	if !rec.Control.ReqResp {
		return
	}

	resp := &data.PollExitResponse{}

	alive := false
	if s.pusher != nil {
		var st filepusher.Stats
		alive, st = s.pusher.Status()
		resp.PusherStats = data.PusherStats{
			UploadedBytes: st.UploadedBytes,
			TotalBytes:    st.TotalBytes,
			DedupedBytes:  st.DedupedBytes,
		}
		resp.FileCounts = s.pusher.FileCounts()
	}

	if s.exitResult != nil && !alive {
		if s.pusher != nil {
			s.pusher.Join()
		}
		resp.Done = true
		resp.ExitResult = s.exitResult
	}

	s.respond(&data.Result{UUID: rec.UUID, Response: &data.Response{PollExit: resp}})
}

// Finish stops every component. It is safe to call more than once and after
// the exit state machine has completed.
func (s *Sender) Finish() {
	s.finishOnce.Do(func() {
		s.logger.Println("Shutting down sender")

		if s.tb != nil {
			s.tb.Finish()
		}
		if s.dw != nil {
			s.dw.Finish()
		}
		s.artifacts.Wait()
		if s.pusher != nil {
			s.pusher.Join()
		}
		if s.fs != nil {
			ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
			if err := s.fs.Finish(ctx, s.exitCode); err != nil {
				s.logger.Println("Error finishing file stream: ", err)
			}
			cancel()
		}

		s.cancel()
	})
}

// PrintStatus writes upload progress to w
func (s *Sender) PrintStatus(w io.Writer) {
	if s.pusher != nil {
		s.pusher.PrintStatus(w)
	}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func errorCode(err error) data.ErrorCode {
	if api.IsAuthError(err) {
		return data.ErrorCodeAuthentication
	}
	return data.ErrorCodeCommunication
}
