// Package stream runs the service side of a run. Every record is written to
// the transaction log and, when the run is online, handed to a sender.
package stream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/meta"
	"github.com/runsync/runsync/sender"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/stats"
	"github.com/runsync/runsync/store"
)

// ErrClosed is returned when records are delivered to a closed stream
var ErrClosed = errors.New("stream closed")

// Options for a Stream
type Options struct {
	ID       string
	Settings *settings.Settings
	// API is nil for offline runs
	API sender.API
	// Index is the local run index. Optional.
	Index *store.DbSqlite
	// Respond is called with results for records that expect one
	Respond func(*data.Result)
	// Metrics is optional
	Metrics *Metrics
	// QueueSize is the number of records buffered before Deliver blocks
	QueueSize int
}

// Stream handles the records of a single run
type Stream struct {
	opts     Options
	settings *settings.Settings
	writer   *store.Writer
	sender   *sender.Sender
	stats    *stats.SystemStats
	logger   *log.Logger
	logFile  *os.File

	num        int64
	started    bool
	exitCode   *int32
	exitResult *data.RunExitResult

	chRecord   chan *data.Record
	chSend     chan *data.Record
	chStop     chan struct{}
	writerDone chan struct{}
	senderDone chan struct{}

	closeOnce sync.Once
}

// New creates the run dir and transaction log and starts the stream
func New(o Options) (*Stream, error) {
	s := o.Settings

	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.Respond == nil {
		o.Respond = func(*data.Result) {}
	}

	if err := os.MkdirAll(s.FilesDir(), 0755); err != nil {
		return nil, fmt.Errorf("Error creating run dir: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.LogInternal()), 0755); err != nil {
		return nil, fmt.Errorf("Error creating log dir: %w", err)
	}

	logFile, err := os.OpenFile(s.LogInternal(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("Error opening internal log: %w", err)
	}
	logOut := io.MultiWriter(os.Stderr, logFile)

	w, err := store.CreateLog(s.SyncFile())
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("Error creating transaction log: %w", err)
	}

	st := &Stream{
		opts:       o,
		settings:   s,
		writer:     w,
		logFile:    logFile,
		logger:     log.New(logOut, "Stream "+o.ID+": ", log.LstdFlags|log.Lmsgprefix),
		chRecord:   make(chan *data.Record, o.QueueSize),
		chSend:     make(chan *data.Record, o.QueueSize),
		chStop:     make(chan struct{}),
		writerDone: make(chan struct{}),
		senderDone: make(chan struct{}),
	}

	if o.API != nil && !s.Offline() {
		so := sender.Options{
			Settings: s,
			API:      o.API,
			Respond:   o.Respond,
			Loopback:  st.loopback,
			LogOutput: logOut,
		}

		if !s.DisableStats {
			st.stats = stats.New(stats.Options{
				SampleRate:       s.StatsSampleRate,
				SamplesToAverage: s.StatsSamplesToAverage,
			}, func(rec *data.Record) {
				if err := st.Deliver(rec); err != nil {
					st.logger.Println("Error delivering stats: ", err)
				}
			})
			so.Stats = st.stats
		}

		if !s.DisableMeta {
			so.Meta = meta.Collect(s, os.Args[1:])
		}

		if o.Metrics != nil {
			so.Uploaded = func(n int64) { o.Metrics.UploadedBytes.Add(float64(n)) }
		}

		st.sender = sender.New(so)
	}

	go st.runWriter()
	go st.runSender()

	if o.Metrics != nil {
		o.Metrics.StreamsActive.Inc()
	}

	return st, nil
}

// ID of the stream
func (st *Stream) ID() string {
	return st.opts.ID
}

// Settings of the run
func (st *Stream) Settings() *settings.Settings {
	return st.settings
}

// Deliver queues a record. It blocks when the queue is full.
func (st *Stream) Deliver(rec *data.Record) error {
	select {
	case <-st.chStop:
		return ErrClosed
	default:
	}

	select {
	case st.chRecord <- rec:
		return nil
	case <-st.chStop:
		return ErrClosed
	}
}

// loopback queues a record for the sender only, behind the records already
// waiting
func (st *Stream) loopback(rec *data.Record) {
	go func() {
		select {
		case st.chSend <- rec:
		case <-st.senderDone:
		}
	}()
}

func (st *Stream) runWriter() {
	defer close(st.writerDone)

	for {
		select {
		case rec := <-st.chRecord:
			st.handle(rec)
		case <-st.chStop:
			for {
				select {
				case rec := <-st.chRecord:
					st.handle(rec)
				default:
					return
				}
			}
		}
	}
}

func (st *Stream) runSender() {
	defer close(st.senderDone)

	for {
		select {
		case rec := <-st.chSend:
			st.send(rec)
		case <-st.writerDone:
			for {
				select {
				case rec := <-st.chSend:
					st.send(rec)
				default:
					return
				}
			}
		}
	}
}

func (st *Stream) send(rec *data.Record) {
	if st.sender != nil {
		st.sender.Send(rec)
		return
	}
	st.offline(rec)
}

// handle runs in the writer goroutine
func (st *Stream) handle(rec *data.Record) {
	if st.opts.Metrics != nil {
		st.opts.Metrics.Records.WithLabelValues(rec.Type()).Inc()
	}

	if !rec.Control.Local {
		st.num++
		rec.Num = st.num
		if err := st.writer.Write(rec); err != nil {
			st.logger.Println("Error writing record: ", err)
		}
	}

	switch {
	case rec.Run != nil && !st.started:
		st.started = true
		st.runStarted(rec.Run)
	case rec.Exit != nil:
		code := rec.Exit.ExitCode
		st.exitCode = &code
		if err := st.writer.Flush(); err != nil {
			st.logger.Println("Error flushing transaction log: ", err)
		}
		if st.opts.Index != nil {
			if err := st.opts.Index.RunFinished(st.settings.RunID, code); err != nil {
				st.logger.Println("Error updating run index: ", err)
			}
		}
	}

	select {
	case st.chSend <- rec:
	case <-st.senderDone:
	}
}

func (st *Stream) runStarted(run *data.RunRecord) {
	if st.stats != nil {
		st.stats.Start()
	}

	if st.opts.Index == nil {
		return
	}

	start := run.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	err := st.opts.Index.RunStarted(store.RunEntry{
		ID:        st.settings.RunID,
		Entity:    firstOf(run.Entity, st.settings.Entity),
		Project:   firstOf(run.Project, st.settings.Project),
		Dir:       st.settings.RunDir(),
		SyncFile:  st.settings.SyncFile(),
		Mode:      st.settings.Mode,
		State:     store.RunStateRunning,
		StartTime: start,
	})
	if err != nil {
		st.logger.Println("Error adding run to index: ", err)
	}
}

// offline answers records when there is no backend. Runs are echoed back,
// exit completes right away.
func (st *Stream) offline(rec *data.Record) {
	if rec.Exit != nil {
		st.exitResult = &data.RunExitResult{}
	}

	if !rec.Control.ReqResp {
		return
	}

	res := &data.Result{UUID: rec.UUID}

	switch {
	case rec.Run != nil:
		run := *rec.Run
		res.RunResult = &data.RunUpdateResult{Run: &run}
	case rec.Exit != nil:
		res.ExitResult = st.exitResult
	case rec.Request != nil:
		resp := &data.Response{}
		switch rec.Request.Type() {
		case data.RequestTypeLogin:
			resp.Login = &data.LoginResponse{}
		case data.RequestTypeGetSummary:
			resp.GetSummary = &data.GetSummaryResponse{}
		case data.RequestTypeStatus:
			resp.Status = &data.StatusResponse{}
		case data.RequestTypePollExit:
			resp.PollExit = &data.PollExitResponse{
				Done:       st.exitResult != nil,
				ExitResult: st.exitResult,
			}
		}
		res.Response = resp
	}

	st.opts.Respond(res)
}

// Close stops stats collection, drains queued records, stops the sender and
// closes the transaction log. It can be called more than once.
func (st *Stream) Close() error {
	var err error

	st.closeOnce.Do(func() {
		if st.stats != nil {
			st.stats.Shutdown()
		}

		close(st.chStop)
		<-st.writerDone
		<-st.senderDone

		if st.sender != nil {
			st.sender.Finish()
		}

		err = st.writer.Close()

		if st.opts.Index != nil && st.sender != nil && st.sender.Done() {
			if e := st.opts.Index.MarkSynced(st.settings.RunID); e != nil &&
				!errors.Is(e, store.ErrRunNotFound) {
				st.logger.Println("Error marking run synced: ", e)
			}
		}

		if st.opts.Metrics != nil {
			st.opts.Metrics.StreamsActive.Dec()
		}

		if e := st.logFile.Close(); e != nil && err == nil {
			err = e
		}
	})

	return err
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
