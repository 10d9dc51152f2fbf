package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/runsync/runsync/data"
	natsutil "github.com/runsync/runsync/nats"
	"github.com/runsync/runsync/sender"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/store"
)

// InitResponse is the reply to a stream.init request
type InitResponse struct {
	StreamID string `json:"streamID,omitempty"`
	RunID    string `json:"runID,omitempty"`
	RunDir   string `json:"runDir,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Params are used to configure a Manager
type Params struct {
	Nc *nats.Conn
	// Base settings, values sent by the client override them
	Base *settings.Settings
	// NewAPI returns the backend client for a run
	NewAPI func(s *settings.Settings) (sender.API, error)
	// Index is the run index. Optional.
	Index   *store.DbSqlite
	Metrics *Metrics
}

// Manager implements the stream NATS api. It creates a Stream for every run
// and routes records and results.
type Manager struct {
	params        Params
	nc            *nats.Conn
	subscriptions map[string]*nats.Subscription

	lock    sync.Mutex
	streams map[string]*Stream
	replies map[string]string

	chStop      chan struct{}
	chWaitStart chan struct{}
}

// NewManager creates a new stream manager
func NewManager(p Params) *Manager {
	if p.Base == nil {
		p.Base = settings.New()
		p.Base.SetDefaults()
	}

	return &Manager{
		params:        p,
		nc:            p.Nc,
		subscriptions: make(map[string]*nats.Subscription),
		streams:       make(map[string]*Stream),
		replies:       make(map[string]string),
		chStop:        make(chan struct{}),
		chWaitStart:   make(chan struct{}),
	}
}

// Run subscribes to the stream subjects and blocks until stopped
func (m *Manager) Run() error {
	nc := m.nc
	var err error

	if m.subscriptions["init"], err = nc.Subscribe(natsutil.SubjectStreamInit, m.handleInit); err != nil {
		return fmt.Errorf("subscribe stream init error: %w", err)
	}

	if m.subscriptions["streams"], err = nc.Subscribe(natsutil.SubjectAllStreams(), m.handleStream); err != nil {
		return fmt.Errorf("subscribe streams error: %w", err)
	}

done:
	for {
		select {
		case <-m.chWaitStart:
			// reading the channel unblocks WaitStart
		case <-m.chStop:
			log.Println("Stream manager stopped")
			break done
		}
	}

	for k := range m.subscriptions {
		err := m.subscriptions[k].Unsubscribe()
		if err != nil {
			log.Printf("Error unsubscribing from %v: %v\n", k, err)
		}
	}

	return m.closeAll()
}

// Stop the manager
func (m *Manager) Stop(_ error) {
	close(m.chStop)
}

// WaitStart waits for the manager to subscribe
func (m *Manager) WaitStart(ctx context.Context) error {
	waitDone := make(chan struct{})

	go func() {
		m.chWaitStart <- struct{}{}
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return errors.New("Stream manager wait timeout or canceled")
	case <-waitDone:
		return nil
	}
}

// Streams returns the number of open streams
func (m *Manager) Streams() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.streams)
}

func (m *Manager) closeAll() error {
	m.lock.Lock()
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.lock.Unlock()

	var ret error
	for id, st := range streams {
		if err := st.Close(); err != nil {
			ret = multierror.Append(ret, fmt.Errorf("stream %v: %w", id, err))
		}
	}

	return ret
}

func (m *Manager) stream(id string) (*Stream, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	st, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("unknown stream: %v", id)
	}
	return st, nil
}

func (m *Manager) replyJSON(subject string, v any) {
	if subject == "" {
		return
	}

	out, err := json.Marshal(v)
	if err != nil {
		log.Println("Error encoding reply: ", err)
		return
	}

	if err := m.nc.Publish(subject, out); err != nil {
		log.Println("Error sending reply: ", err)
	}
}

// newSettings builds run settings from the values the client sent. Empty
// values leave the base setting unchanged.
func (m *Manager) newSettings(values map[string]string) (*settings.Settings, error) {
	s := m.params.Base.Clone()

	update := make(map[string]any, len(values))
	for k, v := range values {
		if v != "" {
			update[k] = v
		}
	}

	if err := s.Update(update); err != nil {
		return nil, err
	}

	s.SetDefaults()

	if s.RunID == "" {
		s.RunID = uuid.New().String()[:8]
	}

	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}

	s.Freeze()

	return s, nil
}

func (m *Manager) handleInit(msg *nats.Msg) {
	var values map[string]string
	if err := json.Unmarshal(msg.Data, &values); err != nil {
		m.replyJSON(msg.Reply, InitResponse{Error: "error decoding settings: " + err.Error()})
		return
	}

	s, err := m.newSettings(values)
	if err != nil {
		m.replyJSON(msg.Reply, InitResponse{Error: err.Error()})
		return
	}

	var backend sender.API
	if !s.Offline() && m.params.NewAPI != nil {
		backend, err = m.params.NewAPI(s)
		if err != nil {
			m.replyJSON(msg.Reply, InitResponse{Error: err.Error()})
			return
		}
	}

	id := uuid.New().String()

	st, err := New(Options{
		ID:       id,
		Settings: s,
		API:      backend,
		Index:    m.params.Index,
		Respond:  m.respond,
		Metrics:  m.params.Metrics,
	})
	if err != nil {
		m.replyJSON(msg.Reply, InitResponse{Error: err.Error()})
		return
	}

	m.lock.Lock()
	m.streams[id] = st
	m.lock.Unlock()

	log.Printf("Stream %v started for run %v in %v", id, s.RunID, s.RunDir())

	m.replyJSON(msg.Reply, InitResponse{StreamID: id, RunID: s.RunID, RunDir: s.RunDir()})
}

func (m *Manager) handleStream(msg *nats.Msg) {
	id, kind, err := natsutil.DecodeStreamSubject(msg.Subject)
	if err != nil {
		log.Println("Error decoding subject: ", err)
		return
	}

	switch kind {
	case natsutil.KindRecord:
		m.handleRecord(id, msg)
	case natsutil.KindRequest:
		m.handleRequest(id, msg)
	case natsutil.KindTeardown:
		m.handleTeardown(id, msg)
	}
}

func (m *Manager) handleRecord(id string, msg *nats.Msg) {
	st, err := m.stream(id)
	if err != nil {
		log.Println("Error handling record: ", err)
		return
	}

	rec, err := data.Decode(msg.Data)
	if err != nil {
		log.Printf("Error decoding record on %v: %v", msg.Subject, err)
		return
	}

	if err := st.Deliver(rec); err != nil {
		log.Println("Error delivering record: ", err)
	}
}

// handleRequest delivers a record that expects a result. The result is
// published to the reply subject once the stream produces it.
func (m *Manager) handleRequest(id string, msg *nats.Msg) {
	fail := func(err error) {
		res := &data.Result{Response: &data.Response{}}
		res.RunResult = &data.RunUpdateResult{Error: &data.ErrorInfo{
			Code: data.ErrorCodeUnknown, Message: err.Error()}}
		m.publishResult(msg.Reply, res)
	}

	st, err := m.stream(id)
	if err != nil {
		fail(err)
		return
	}

	rec, err := data.Decode(msg.Data)
	if err != nil {
		fail(err)
		return
	}

	if rec.UUID == "" {
		rec.UUID = uuid.New().String()
	}
	rec.Control.ReqResp = true

	m.lock.Lock()
	m.replies[rec.UUID] = msg.Reply
	m.lock.Unlock()

	if err := st.Deliver(rec); err != nil {
		m.lock.Lock()
		delete(m.replies, rec.UUID)
		m.lock.Unlock()
		fail(err)
	}
}

func (m *Manager) respond(res *data.Result) {
	m.lock.Lock()
	reply, ok := m.replies[res.UUID]
	delete(m.replies, res.UUID)
	m.lock.Unlock()

	if !ok {
		log.Println("No requester for result: ", res.UUID)
		return
	}

	m.publishResult(reply, res)
}

func (m *Manager) publishResult(reply string, res *data.Result) {
	if reply == "" {
		return
	}

	out, err := data.EncodeResult(res)
	if err != nil {
		log.Println("Error encoding result: ", err)
		return
	}

	if err := m.nc.Publish(reply, out); err != nil {
		log.Println("Error publishing result: ", err)
	}
}

func (m *Manager) handleTeardown(id string, msg *nats.Msg) {
	m.lock.Lock()
	st, ok := m.streams[id]
	delete(m.streams, id)
	m.lock.Unlock()

	if !ok {
		m.replyJSON(msg.Reply, InitResponse{Error: "unknown stream: " + id})
		return
	}

	var resp InitResponse
	if err := st.Close(); err != nil {
		resp.Error = err.Error()
	}

	log.Printf("Stream %v closed", id)

	m.replyJSON(msg.Reply, resp)
}
