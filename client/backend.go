package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/runsync/runsync/data"
	natsutil "github.com/runsync/runsync/nats"
	"github.com/runsync/runsync/settings"
)

// DefaultTimeout is used for requests when the context has no deadline
const DefaultTimeout = 10 * time.Second

// StreamInfo is returned by the service when a stream is opened
type StreamInfo struct {
	StreamID string `json:"streamID,omitempty"`
	RunID    string `json:"runID,omitempty"`
	RunDir   string `json:"runDir,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Backend sends the records of one run to the service
type Backend struct {
	nc       *nats.Conn
	streamID string
}

// NewBackend returns a backend for an open stream
func NewBackend(nc *nats.Conn, streamID string) *Backend {
	return &Backend{nc: nc, streamID: streamID}
}

// OpenStream asks the service to create a stream for a run with settings s
func OpenStream(ctx context.Context, nc *nats.Conn, s *settings.Settings) (*Backend, StreamInfo, error) {
	out, err := json.Marshal(s.Strings())
	if err != nil {
		return nil, StreamInfo{}, err
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, natsutil.SubjectStreamInit, out)
	if err != nil {
		return nil, StreamInfo{}, fmt.Errorf("Error opening stream: %w", err)
	}

	var info StreamInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		return nil, info, fmt.Errorf("Error decoding stream info: %w", err)
	}

	if info.Error != "" {
		return nil, info, errors.New(info.Error)
	}

	return NewBackend(nc, info.StreamID), info, nil
}

// StreamID of the run
func (b *Backend) StreamID() string {
	return b.streamID
}

// Publish sends a record that needs no result
func (b *Backend) Publish(rec *data.Record) error {
	out, err := data.Encode(rec)
	if err != nil {
		return err
	}

	return b.nc.Publish(natsutil.SubjectRecord(b.streamID), out)
}

// Communicate sends a record and waits for its result. If no result arrives
// before the context is done, an ErrorInfo with code communication is
// returned.
func (b *Backend) Communicate(ctx context.Context, rec *data.Record) (*data.Result, error) {
	if rec.UUID == "" {
		rec.UUID = uuid.New().String()
	}
	rec.Control.ReqResp = true

	out, err := data.Encode(rec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	start := time.Now()

	msg, err := b.nc.RequestWithContext(ctx, natsutil.SubjectRequest(b.streamID), out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, &data.ErrorInfo{Code: data.ErrorCodeCommunication,
				Message: fmt.Sprintf("Couldn't communicate with backend after %.0f seconds",
					time.Since(start).Seconds())}
		}
		return nil, err
	}

	return data.DecodeResult(msg.Data)
}

// Teardown closes the stream. Every record published before is handled
// first.
func (b *Backend) Teardown(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	msg, err := b.nc.RequestWithContext(ctx, natsutil.SubjectTeardown(b.streamID), nil)
	if err != nil {
		return fmt.Errorf("Error closing stream: %w", err)
	}

	var info StreamInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		return err
	}

	if info.Error != "" {
		return errors.New(info.Error)
	}

	return nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
