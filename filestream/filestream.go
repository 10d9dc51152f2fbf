// Package filestream sends live updates of run files (history, events,
// summary, console output) to the backend file stream endpoint.
package filestream

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/runsync/runsync/api"
)

// ErrFinished is returned when pushing to a file stream that has finished
var ErrFinished = errors.New("file stream finished")

// Poster posts file stream requests. It is implemented by api.Client.
type Poster interface {
	FileStream(ctx context.Context, entity, project, run string, req api.FileStreamRequest) (*api.FileStreamResponse, error)
}

type push struct {
	file string
	line string
}

// FileStream batches lines pushed for run files and posts them every
// interval. Requests that fail are kept and retried in order.
type FileStream struct {
	poster   Poster
	entity   string
	project  string
	runID    string
	interval time.Duration
	logger   *log.Logger

	lock     sync.Mutex
	policies map[string]Policy

	chPush   chan push
	chFinish chan int32
	chDone   chan struct{}

	startOnce  sync.Once
	finishOnce sync.Once
}

// New returns a file stream for a run. Call Start before pushing.
func New(poster Poster, entity, project, run string, interval time.Duration) *FileStream {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &FileStream{
		poster:   poster,
		entity:   entity,
		project:  project,
		runID:    run,
		interval: interval,
		logger:   log.New(os.Stderr, "FileStream: ", log.LstdFlags|log.Lmsgprefix),
		policies: make(map[string]Policy),
		chPush:   make(chan push, 1000),
		chFinish: make(chan int32),
		chDone:   make(chan struct{}),
	}
}

// SetPolicy sets how lines for a file are sent. Files without a policy use a
// JSONL policy starting at 0.
func (fs *FileStream) SetPolicy(file string, p Policy) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.policies[file] = p
}

func (fs *FileStream) policy(file string) Policy {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	p, ok := fs.policies[file]
	if !ok {
		p = NewJSONLPolicy(0)
		fs.policies[file] = p
	}
	return p
}

// Start the background sender
func (fs *FileStream) Start() {
	fs.startOnce.Do(func() {
		go fs.run()
	})
}

// Push a line for a file
func (fs *FileStream) Push(file, line string) error {
	select {
	case fs.chPush <- push{file, line}:
		return nil
	case <-fs.chDone:
		return ErrFinished
	}
}

// Finish sends remaining lines and marks the run complete with exitCode. It
// blocks until the final request was sent or ctx is done.
func (fs *FileStream) Finish(ctx context.Context, exitCode int32) error {
	fs.Start()

	fs.finishOnce.Do(func() {
		select {
		case fs.chFinish <- exitCode:
		case <-ctx.Done():
		}
	})

	select {
	case <-fs.chDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (fs *FileStream) run() {
	defer close(fs.chDone)

	ctx := context.Background()
	pending := make(map[string][]string)
	var queue []api.FileStreamRequest

	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	for {
		select {
		case p := <-fs.chPush:
			pending[p.file] = append(pending[p.file], p.line)
		case <-ticker.C:
			if req, ok := fs.batch(pending); ok {
				queue = append(queue, req)
			}
			queue = fs.send(ctx, queue)
		case code := <-fs.chFinish:
			// drain anything pushed before finish
		drain:
			for {
				select {
				case p := <-fs.chPush:
					pending[p.file] = append(pending[p.file], p.line)
				default:
					break drain
				}
			}

			if req, ok := fs.batch(pending); ok {
				queue = append(queue, req)
			}

			complete := true
			queue = append(queue, api.FileStreamRequest{Complete: &complete, ExitCode: &code})

			queue = fs.send(ctx, queue)
			if len(queue) > 0 {
				fs.logger.Printf("dropping %v requests for run %v", len(queue), fs.runID)
			}
			return
		}
	}
}

// batch builds a request from pending lines and clears them
func (fs *FileStream) batch(pending map[string][]string) (api.FileStreamRequest, bool) {
	if len(pending) == 0 {
		return api.FileStreamRequest{}, false
	}

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)

	req := api.FileStreamRequest{Files: make(map[string]api.FileChunk)}
	for _, f := range files {
		req.Files[f] = fs.policy(f).Process(pending[f])
		delete(pending, f)
	}

	return req, true
}

// send posts queued requests in order and returns the ones that failed
func (fs *FileStream) send(ctx context.Context, queue []api.FileStreamRequest) []api.FileStreamRequest {
	for len(queue) > 0 {
		_, err := fs.poster.FileStream(ctx, fs.entity, fs.project, fs.runID, queue[0])
		if err != nil {
			fs.logger.Printf("Error posting file stream for run %v: %v", fs.runID, err)
			return queue
		}
		queue = queue[1:]
	}
	return queue
}
