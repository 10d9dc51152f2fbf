// Package filepusher uploads run files to the backend. Files are copied to a
// staging dir when they are queued so later writes to the original don't
// affect an upload in progress.
package filepusher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/runsync/runsync/api"
	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/nats"
	"golang.org/x/sync/semaphore"
)

// ErrFinished is returned when files are pushed after Finish
var ErrFinished = errors.New("file pusher finished")

// File categories
const (
	CategoryWandb    = "wandb"
	CategoryMedia    = "media"
	CategoryArtifact = "artifact"
	CategoryOther    = "other"
)

// Uploader is the part of the backend API used to upload files
type Uploader interface {
	UploadURLs(ctx context.Context, entity, project, run string, files []string) ([]api.UploadURL, []string, error)
	UploadFile(ctx context.Context, url string, headers []string, r io.Reader, size int64) error
}

// Stats for all files pushed
type Stats struct {
	UploadedBytes int64
	TotalBytes    int64
	DedupedBytes  int64
}

// Options for a Pusher
type Options struct {
	Entity  string
	Project string
	Run     string
	// MaxConcurrent is the number of uploads that run at once
	MaxConcurrent int64
	// Retries per file
	Retries int
	// Backoff returns the delay before a retry
	Backoff func(attempt int) time.Duration
	// Uploaded is called with the size of every completed upload
	Uploaded func(bytes int64)
}

type job struct {
	savePath string
	snapshot string
	size     int64
	url      string
	headers  []string
	category string
	done     func(error)
}

// Pusher uploads files with bounded concurrency
type Pusher struct {
	api     Uploader
	opts    Options
	sem     *semaphore.Weighted
	staging string
	logger  *log.Logger

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	lock     sync.Mutex
	stats    Stats
	inflight int
	finished bool
	md5s     map[string]string
	counts   map[string]map[string]struct{}
}

// New returns a pusher for a run
func New(uploader Uploader, o Options) (*Pusher, error) {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 64
	}
	if o.Retries <= 0 {
		o.Retries = 5
	}
	if o.Backoff == nil {
		o.Backoff = func(attempt int) time.Duration {
			return nats.ExpBackoff(attempt, time.Minute)
		}
	}

	staging, err := os.MkdirTemp("", "runsync-staging-")
	if err != nil {
		return nil, fmt.Errorf("Error creating staging dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pusher{
		api:     uploader,
		opts:    o,
		sem:     semaphore.NewWeighted(o.MaxConcurrent),
		staging: staging,
		logger:  log.New(os.Stderr, "FilePusher: ", log.LstdFlags|log.Lmsgprefix),
		ctx:     ctx,
		cancel:  cancel,
		md5s:    make(map[string]string),
		counts: map[string]map[string]struct{}{
			CategoryWandb:    {},
			CategoryMedia:    {},
			CategoryArtifact: {},
			CategoryOther:    {},
		},
	}, nil
}

// Category returns the file category of a run file path
func Category(savePath string) string {
	p := filepath.ToSlash(savePath)
	switch {
	case strings.HasPrefix(p, "media/"):
		return CategoryMedia
	case strings.HasPrefix(p, "wandb-"),
		p == data.OutputFilename,
		p == data.ConfigFilename,
		p == "requirements.txt",
		p == "diff.patch":
		return CategoryWandb
	}
	return CategoryOther
}

// FileChanged queues localPath for upload as the run file savePath. An
// unchanged file that was already uploaded is counted as deduped.
func (p *Pusher) FileChanged(savePath, localPath string) error {
	return p.push(savePath, localPath, Category(savePath), "", nil, nil)
}

// PushArtifactFile uploads a file of an artifact to a URL returned by the
// backend. done is called when the upload completes.
func (p *Pusher) PushArtifactFile(name, localPath, url string, done func(error)) error {
	return p.push(name, localPath, CategoryArtifact, url, nil, done)
}

func (p *Pusher) push(savePath, localPath, category, url string, headers []string, done func(error)) error {
	sum, size, err := fileMD5(localPath)
	if err != nil {
		return err
	}

	p.lock.Lock()
	if p.finished {
		p.lock.Unlock()
		return ErrFinished
	}

	p.counts[category][savePath] = struct{}{}
	p.stats.TotalBytes += size

	key := category + ":" + savePath
	if p.md5s[key] == sum {
		p.stats.DedupedBytes += size
		p.lock.Unlock()
		if done != nil {
			done(nil)
		}
		return nil
	}
	p.md5s[key] = sum

	p.inflight++
	p.wg.Add(1)
	p.lock.Unlock()

	snapshot, err := p.snapshot(localPath)
	if err != nil {
		p.complete(0, err, done)
		return err
	}

	j := job{
		savePath: savePath,
		snapshot: snapshot,
		size:     size,
		url:      url,
		headers:  headers,
		category: category,
		done:     done,
	}

	go p.upload(j)

	return nil
}

func (p *Pusher) snapshot(localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(p.staging, "file-")
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", err
	}

	return dst.Name(), nil
}

func (p *Pusher) upload(j job) {
	defer os.Remove(j.snapshot)

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.complete(0, err, j.done)
		return
	}
	defer p.sem.Release(1)

	var err error
	for attempt := 0; attempt < p.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-p.ctx.Done():
				p.complete(0, p.ctx.Err(), j.done)
				return
			case <-time.After(p.opts.Backoff(attempt)):
			}
		}

		err = p.uploadOnce(j)
		if err == nil {
			break
		}
		p.logger.Printf("Error uploading %v (attempt %v): %v", j.savePath, attempt+1, err)
	}

	if err != nil {
		// allow the same contents to be pushed again
		p.lock.Lock()
		delete(p.md5s, j.category+":"+j.savePath)
		p.lock.Unlock()
		p.complete(0, err, j.done)
		return
	}

	p.complete(j.size, nil, j.done)
}

func (p *Pusher) uploadOnce(j job) error {
	url, headers := j.url, j.headers
	if url == "" {
		urls, h, err := p.api.UploadURLs(p.ctx, p.opts.Entity, p.opts.Project,
			p.opts.Run, []string{filepath.ToSlash(j.savePath)})
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return fmt.Errorf("no upload url for %v", j.savePath)
		}
		url, headers = urls[0].URL, h
	}

	f, err := os.Open(j.snapshot)
	if err != nil {
		return err
	}
	defer f.Close()

	return p.api.UploadFile(p.ctx, url, headers, f, j.size)
}

func (p *Pusher) complete(uploaded int64, err error, done func(error)) {
	p.lock.Lock()
	p.stats.UploadedBytes += uploaded
	p.inflight--
	p.lock.Unlock()

	if uploaded > 0 && p.opts.Uploaded != nil {
		p.opts.Uploaded(uploaded)
	}

	if done != nil {
		done(err)
	}

	p.wg.Done()
}

// Status returns true if uploads are still pending, and the current stats
func (p *Pusher) Status() (bool, Stats) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inflight > 0, p.stats
}

// FileCounts returns the number of distinct files pushed per category
func (p *Pusher) FileCounts() data.FileCounts {
	p.lock.Lock()
	defer p.lock.Unlock()
	return data.FileCounts{
		WandbCount:    int32(len(p.counts[CategoryWandb])),
		MediaCount:    int32(len(p.counts[CategoryMedia])),
		ArtifactCount: int32(len(p.counts[CategoryArtifact])),
		OtherCount:    int32(len(p.counts[CategoryOther])),
	}
}

// PrintStatus writes a human readable summary of the upload progress
func (p *Pusher) PrintStatus(w io.Writer) {
	_, s := p.Status()
	fmt.Fprintf(w, "%v of %v uploaded (%v deduped)\n",
		humanize.Bytes(uint64(s.UploadedBytes)),
		humanize.Bytes(uint64(s.TotalBytes)),
		humanize.Bytes(uint64(s.DedupedBytes)))
}

// Finish stops accepting files. Queued uploads continue.
func (p *Pusher) Finish() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.finished = true
}

// Join waits for all uploads to complete and removes the staging dir
func (p *Pusher) Join() {
	p.Finish()
	p.wg.Wait()
	os.RemoveAll(p.staging)
}

// Stop cancels uploads in progress
func (p *Pusher) Stop() {
	p.cancel()
	p.Join()
}

func fileMD5(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
