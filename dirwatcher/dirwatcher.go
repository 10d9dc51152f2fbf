// Package dirwatcher watches the files dir of a run and hands files to the
// file pusher according to the policy the run set for them.
package dirwatcher

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/fsnotify/fsnotify"
	"github.com/runsync/runsync/data"
)

// Pusher receives files that should be uploaded
type Pusher interface {
	FileChanged(savePath, localPath string) error
}

// DirWatcher watches a run files dir. Files with the live policy are pushed
// whenever they change, at most once per debounce period.
type DirWatcher struct {
	dir      string
	pusher   Pusher
	ignore   []string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	policies map[string]data.FilePolicy
	globs    map[string]data.FilePolicy
	pushed   map[string]bool
	changed  map[string]time.Time
	finished bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts watching dir. Paths matching any of ignoreGlobs are never pushed.
func New(dir string, pusher Pusher, ignoreGlobs []string) (*DirWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	for _, g := range ignoreGlobs {
		if _, err := doublestar.Match(g, ""); err != nil {
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dw := &DirWatcher{
		dir:      dir,
		pusher:   pusher,
		ignore:   ignoreGlobs,
		watcher:  watcher,
		debounce: 500 * time.Millisecond,
		logger:   log.New(os.Stderr, "DirWatcher: ", log.LstdFlags|log.Lmsgprefix),
		policies: make(map[string]data.FilePolicy),
		globs:    make(map[string]data.FilePolicy),
		pushed:   make(map[string]bool),
		changed:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := dw.addTree(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go dw.run()

	return dw, nil
}

// addTree watches dir and all its sub dirs. fsnotify is not recursive.
func (dw *DirWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return dw.watcher.Add(path)
		}
		return nil
	})
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// Ignored returns true if path matches one of the ignore globs
func (dw *DirWatcher) Ignored(savePath string) bool {
	for _, g := range dw.ignore {
		if m, _ := doublestar.Match(g, savePath); m {
			return true
		}
		if m, _ := doublestar.Match(g, filepath.Base(savePath)); m {
			return true
		}
	}
	return false
}

// savePath converts a path in the files dir to the run file name
func (dw *DirWatcher) savePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path)), nil
	}
	rel, err := filepath.Rel(dw.dir, path)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.New("path outside files dir: " + path)
	}
	return filepath.ToSlash(rel), nil
}

// policy returns the policy for a file, checking exact names before globs.
// Files without a policy are uploaded at the end of the run.
func (dw *DirWatcher) policy(savePath string) data.FilePolicy {
	if p, ok := dw.policies[savePath]; ok {
		return p
	}
	for g, p := range dw.globs {
		if m, _ := doublestar.Match(g, savePath); m {
			return p
		}
	}
	return data.FilePolicyEnd
}

// UpdatePolicy sets the upload policy for a file or glob relative to the
// files dir. Files with the now or live policy that already exist are
// pushed immediately.
func (dw *DirWatcher) UpdatePolicy(path string, policy data.FilePolicy) error {
	sp, err := dw.savePath(path)
	if err != nil {
		return err
	}

	dw.mu.Lock()
	if dw.finished {
		dw.mu.Unlock()
		return nil
	}

	var push []string
	if isGlob(sp) {
		dw.globs[sp] = policy
		if policy != data.FilePolicyEnd {
			matches, err := doublestar.Glob(filepath.Join(dw.dir, filepath.FromSlash(sp)))
			if err != nil {
				dw.mu.Unlock()
				return err
			}
			for _, m := range matches {
				if msp, err := dw.savePath(m); err == nil {
					push = append(push, msp)
				}
			}
		}
	} else {
		dw.policies[sp] = policy
		if policy != data.FilePolicyEnd {
			push = append(push, sp)
		}
	}
	dw.mu.Unlock()

	for _, p := range push {
		dw.push(p)
	}

	return nil
}

func (dw *DirWatcher) push(savePath string) {
	if dw.Ignored(savePath) {
		return
	}

	local := filepath.Join(dw.dir, filepath.FromSlash(savePath))
	info, err := os.Stat(local)
	if err != nil || info.IsDir() {
		return
	}

	if err := dw.pusher.FileChanged(savePath, local); err != nil {
		dw.logger.Printf("Error pushing %v: %v", savePath, err)
		return
	}

	dw.mu.Lock()
	dw.pushed[savePath] = true
	dw.mu.Unlock()
}

func (dw *DirWatcher) run() {
	defer close(dw.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-dw.stopCh:
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			dw.handleEvent(event)

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Printf("watch error: %v", err)

		case <-ticker.C:
			dw.pushChanged(false)
		}
	}
}

func (dw *DirWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if err := dw.addTree(event.Name); err != nil {
			dw.logger.Printf("Error watching %v: %v", event.Name, err)
		}
		return
	}

	sp, err := dw.savePath(event.Name)
	if err != nil {
		return
	}

	dw.mu.Lock()
	defer dw.mu.Unlock()

	switch dw.policy(sp) {
	case data.FilePolicyLive:
		if _, ok := dw.changed[sp]; !ok {
			dw.changed[sp] = time.Now()
		}
	case data.FilePolicyNow:
		// files matched by a now glob after it was set
		if !dw.pushed[sp] {
			dw.changed[sp] = time.Time{}
		}
	}
}

// pushChanged pushes live files whose debounce period expired, or all of
// them if force is set
func (dw *DirWatcher) pushChanged(force bool) {
	var push []string

	dw.mu.Lock()
	for sp, t := range dw.changed {
		if force || time.Since(t) >= dw.debounce {
			push = append(push, sp)
			delete(dw.changed, sp)
		}
	}
	dw.mu.Unlock()

	for _, sp := range push {
		dw.push(sp)
	}
}

// Finish stops watching and pushes every file in the dir that has not been
// pushed with the now policy. Finish can be called more than once.
func (dw *DirWatcher) Finish() error {
	dw.mu.Lock()
	if dw.finished {
		dw.mu.Unlock()
		return nil
	}
	dw.finished = true
	dw.mu.Unlock()

	close(dw.stopCh)
	<-dw.doneCh

	if err := dw.watcher.Close(); err != nil {
		dw.logger.Printf("Error closing watcher: %v", err)
	}

	dw.pushChanged(true)

	return filepath.WalkDir(dw.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		sp, err := dw.savePath(path)
		if err != nil {
			return nil
		}

		dw.mu.Lock()
		skip := dw.policy(sp) == data.FilePolicyNow && dw.pushed[sp]
		dw.mu.Unlock()

		if !skip {
			dw.push(sp)
		}

		return nil
	})
}
