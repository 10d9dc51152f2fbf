package dirwatcher

import (
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/runsync/runsync/data"
)

// PolicyUpdater is implemented by DirWatcher
type PolicyUpdater interface {
	UpdatePolicy(path string, policy data.FilePolicy) error
}

type tbDir struct {
	logDir string
	save   bool
}

// TBWatcher collects tensorboard event files. When the run finishes, event
// files from log dirs registered with save set are copied into the run files
// dir so they are uploaded with the run.
type TBWatcher struct {
	filesDir string
	rootDir  string
	updater  PolicyUpdater
	logger   *log.Logger

	mu       sync.Mutex
	dirs     []tbDir
	finished bool
}

// NewTBWatcher returns a tensorboard watcher. rootDir is used to build the
// saved path of log dirs inside the project.
func NewTBWatcher(filesDir, rootDir string, updater PolicyUpdater) *TBWatcher {
	return &TBWatcher{
		filesDir: filesDir,
		rootDir:  rootDir,
		updater:  updater,
		logger:   log.New(os.Stderr, "TBWatcher: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Add registers a tensorboard log dir. Adding the same dir twice is a no-op.
func (tw *TBWatcher) Add(logDir string, save bool) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	for _, d := range tw.dirs {
		if d.logDir == logDir {
			return
		}
	}

	tw.dirs = append(tw.dirs, tbDir{logDir: logDir, save: save})
}

// Dirs returns the registered log dirs
func (tw *TBWatcher) Dirs() []string {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	var ret []string
	for _, d := range tw.dirs {
		ret = append(ret, d.logDir)
	}
	return ret
}

// Finish copies event files into the files dir. It can be called more than
// once.
func (tw *TBWatcher) Finish() error {
	tw.mu.Lock()
	if tw.finished {
		tw.mu.Unlock()
		return nil
	}
	tw.finished = true
	dirs := append([]tbDir(nil), tw.dirs...)
	tw.mu.Unlock()

	for _, d := range dirs {
		if !d.save {
			continue
		}
		if err := tw.saveDir(d.logDir); err != nil {
			tw.logger.Printf("Error saving %v: %v", d.logDir, err)
		}
	}

	return nil
}

// savePrefix is the path under the files dir for a log dir
func (tw *TBWatcher) savePrefix(logDir string) string {
	abs, err := filepath.Abs(logDir)
	if err == nil && tw.rootDir != "" {
		if rel, err := filepath.Rel(tw.rootDir, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(logDir)
}

func (tw *TBWatcher) saveDir(logDir string) error {
	prefix := tw.savePrefix(logDir)

	return filepath.WalkDir(logDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), ".tfevents.") {
			return nil
		}

		rel, err := filepath.Rel(logDir, path)
		if err != nil {
			return err
		}

		savePath := filepath.Join(prefix, rel)
		if err := copyFile(path, filepath.Join(tw.filesDir, savePath)); err != nil {
			return err
		}

		return tw.updater.UpdatePolicy(savePath, data.FilePolicyEnd)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
