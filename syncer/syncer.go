// Package syncer uploads runs that were recorded offline. The transaction
// log of the run is replayed through a sender as if the run was live.
package syncer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/runsync/runsync/data"
	"github.com/runsync/runsync/sender"
	"github.com/runsync/runsync/settings"
	"github.com/runsync/runsync/store"
)

// ErrNoRun is returned for transaction logs without a run record
var ErrNoRun = errors.New("transaction log has no run record")

// Options for a sync
type Options struct {
	// Path of the run-<id>.wandb transaction log
	Path     string
	Settings *settings.Settings
	API      sender.API
	// Entity, Project and RunID override the values in the log
	Entity  string
	Project string
	RunID   string
	// Index is marked synced when the upload completes. Optional.
	Index *store.DbSqlite
}

// Syncer replays a transaction log
type Syncer struct {
	opts   Options
	logger *log.Logger
	runErr error
	runID  string
}

// New returns a syncer for one transaction log
func New(o Options) *Syncer {
	return &Syncer{
		opts:   o,
		logger: log.New(os.Stderr, "Sync: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// FindLog returns the transaction log in a run dir. path can also be the
// log itself.
func FindLog(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if !fi.IsDir() {
		return path, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "run-*.wandb"))
	if err != nil {
		return "", err
	}

	if len(matches) != 1 {
		return "", fmt.Errorf("expected one transaction log in %v, found %v", path, len(matches))
	}

	return matches[0], nil
}

func (sy *Syncer) respond(res *data.Result) {
	if res.RunResult != nil && res.RunResult.Error != nil {
		sy.runErr = res.RunResult.Error
	}
}

// Sync uploads the run. It returns once every file has been uploaded.
func (sy *Syncer) Sync() error {
	o := sy.opts

	r, err := store.OpenLog(o.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	s := o.Settings.Clone()
	s.SyncDir = filepath.Dir(o.Path)
	s.Mode = settings.ModeOnline
	if o.Entity != "" {
		s.Entity = o.Entity
	}
	if o.Project != "" {
		s.Project = o.Project
	}
	s.Freeze()

	snd := sender.New(sender.Options{
		Settings: s,
		API:      o.API,
		Respond:  sy.respond,
	})
	defer snd.Finish()

	count := 0

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			sy.logger.Println("Transaction log ends with a partial record: ", o.Path)
			break
		}
		if err != nil {
			return fmt.Errorf("Error reading %v: %w", o.Path, err)
		}

		// nobody is waiting for these
		if rec.Request != nil {
			continue
		}

		if rec.Run != nil {
			if o.Entity != "" {
				rec.Run.Entity = o.Entity
			}
			if o.Project != "" {
				rec.Run.Project = o.Project
			}
			if o.RunID != "" {
				rec.Run.RunID = o.RunID
			}
			sy.runID = rec.Run.RunID
			rec.Control.ReqResp = true
		} else {
			rec.Control.ReqResp = false
		}

		if sy.runID == "" {
			return ErrNoRun
		}

		snd.Send(rec)
		count++

		if sy.runErr != nil {
			return sy.runErr
		}
	}

	if sy.runID == "" {
		return ErrNoRun
	}

	if !snd.Done() {
		sy.logger.Println("Run did not exit, marking it as failed")
		snd.Send(&data.Record{Exit: &data.RunExitRecord{ExitCode: 1}})
	}

	snd.Finish()

	var b strings.Builder
	snd.PrintStatus(&b)
	sy.logger.Printf("Synced %v records of run %v. %v", count, sy.runID, b.String())

	if o.Index != nil {
		if err := o.Index.MarkSynced(runIDFromLog(o.Path)); err != nil &&
			!errors.Is(err, store.ErrRunNotFound) {
			return err
		}
	}

	return nil
}

// runIDFromLog returns the run id from a run-<id>.wandb file name. The index
// uses the id the run was recorded with.
func runIDFromLog(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(strings.TrimPrefix(base, "run-"), ".wandb")
}
