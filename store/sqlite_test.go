package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestDbSqlite(t *testing.T) {
	db, err := NewSqliteDb(filepath.Join(t.TempDir(), "wandb", "runs.sqlite"))
	if err != nil {
		t.Fatal("Error opening db: ", err)
	}
	defer db.Close()

	start := time.Now()

	err = db.RunStarted(RunEntry{ID: "r1", Project: "p", Mode: "offline",
		StartTime: start})
	if err != nil {
		t.Fatal(err)
	}

	err = db.RunStarted(RunEntry{ID: "r2", Project: "p", Mode: "online",
		StartTime: start.Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.RunFinished("r1", 3); err != nil {
		t.Fatal(err)
	}

	r1, err := db.Run("r1")
	if err != nil {
		t.Fatal(err)
	}

	if r1.State != RunStateFinished || r1.ExitCode != 3 || r1.EndTime.IsZero() {
		t.Error("unexpected run: ", r1)
	}

	if !r1.StartTime.Equal(start) {
		t.Error("start time not preserved: ", r1.StartTime, start)
	}

	if err := db.MarkSynced("r1"); err != nil {
		t.Fatal(err)
	}

	unsynced, err := db.Unsynced()
	if err != nil {
		t.Fatal(err)
	}

	if len(unsynced) != 1 || unsynced[0].ID != "r2" {
		t.Error("unexpected unsynced runs: ", unsynced)
	}

	runs, err := db.Runs()
	if err != nil {
		t.Fatal(err)
	}

	if len(runs) != 2 || runs[0].ID != "r1" {
		t.Error("unexpected runs: ", runs)
	}
}

func TestDbSqliteResume(t *testing.T) {
	db, err := NewSqliteDb(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatal("Error opening db: ", err)
	}
	defer db.Close()

	if err := db.RunStarted(RunEntry{ID: "r1"}); err != nil {
		t.Fatal(err)
	}

	if err := db.RunFinished("r1", 0); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkSynced("r1"); err != nil {
		t.Fatal(err)
	}

	// resuming the run starts it again
	if err := db.RunStarted(RunEntry{ID: "r1", Dir: "d2"}); err != nil {
		t.Fatal(err)
	}

	r, err := db.Run("r1")
	if err != nil {
		t.Fatal(err)
	}

	if r.State != RunStateRunning || r.Synced || r.Dir != "d2" {
		t.Error("unexpected resumed run: ", r)
	}
}

func TestDbSqliteNotFound(t *testing.T) {
	db, err := NewSqliteDb(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatal("Error opening db: ", err)
	}
	defer db.Close()

	if _, err := db.Run("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Error("expected ErrRunNotFound, got: ", err)
	}

	if err := db.MarkSynced("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Error("expected ErrRunNotFound, got: ", err)
	}
}
