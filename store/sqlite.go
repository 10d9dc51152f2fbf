package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// tell sql to use sqlite
	_ "modernc.org/sqlite"
)

// Run states in the index
const (
	RunStateRunning  = "running"
	RunStateFinished = "finished"
)

// RunEntry is a local run as tracked by the index
type RunEntry struct {
	ID        string
	Entity    string
	Project   string
	Dir       string
	SyncFile  string
	Mode      string
	State     string
	ExitCode  int32
	Synced    bool
	StartTime time.Time
	EndTime   time.Time
}

// DbSqlite is the local run index. It records every run started on this
// machine so offline runs can be found and synced later.
type DbSqlite struct {
	db *sql.DB
}

// NewSqliteDb opens or creates the run index in dbFile
func NewSqliteDb(dbFile string) (*DbSqlite, error) {
	if err := os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		return nil, err
	}

	// sqlite does not handle concurrent writers
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS runs (id TEXT NOT NULL PRIMARY KEY,
				entity TEXT,
				project TEXT,
				dir TEXT,
				sync_file TEXT,
				mode TEXT,
				state TEXT,
				exit_code INT,
				synced INT,
				start_time INT,
				end_time INT)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Error creating runs table: %v", err)
	}

	return &DbSqlite{db: db}, nil
}

// RunStarted records a new run, or updates an existing run that is resumed
func (sdb *DbSqlite) RunStarted(r RunEntry) error {
	if r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}

	_, err := sdb.db.Exec(`INSERT INTO runs(id, entity, project, dir, sync_file,
		 mode, state, exit_code, synced, start_time, end_time)
		 VALUES(?, ?, ?, ?, ?, ?, ?, 0, 0, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET
		 entity = ?2,
		 project = ?3,
		 dir = ?4,
		 sync_file = ?5,
		 mode = ?6,
		 state = ?7,
		 synced = 0,
		 end_time = 0
		 `, r.ID, r.Entity, r.Project, r.Dir, r.SyncFile, r.Mode,
		RunStateRunning, r.StartTime.UnixNano())

	if err != nil {
		return fmt.Errorf("Error recording run start: %v", err)
	}

	return nil
}

// RunFinished records the exit of a run
func (sdb *DbSqlite) RunFinished(id string, exitCode int32) error {
	res, err := sdb.db.Exec(`UPDATE runs SET state = ?, exit_code = ?, end_time = ?
		WHERE id = ?`, RunStateFinished, exitCode, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("Error recording run finish: %v", err)
	}

	return checkFound(res, id)
}

// MarkSynced flags a run as uploaded to the backend
func (sdb *DbSqlite) MarkSynced(id string) error {
	res, err := sdb.db.Exec(`UPDATE runs SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("Error marking run synced: %v", err)
	}

	return checkFound(res, id)
}

func checkFound(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %v: %w", id, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, entity, project, dir, sync_file, mode, state,
	exit_code, synced, start_time, end_time`

// Run returns a single run from the index
func (sdb *DbSqlite) Run(id string) (RunEntry, error) {
	rows, err := sdb.db.Query("SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	if err != nil {
		return RunEntry{}, err
	}

	runs, err := scanRuns(rows)
	if err != nil {
		return RunEntry{}, err
	}

	if len(runs) == 0 {
		return RunEntry{}, fmt.Errorf("run %v: %w", id, ErrRunNotFound)
	}

	return runs[0], nil
}

// Runs returns all runs, oldest first
func (sdb *DbSqlite) Runs() ([]RunEntry, error) {
	rows, err := sdb.db.Query("SELECT " + runColumns + " FROM runs ORDER BY start_time")
	if err != nil {
		return nil, err
	}

	return scanRuns(rows)
}

// Unsynced returns runs that have not been uploaded, oldest first
func (sdb *DbSqlite) Unsynced() ([]RunEntry, error) {
	rows, err := sdb.db.Query("SELECT " + runColumns +
		" FROM runs WHERE synced = 0 ORDER BY start_time")
	if err != nil {
		return nil, err
	}

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]RunEntry, error) {
	defer rows.Close()

	var ret []RunEntry

	for rows.Next() {
		var r RunEntry
		var synced int
		var start, end int64
		err := rows.Scan(&r.ID, &r.Entity, &r.Project, &r.Dir, &r.SyncFile, &r.Mode,
			&r.State, &r.ExitCode, &synced, &start, &end)
		if err != nil {
			return nil, fmt.Errorf("Error scanning run row: %v", err)
		}

		r.Synced = synced != 0
		r.StartTime = time.Unix(0, start)
		if end != 0 {
			r.EndTime = time.Unix(0, end)
		}

		ret = append(ret, r)
	}

	return ret, rows.Err()
}

// Close the db
func (sdb *DbSqlite) Close() error {
	return sdb.db.Close()
}
