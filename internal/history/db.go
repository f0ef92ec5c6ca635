// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package history stores past certification runs in sqlite so results can be
// compared across firmware and multipath configuration changes.
package history

import (
	"database/sql"
	"strings"
	"time"

	"github.com/golang/snappy"
	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
)

// Run is the summary row of one certification run.
type Run struct {
	ID         int64
	Started    time.Time
	Finished   time.Time
	Device     string
	Mode       string
	Iterations int

	// Ledger and Verdict are set by FinishRun.
	Ledger  core.CheckpointLedger
	Verdict string
}

// Iteration is the stored form of a core.IterationResult.
type Iteration struct {
	Run            int64
	Number         int
	BaselineActive int
	Chosen         int
	Expected       int
	Converged      bool
	Failover       time.Duration
	Restored       bool
	Restore        time.Duration
	MaxIOLatency   time.Duration
	IOErrors       int

	// Integrity is "" if not checked, else "ok" or "corrupt".
	Integrity string
	Err       string

	// Topology is the path table observed while paths were blocked, one
	// path per line.
	Topology string
}

// SqliteDB is a persistent DB backed by sqlite for storing runs and their
// iterations.
type SqliteDB struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements for the 'runs' and 'iterations' tables.
	startStmt, finishStmt, putIterStmt, runsStmt, itersStmt *sql.Stmt
}

var schema = []string{
	// Due to a bug in early version of sqlite, a non-integer primary key
	// can be null. So we need to set it to be not null explicitly here.
	// (see https://www.sqlite.org/lang_createtable.html#rowid).
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started INTEGER NOT NULL,
		finished INTEGER NOT NULL DEFAULT 0,
		device TEXT NOT NULL,
		mode TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		earned INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		verdict TEXT NOT NULL DEFAULT '')`,
	`CREATE TABLE IF NOT EXISTS iterations (
		run INTEGER NOT NULL,
		num INTEGER NOT NULL,
		baseline INTEGER NOT NULL,
		chosen INTEGER NOT NULL,
		expected INTEGER NOT NULL,
		converged INTEGER NOT NULL,
		failover INTEGER NOT NULL,
		restored INTEGER NOT NULL,
		restore INTEGER NOT NULL,
		max_io INTEGER NOT NULL,
		io_errors INTEGER NOT NULL,
		integrity TEXT NOT NULL,
		error TEXT NOT NULL,
		topology BLOB,
		PRIMARY KEY (run, num))`,
}

// Open creates a SqliteDB backed by the file located at 'path'.
func Open(path string) (*SqliteDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, core.ErrPrecondition.Errorf("failed to open the db backed by %s: %s", path, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, core.ErrPrecondition.Errorf("failed to create tables: %s", err)
		}
	}

	s := &SqliteDB{db: db}
	for _, p := range []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&s.startStmt, "INSERT INTO runs (started, device, mode, iterations) VALUES (?, ?, ?, ?)"},
		{&s.finishStmt, "UPDATE runs SET finished=?, earned=?, total=?, verdict=? WHERE id=?"},
		{&s.putIterStmt, "INSERT OR REPLACE INTO iterations VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"},
		{&s.runsStmt, "SELECT id, started, finished, device, mode, iterations, earned, total, verdict FROM runs ORDER BY id DESC LIMIT ?"},
		{&s.itersStmt, "SELECT run, num, baseline, chosen, expected, converged, failover, restored, restore, max_io, io_errors, integrity, error, topology FROM iterations WHERE run=? ORDER BY num"},
	} {
		if *p.stmt, err = db.Prepare(p.query); err != nil {
			s.Close()
			return nil, core.ErrPrecondition.Errorf("failed to prepare %q: %s", p.query, err)
		}
	}
	return s, nil
}

// StartRun inserts a new run and returns its ID.
func (s *SqliteDB) StartRun(r Run) (int64, error) {
	res, err := s.startStmt.Exec(r.Started.UnixNano(), r.Device, r.Mode, r.Iterations)
	if err != nil {
		log.Errorf("failed to insert run for %s: %s", r.Device, err)
		return 0, err
	}
	return res.LastInsertId()
}

// PutIteration stores one iteration of run 'run' along with the path table
// seen during failover.
func (s *SqliteDB) PutIteration(run int64, it core.IterationResult, topology []core.PathRecord) error {
	integrity := ""
	if it.IntegrityChecked {
		integrity = "corrupt"
		if it.IntegrityOK {
			integrity = "ok"
		}
	}
	errStr := ""
	if it.Err != nil {
		errStr = it.Err.Error()
	}
	_, err := s.putIterStmt.Exec(run, it.Number, it.BaselineActive, it.Injection.Chosen, it.Injection.Expected,
		it.FailoverConverged, int64(it.FailoverElapsed), it.Restored, int64(it.RestoreElapsed),
		int64(it.MaxIOLatency), it.IOErrors, integrity, errStr, encodeTopology(topology))
	if err != nil {
		log.Errorf("failed to insert iteration %d of run %d: %s", it.Number, run, err)
	}
	return err
}

// FinishRun records the outcome of run 'run'.
func (s *SqliteDB) FinishRun(run int64, finished time.Time, ledger core.CheckpointLedger, verdict string) error {
	if _, err := s.finishStmt.Exec(finished.UnixNano(), ledger.Earned, ledger.Total, verdict, run); err != nil {
		log.Errorf("failed to finish run %d: %s", run, err)
		return err
	}
	return nil
}

// Runs returns up to 'limit' runs, newest first.
func (s *SqliteDB) Runs(limit int) ([]Run, error) {
	rows, err := s.runsStmt.Query(limit)
	if err != nil {
		log.Errorf("failed to select runs: %s", err)
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Device, &r.Mode, &r.Iterations,
			&r.Ledger.Earned, &r.Ledger.Total, &r.Verdict); err != nil {
			return nil, err
		}
		r.Started = time.Unix(0, started)
		if finished != 0 {
			r.Finished = time.Unix(0, finished)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("error in iterating through rows: %s", err)
		return nil, err
	}
	return runs, nil
}

// Iterations returns the iterations of run 'run' in order.
func (s *SqliteDB) Iterations(run int64) ([]Iteration, error) {
	rows, err := s.itersStmt.Query(run)
	if err != nil {
		log.Errorf("failed to select iterations of run %d: %s", run, err)
		return nil, err
	}
	defer rows.Close()

	var its []Iteration
	for rows.Next() {
		var it Iteration
		var failover, restore, maxIO int64
		var topo []byte
		if err := rows.Scan(&it.Run, &it.Number, &it.BaselineActive, &it.Chosen, &it.Expected,
			&it.Converged, &failover, &it.Restored, &restore, &maxIO, &it.IOErrors,
			&it.Integrity, &it.Err, &topo); err != nil {
			return nil, err
		}
		it.Failover, it.Restore, it.MaxIOLatency = time.Duration(failover), time.Duration(restore), time.Duration(maxIO)
		if it.Topology, err = decodeTopology(topo); err != nil {
			log.Errorf("bad topology snapshot for iteration %d of run %d: %s", it.Number, run, err)
		}
		its = append(its, it)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("error in iterating through rows: %s", err)
		return nil, err
	}
	return its, nil
}

// Close closes the db. All errors will be logged and the last error is
// returned.
func (s *SqliteDB) Close() (err error) {
	for _, stmt := range []*sql.Stmt{s.startStmt, s.finishStmt, s.putIterStmt, s.runsStmt, s.itersStmt} {
		if stmt == nil {
			continue
		}
		if cerr := stmt.Close(); cerr != nil {
			err = cerr
			log.Errorf("failed to close statement: %s", err)
		}
	}
	if cerr := s.db.Close(); cerr != nil {
		err = cerr
		log.Errorf("failed to close db: %s", err)
	}
	return err
}

// Path tables repeat the same few words on every line and compress well.
func encodeTopology(paths []core.PathRecord) []byte {
	if len(paths) == 0 {
		return nil
	}
	lines := make([]string, len(paths))
	for i, p := range paths {
		lines[i] = p.String()
	}
	return snappy.Encode(nil, []byte(strings.Join(lines, "\n")))
}

func decodeTopology(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	raw, err := snappy.Decode(nil, b)
	return string(raw), err
}
