// Package store persists simulation output to SQLite: the trade ledger of every
// run and facility snapshots taken at step boundaries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/inference-sim/matflow-sim/sim"
	"github.com/inference-sim/matflow-sim/sim/trace"
)

// ErrNoSnapshot is returned when a run has no snapshot at the requested time.
var ErrNoSnapshot = errors.New("no snapshot")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id   TEXT PRIMARY KEY,
	scenario TEXT NOT NULL,
	horizon  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	time        INTEGER NOT NULL,
	sender      TEXT NOT NULL,
	receiver    TEXT NOT NULL,
	commodity   TEXT NOT NULL,
	quantity    REAL NOT NULL,
	batch_id    TEXT NOT NULL,
	composition BLOB NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS snapshots (
	run_id   TEXT NOT NULL,
	time     INTEGER NOT NULL,
	seq      INTEGER NOT NULL,
	facility TEXT NOT NULL,
	payload  BLOB NOT NULL,
	PRIMARY KEY (run_id, time, facility)
);`

// Store is a SQLite ledger shared by every run of one CLI invocation.
// It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

var _ sim.SnapshotSink = (*Store)(nil)

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "matflow.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// BeginRun registers a run. Registering the same run twice replaces its row.
func (s *Store) BeginRun(ctx context.Context, runID, scenario string, horizon int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id,scenario,horizon) VALUES(?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET scenario=excluded.scenario, horizon=excluded.horizon`,
		runID, scenario, horizon)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// Run is one registered simulation run.
type Run struct {
	RunID    string
	Scenario string
	Horizon  int64
}

// Runs lists every registered run in registration order.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,scenario,horizon FROM runs ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Scenario, &r.Horizon); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTrades appends records to the run's ledger in one transaction.
func (s *Store) RecordTrades(ctx context.Context, runID string, records []trace.TradeRecord) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq)+1, 0) FROM transactions WHERE run_id=?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions
		(run_id,seq,time,sender,receiver,commodity,quantity,batch_id,composition)
		VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for i, r := range records {
		comp, err := json.Marshal(r.Composition)
		if err != nil {
			return fmt.Errorf("encode composition: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, runID, next+int64(i), r.Time, r.Sender, r.Receiver,
			r.Commodity, r.Quantity, r.BatchID, comp); err != nil {
			return fmt.Errorf("insert trade %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// TradeFilter selects ledger rows. Zero fields match everything.
type TradeFilter struct {
	Time      *int64
	Sender    string
	Receiver  string
	Commodity string
}

// Trades returns the run's matching trades in the order they were recorded.
func (s *Store) Trades(ctx context.Context, runID string, f TradeFilter) ([]trace.TradeRecord, error) {
	conds := []string{"run_id = ?"}
	args := []any{runID}
	if f.Time != nil {
		conds = append(conds, "time = ?")
		args = append(args, *f.Time)
	}
	if f.Sender != "" {
		conds = append(conds, "sender = ?")
		args = append(args, f.Sender)
	}
	if f.Receiver != "" {
		conds = append(conds, "receiver = ?")
		args = append(args, f.Receiver)
	}
	if f.Commodity != "" {
		conds = append(conds, "commodity = ?")
		args = append(args, f.Commodity)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT time,sender,receiver,commodity,quantity,batch_id,composition
		FROM transactions WHERE `+strings.Join(conds, " AND ")+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("select trades: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []trace.TradeRecord
	for rows.Next() {
		var r trace.TradeRecord
		var comp []byte
		if err := rows.Scan(&r.Time, &r.Sender, &r.Receiver, &r.Commodity, &r.Quantity, &r.BatchID, &comp); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(comp, &r.Composition); err != nil {
			return nil, fmt.Errorf("decode composition: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveSnapshot implements sim.SnapshotSink. Saving the same (run, time) again
// overwrites the facilities it names.
func (s *Store) SaveSnapshot(ctx context.Context, runID string, now int64, snaps []sim.FacilitySnapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for i, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode %s: %w", snap.Facility, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(run_id,time,seq,facility,payload) VALUES(?,?,?,?,?)
			ON CONFLICT(run_id,time,facility) DO UPDATE SET seq=excluded.seq, payload=excluded.payload`,
			runID, now, i, snap.Facility, data); err != nil {
			return fmt.Errorf("upsert %s: %w", snap.Facility, err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot returns the facility snapshots of a run at time now, in the
// order they were saved.
func (s *Store) LoadSnapshot(ctx context.Context, runID string, now int64) ([]sim.FacilitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM snapshots WHERE run_id=? AND time=? ORDER BY seq`, runID, now)
	if err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snaps []sim.FacilitySnapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var snap sim.FacilitySnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("run %s at %d: %w", runID, now, ErrNoSnapshot)
	}
	return snaps, nil
}

// LatestSnapshot returns the time of the run's most recent snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (int64, error) {
	var now sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(time) FROM snapshots WHERE run_id=?`, runID).Scan(&now); err != nil {
		return 0, fmt.Errorf("select latest snapshot: %w", err)
	}
	if !now.Valid {
		return 0, fmt.Errorf("run %s: %w", runID, ErrNoSnapshot)
	}
	return now.Int64, nil
}
