// Package profile persists opcode profiles to SQLite so runs can be
// compared and aggregated after the process exits.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/kestrel/vm"
)

var log = commonlog.GetLogger("kestrel.profile")

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("profile run not found")

// Opcodes are stored by name so databases survive renumbering.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		label      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		total      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS opcodes (
		run_id TEXT NOT NULL,
		op     TEXT NOT NULL,
		count  INTEGER NOT NULL,
		PRIMARY KEY (run_id, op)
	)`,
	`CREATE TABLE IF NOT EXISTS pairs (
		run_id TEXT NOT NULL,
		first  TEXT NOT NULL,
		second TEXT NOT NULL,
		count  INTEGER NOT NULL,
		PRIMARY KEY (run_id, first, second)
	)`,
}

// Store is an opcode profile database.
type Store struct {
	db   *sql.DB
	path string
}

// Run describes one saved profile.
type Run struct {
	ID      uuid.UUID
	Label   string
	Created time.Time
	Total   uint64
}

// OpcodeRow is an aggregated opcode count.
type OpcodeRow struct {
	Op    string
	Count uint64
}

// PairRow is an aggregated count of Second executing right after First.
type PairRow struct {
	First  string
	Second string
	Count  uint64
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Save records snap under a new run id.
func (s *Store) Save(ctx context.Context, label string, snap vm.ProfileSnapshot) (Run, error) {
	run := Run{
		ID:      uuid.New(),
		Label:   label,
		Created: time.Now().UTC().Truncate(time.Millisecond),
		Total:   snap.Total(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (id, label, created_at, total) VALUES (?, ?, ?, ?)",
		run.ID.String(), run.Label, run.Created.UnixMilli(), int64(run.Total),
	); err != nil {
		return Run{}, fmt.Errorf("saving run: %w", err)
	}
	for _, c := range snap.Opcodes {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO opcodes (run_id, op, count) VALUES (?, ?, ?)",
			run.ID.String(), c.Op.String(), int64(c.Count),
		); err != nil {
			return Run{}, fmt.Errorf("saving opcode %s: %w", c.Op, err)
		}
	}
	for _, c := range snap.Pairs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO pairs (run_id, first, second, count) VALUES (?, ?, ?, ?)",
			run.ID.String(), c.First.String(), c.Second.String(), int64(c.Count),
		); err != nil {
			return Run{}, fmt.Errorf("saving pair %s %s: %w", c.First, c.Second, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit: %w", err)
	}
	log.Infof("saved profile run %s (%s, %d instructions)", run.ID, run.Label, run.Total)
	return run, nil
}

// Delete removes a run and its rows.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	for _, table := range []string{"opcodes", "pairs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", id.String()); err != nil {
			return fmt.Errorf("deleting %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// Runs lists saved runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, label, created_at, total FROM runs ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one saved run.
func (s *Store) Run(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, label, created_at, total FROM runs WHERE id = ?", id.String())
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		id      string
		r       Run
		created int64
		total   int64
	)
	if err := sc.Scan(&id, &r.Label, &created, &total); err != nil {
		return Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Run{}, fmt.Errorf("run id %q: %w", id, err)
	}
	r.ID = parsed
	r.Created = time.UnixMilli(created).UTC()
	r.Total = uint64(total)
	return r, nil
}

// runFilter builds a WHERE clause restricting run_id to ids.
func runFilter(ids []uuid.UUID) (string, []any) {
	if len(ids) == 0 {
		return "", nil
	}
	clause := " WHERE run_id IN ("
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			clause += ", "
		}
		clause += "?"
		args[i] = id.String()
	}
	return clause + ")", args
}

// TopOpcodes sums opcode counts over the given runs (all runs when none
// are named) and returns the n largest. n <= 0 returns every row.
func (s *Store) TopOpcodes(ctx context.Context, n int, runs ...uuid.UUID) ([]OpcodeRow, error) {
	where, args := runFilter(runs)
	q := "SELECT op, SUM(count) AS total FROM opcodes" + where +
		" GROUP BY op ORDER BY total DESC, op"
	if n > 0 {
		q += fmt.Sprintf(" LIMIT %d", n)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying opcodes: %w", err)
	}
	defer rows.Close()

	var out []OpcodeRow
	for rows.Next() {
		var r OpcodeRow
		var count int64
		if err := rows.Scan(&r.Op, &count); err != nil {
			return nil, err
		}
		r.Count = uint64(count)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopPairs is TopOpcodes for instruction pairs.
func (s *Store) TopPairs(ctx context.Context, n int, runs ...uuid.UUID) ([]PairRow, error) {
	where, args := runFilter(runs)
	q := "SELECT first, second, SUM(count) AS total FROM pairs" + where +
		" GROUP BY first, second ORDER BY total DESC, first, second"
	if n > 0 {
		q += fmt.Sprintf(" LIMIT %d", n)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pairs: %w", err)
	}
	defer rows.Close()

	var out []PairRow
	for rows.Next() {
		var r PairRow
		var count int64
		if err := rows.Scan(&r.First, &r.Second, &count); err != nil {
			return nil, err
		}
		r.Count = uint64(count)
		out = append(out, r)
	}
	return out, rows.Err()
}
