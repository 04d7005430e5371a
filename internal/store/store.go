// Package store provides the SQLite-backed journal for armctl.
//
// The journal is append-only history: events, command runs and decision
// records. Runtime state is never rebuilt from it.
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
	"time"

	"github.com/fentz26/armctl/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultLimit caps list queries when no limit is given.
const DefaultLimit = 100

// Store provides access to the armctl SQLite journal.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		robot TEXT,
		from_state TEXT,
		to_state TEXT,
		data TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS command_runs (
		execution_id TEXT PRIMARY KEY,
		robot TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT,
		result TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		robot TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_robot ON events(robot, timestamp);
	CREATE INDEX IF NOT EXISTS idx_command_runs_robot ON command_runs(robot, started_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_robot ON pdr(robot, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// --- Event Operations ---

// AppendEvent journals a bus event.
func (s *Store) AppendEvent(ev models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var data []byte
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (id, path, kind, robot, from_state, to_state, data, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, strings.Join(ev.Path, "/"), ev.Kind, ev.Robot, ev.From, ev.To, string(data), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first. An empty robot
// lists events of every robot.
func (s *Store) ListEvents(robot string, limit int) ([]models.Event, error) {
	query := `SELECT id, path, kind, robot, from_state, to_state, data, timestamp FROM events`
	args := []interface{}{}
	if robot != "" {
		query += ` WHERE robot = ?`
		args = append(args, robot)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var path string
		var robotName, from, to, data sql.NullString
		if err := rows.Scan(&ev.ID, &path, &ev.Kind, &robotName, &from, &to, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if path != "" {
			ev.Path = strings.Split(path, "/")
		}
		ev.Robot = robotName.String
		ev.From = from.String
		ev.To = to.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Command Run Operations ---

// RecordRun journals a finished command invocation. Recording the same
// execution twice keeps the latest.
func (s *Store) RecordRun(run models.CommandRun) error {
	var endedAt interface{}
	if !run.EndedAt.IsZero() {
		endedAt = run.EndedAt
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO command_runs (execution_id, robot, command, status, kind, result, error, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ExecutionID, run.Robot, run.Command, string(run.Status), run.Kind, run.Result, run.Error, run.StartedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command run: %w", err)
	}
	return nil
}

// GetRun returns one command run.
func (s *Store) GetRun(executionID string) (*models.CommandRun, error) {
	row := s.db.QueryRow(
		`SELECT execution_id, robot, command, status, kind, result, error, started_at, ended_at FROM command_runs WHERE execution_id = ?`,
		executionID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("command run %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent command runs, newest first.
func (s *Store) ListRuns(robot string, limit int) ([]models.CommandRun, error) {
	query := `SELECT execution_id, robot, command, status, kind, result, error, started_at, ended_at FROM command_runs`
	args := []interface{}{}
	if robot != "" {
		query += ` WHERE robot = ?`
		args = append(args, robot)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query command runs: %w", err)
	}
	defer rows.Close()

	var runs []models.CommandRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.CommandRun, error) {
	var run models.CommandRun
	var status string
	var kind, result, errText sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&run.ExecutionID, &run.Robot, &run.Command, &status, &kind, &result, &errText, &run.StartedAt, &endedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan command run: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.Kind = kind.String
	run.Result = result.String
	run.Error = errText.String
	if endedAt.Valid {
		run.EndedAt = endedAt.Time
	}
	return &run, nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, robot, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Robot:      robot,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, robot, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.Robot, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent decision records, newest first.
func (s *Store) ListPDR(robot string, limit int) ([]models.PDREntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, robot, details, timestamp FROM pdr`
	args := []interface{}{}
	if robot != "" {
		query += ` WHERE robot = ?`
		args = append(args, robot)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var robotName, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &robotName, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Robot = robotName.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes events and decision records older than before.
func (s *Store) Prune(before time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		`DELETE FROM events WHERE timestamp < ?`,
		`DELETE FROM pdr WHERE timestamp < ?`,
		`DELETE FROM command_runs WHERE started_at < ?`,
	} {
		res, err := tx.Exec(q, before.UTC())
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}
