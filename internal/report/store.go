// Package report keeps a SQLite journal of finished runs so operators can
// audit what a batch did and which instances failed.
package report

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkosonen/vmherd/pkg/api"
)

// Store is a SQLite-backed run journal.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Run is one journal entry covering a whole batch.
type Run struct {
	ID         string
	Operation  string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Failed     int
}

// Result is the per-instance outcome of a run.
type Result struct {
	InstanceID string
	VMName     string
	Address    string
	Power      string
	Error      string
}

// Record writes one run and all of its per-instance results atomically.
func (s *Store) Record(ctx context.Context, run Run, results map[string]*api.Instance) error {
	run.Total = len(results)
	run.Failed = 0
	for _, inst := range results {
		if inst.Failed() {
			run.Failed++
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, operation, started_at, finished_at, total, failed) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Operation, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Total, run.Failed,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inst := results[id]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_results (run_id, instance_id, vm_name, address, power, error) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, id, inst.VMName, inst.Address, inst.Power, inst.Error,
		); err != nil {
			return fmt.Errorf("insert result %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Recent lists the newest runs, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, started_at, finished_at, total, failed FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Operation, &r.StartedAt, &r.FinishedAt, &r.Total, &r.Failed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Results lists the per-instance outcomes of one run, ordered by id.
func (s *Store) Results(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, vm_name, address, power, error FROM run_results WHERE run_id = ? ORDER BY instance_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.InstanceID, &r.VMName, &r.Address, &r.Power, &r.Error); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
