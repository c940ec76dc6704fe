package storage

// maintenance_runs.go holds the audit of every maintenance dispatch.

import (
	"fmt"
	"time"
)

// MaintenanceRun is one dispatch of the maintenance helper.
type MaintenanceRun struct {
	ID             int64
	RunID          string
	SweepID        string
	Task           string
	EnlistmentRoot string
	Owner          string
	ExitCode       int
	Success        bool
	Error          string
	Stdout         string
	Stderr         string
	StartedAt      time.Time
	Duration       time.Duration
}

// RecordMaintenance appends a run and prunes the oldest rows beyond the
// retention limit in one transaction.
func (s *SQLiteStore) RecordMaintenance(run *MaintenanceRun) error {
	if run == nil {
		return fmt.Errorf("maintenance run cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO maintenance_runs
			(run_id, sweep_id, task, enlistment_root, owner, exit_code, success, error, stdout, stderr, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery,
		run.RunID,
		run.SweepID,
		run.Task,
		run.EnlistmentRoot,
		run.Owner,
		run.ExitCode,
		boolToInt(run.Success),
		run.Error,
		run.Stdout,
		run.Stderr,
		run.StartedAt.UTC().Format(timeLayout),
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert maintenance run: %w", err)
	}

	if s.maxRows > 0 {
		const pruneQuery = `
			DELETE FROM maintenance_runs
			WHERE id NOT IN (SELECT id FROM maintenance_runs ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, s.maxRows); err != nil {
			return fmt.Errorf("prune maintenance runs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit maintenance run: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	s.logger.Debug().Str("run_id", run.RunID).Str("task", run.Task).Str("enlistment_root", run.EnlistmentRoot).
		Bool("success", run.Success).Msg("recorded maintenance run")
	return nil
}

// ListMaintenanceRuns returns runs newest first. An empty root lists every
// enlistment; limit <= 0 means no limit.
func (s *SQLiteStore) ListMaintenanceRuns(root string, limit int) ([]*MaintenanceRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, run_id, sweep_id, task, enlistment_root, owner, exit_code, success, error, stdout, stderr, started_at, duration_ms
		FROM maintenance_runs
	`
	var args []interface{}
	if root != "" {
		query += " WHERE enlistment_root = ?"
		args = append(args, root)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query maintenance runs: %w", err)
	}
	defer rows.Close()

	var runs []*MaintenanceRun
	for rows.Next() {
		var (
			run        MaintenanceRun
			success    int
			startedStr string
			durationMs int64
		)
		err := rows.Scan(
			&run.ID,
			&run.RunID,
			&run.SweepID,
			&run.Task,
			&run.EnlistmentRoot,
			&run.Owner,
			&run.ExitCode,
			&success,
			&run.Error,
			&run.Stdout,
			&run.Stderr,
			&startedStr,
			&durationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan maintenance run row: %w", err)
		}
		started, err := time.Parse(time.RFC3339Nano, startedStr)
		if err != nil {
			return nil, fmt.Errorf("parse maintenance run started_at: %w", err)
		}
		run.Success = success != 0
		run.StartedAt = started
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate maintenance run rows: %w", err)
	}
	return runs, nil
}

// TaskSummary aggregates runs of one task.
type TaskSummary struct {
	Task      string
	Total     int
	Failures  int
	LastRunAt time.Time
}

// SummarizeMaintenance groups runs started within window by task.
func (s *SQLiteStore) SummarizeMaintenance(window time.Duration) ([]TaskSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().Add(-window).UTC().Format(timeLayout)
	rows, err := s.db.Query(`
		SELECT task, COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), MAX(started_at)
		FROM maintenance_runs
		WHERE started_at >= ?
		GROUP BY task
		ORDER BY task
	`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize maintenance runs: %w", err)
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var (
			sum     TaskSummary
			lastStr string
		)
		if err := rows.Scan(&sum.Task, &sum.Total, &sum.Failures, &lastStr); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, lastStr); err == nil {
			sum.LastRunAt = t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
