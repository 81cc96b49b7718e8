package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
)

var _ orchestrator.Archive = (*Store)(nil)

// SaveExecution upserts rec and replaces its task log.
func (s *Store) SaveExecution(ctx context.Context, rec *orchestrator.ExecutionRecord) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (id, workflow_id, crew_name, status, progress, current_task, current_agent,
				tokens_used, execution_time_ms, total_tasks, error, created_at, started_at, completed_at, cancelled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				progress = EXCLUDED.progress,
				current_task = EXCLUDED.current_task,
				current_agent = EXCLUDED.current_agent,
				tokens_used = EXCLUDED.tokens_used,
				execution_time_ms = EXCLUDED.execution_time_ms,
				error = EXCLUDED.error,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at,
				cancelled_at = EXCLUDED.cancelled_at`,
			rec.ExecutionID, rec.WorkflowID, rec.CrewName, string(rec.Status), rec.Progress,
			rec.CurrentTask, rec.CurrentAgent, rec.TokensUsed, rec.ExecutionTime.Milliseconds(),
			rec.TotalTasks, rec.Error, rec.CreatedAt, rec.StartedAt, rec.CompletedAt, rec.CancelledAt,
		)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM execution_logs WHERE execution_id = $1`, rec.ExecutionID); err != nil {
			return err
		}
		if len(rec.Results) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, r := range rec.Results {
			batch.Queue(`
				INSERT INTO execution_logs (execution_id, seq, task_name, status, result, error, agent,
					execution_time_ms, tokens_used, started_at, finished_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				rec.ExecutionID, i, r.TaskName, string(r.Status), r.Result, r.Error, r.Agent,
				r.ExecutionTime.Milliseconds(), r.TokensUsed, nullTime(r.StartedAt), nullTime(r.FinishedAt),
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// ListExecutions returns up to limit executions of workflowID, most
// recently started first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]orchestrator.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.workflow_id, e.status, e.created_at, e.started_at,
		       COALESCE(e.completed_at, e.cancelled_at), e.execution_time_ms, e.tokens_used,
		       (SELECT count(*) FROM execution_logs l WHERE l.execution_id = e.id),
		       e.total_tasks, e.error
		FROM executions e
		WHERE e.workflow_id = $1
		ORDER BY e.started_at DESC NULLS LAST, e.created_at DESC, e.id
		LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions %s: %w", workflowID, err)
	}
	defer rows.Close()

	var entries []orchestrator.HistoryEntry
	for rows.Next() {
		var (
			h      orchestrator.HistoryEntry
			status string
			execMS int64
		)
		if err := rows.Scan(&h.ExecutionID, &h.WorkflowID, &status, &h.CreatedAt, &h.StartedAt,
			&h.CompletedAt, &execMS, &h.TokensUsed, &h.TasksDone, &h.TotalTasks, &h.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		h.Status = orchestrator.Status(status)
		h.ExecutionTime = time.Duration(execMS) * time.Millisecond
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// GetExecution loads an archived execution with its task results.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*orchestrator.ExecutionRecord, error) {
	var (
		rec    orchestrator.ExecutionRecord
		status string
		execMS int64
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, workflow_id, crew_name, status, progress, current_task, current_agent,
		       tokens_used, execution_time_ms, total_tasks, error, created_at, started_at, completed_at, cancelled_at
		FROM executions WHERE id = $1`, executionID).Scan(
		&rec.ExecutionID, &rec.WorkflowID, &rec.CrewName, &status, &rec.Progress,
		&rec.CurrentTask, &rec.CurrentAgent, &rec.TokensUsed, &execMS, &rec.TotalTasks,
		&rec.Error, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &rec.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get execution %s: %w", executionID, orchestrator.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	rec.Status = orchestrator.Status(status)
	rec.ExecutionTime = time.Duration(execMS) * time.Millisecond

	rows, err := s.db.Query(ctx, `
		SELECT task_name, status, result, error, agent, execution_time_ms, tokens_used,
		       started_at, finished_at
		FROM execution_logs WHERE execution_id = $1
		ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution logs %s: %w", executionID, err)
	}
	defer rows.Close()

	rec.Results = []orchestrator.TaskResult{}
	for rows.Next() {
		var (
			r                 orchestrator.TaskResult
			rstatus           string
			ms                int64
			started, finished *time.Time
		)
		if err := rows.Scan(&r.TaskName, &rstatus, &r.Result, &r.Error, &r.Agent, &ms, &r.TokensUsed,
			&started, &finished); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		r.Status = orchestrator.Status(rstatus)
		r.ExecutionTime = time.Duration(ms) * time.Millisecond
		if started != nil {
			r.StartedAt = *started
		}
		if finished != nil {
			r.FinishedAt = *finished
		}
		rec.Results = append(rec.Results, r)
	}
	return &rec, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
