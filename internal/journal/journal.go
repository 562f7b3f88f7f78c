// Package journal keeps the Postgres history of finished grading runs.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"

	"saiten/internal/coordinator"
	"saiten/internal/observability"
)

// Run is one journalled grading run.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	SessionID       string          `json:"sessionId"`
	JobID           string          `json:"jobId"`
	BatchID         string          `json:"batchId"`
	Outcome         string          `json:"outcome"`
	TotalUnits      int             `json:"totalUnits"`
	ProcessedUnits  int             `json:"processedUnits"`
	SuccessfulUnits int             `json:"successfulUnits"`
	SuccessRate     decimal.Decimal `json:"successRate"`
	Message         string          `json:"message,omitempty"`
	ErrorCount      int             `json:"errorCount"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt"`
}

// RunError is one per-unit failure of a journalled run.
type RunError struct {
	UnitID  string `json:"unitId"`
	Message string `json:"message"`
}

// runSummary is the jsonb payload stored alongside the columns.
type runSummary struct {
	Percent    int `json:"percent"`
	ErrorCount int `json:"errorCount"`
}

// Journal wraps run history access over a shared pooled *sql.DB.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	tracer *observability.Tracer
}

func New(db *sql.DB, logger *slog.Logger, tracer *observability.Tracer) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Journal{db: db, logger: logger, tracer: tracer}
}

// RecordRun appends one finished run and its per-unit failures.
// Implements the coordinator's Recorder.
func (j *Journal) RecordRun(ctx context.Context, run coordinator.RunRecord) error {
	ctx, span := j.tracer.StartDBQuery(ctx, "record_run")
	defer span.End()

	rate := successRate(run.SuccessfulUnits, run.TotalUnits)
	percent := 0
	if run.TotalUnits > 0 {
		percent = int(decimal.NewFromInt(int64(run.ProcessedUnits)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(run.TotalUnits))).
			Round(0).IntPart())
	}

	summary, err := json.Marshal(runSummary{Percent: percent, ErrorCount: len(run.UnitErrors)})
	if err != nil {
		j.tracer.RecordError(span, err)
		return fmt.Errorf("marshal run summary: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		j.tracer.RecordError(span, err)
		return fmt.Errorf("begin run insert: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO grading_runs (
			id, session_id, job_id, batch_id, outcome,
			total_units, processed_units, successful_units, success_rate,
			message, summary, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, run.SessionID, run.JobID, run.BatchID, run.Outcome,
		run.TotalUnits, run.ProcessedUnits, run.SuccessfulUnits, rate,
		run.Message, pqtype.NullRawMessage{RawMessage: summary, Valid: true},
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		j.tracer.RecordError(span, err)
		return fmt.Errorf("insert grading run: %w", err)
	}

	for i, ue := range run.UnitErrors {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grading_run_errors (run_id, position, unit_id, message)
			VALUES ($1, $2, $3, $4)`,
			id, i, ue.UnitID, ue.Message,
		)
		if err != nil {
			j.tracer.RecordError(span, err)
			return fmt.Errorf("insert run error %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		j.tracer.RecordError(span, err)
		return fmt.Errorf("commit run insert: %w", err)
	}
	return nil
}

// ListRuns returns the session's run history, newest first.
func (j *Journal) ListRuns(ctx context.Context, sessionID string, limit, offset int) ([]Run, error) {
	ctx, span := j.tracer.StartDBQuery(ctx, "list_runs")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT r.id, r.session_id, r.job_id, r.batch_id, r.outcome,
		       r.total_units, r.processed_units, r.successful_units, r.success_rate,
		       r.message,
		       (SELECT count(*) FROM grading_run_errors e WHERE e.run_id = r.id) AS error_count,
		       r.started_at, r.finished_at
		FROM grading_runs r
		WHERE r.session_id = $1
		ORDER BY r.finished_at DESC
		LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		j.tracer.RecordError(span, err)
		return nil, fmt.Errorf("list grading runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.JobID, &r.BatchID, &r.Outcome,
			&r.TotalUnits, &r.ProcessedUnits, &r.SuccessfulUnits, &r.SuccessRate,
			&r.Message, &r.ErrorCount, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			j.tracer.RecordError(span, err)
			return nil, fmt.Errorf("scan grading run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		j.tracer.RecordError(span, err)
		return nil, fmt.Errorf("iterate grading runs: %w", err)
	}
	return runs, nil
}

// ErrRunNotFound is returned by GetRun for an unknown or foreign run id.
var ErrRunNotFound = fmt.Errorf("RUN_NOT_FOUND: no such grading run")

// GetRun returns one run with its full per-unit error list. The
// session id scopes the lookup so sessions cannot read each other's
// history.
func (j *Journal) GetRun(ctx context.Context, sessionID string, runID uuid.UUID) (*Run, []RunError, error) {
	ctx, span := j.tracer.StartDBQuery(ctx, "get_run")
	defer span.End()

	var r Run
	err := j.db.QueryRowContext(ctx, `
		SELECT r.id, r.session_id, r.job_id, r.batch_id, r.outcome,
		       r.total_units, r.processed_units, r.successful_units, r.success_rate,
		       r.message,
		       (SELECT count(*) FROM grading_run_errors e WHERE e.run_id = r.id) AS error_count,
		       r.started_at, r.finished_at
		FROM grading_runs r
		WHERE r.id = $1 AND r.session_id = $2`,
		runID, sessionID,
	).Scan(
		&r.ID, &r.SessionID, &r.JobID, &r.BatchID, &r.Outcome,
		&r.TotalUnits, &r.ProcessedUnits, &r.SuccessfulUnits, &r.SuccessRate,
		&r.Message, &r.ErrorCount, &r.StartedAt, &r.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, ErrRunNotFound
	}
	if err != nil {
		j.tracer.RecordError(span, err)
		return nil, nil, fmt.Errorf("get grading run: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT unit_id, message
		FROM grading_run_errors
		WHERE run_id = $1
		ORDER BY position`,
		runID,
	)
	if err != nil {
		j.tracer.RecordError(span, err)
		return nil, nil, fmt.Errorf("list run errors: %w", err)
	}
	defer rows.Close()

	var errsList []RunError
	for rows.Next() {
		var re RunError
		if err := rows.Scan(&re.UnitID, &re.Message); err != nil {
			j.tracer.RecordError(span, err)
			return nil, nil, fmt.Errorf("scan run error: %w", err)
		}
		errsList = append(errsList, re)
	}
	if err := rows.Err(); err != nil {
		j.tracer.RecordError(span, err)
		return nil, nil, fmt.Errorf("iterate run errors: %w", err)
	}
	return &r, errsList, nil
}

// successRate is the exact percentage of successful units, two decimal
// places, computed without float drift.
func successRate(successful, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(successful)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
}
