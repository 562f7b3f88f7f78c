package journal

import (
	"context"
	"fmt"
	"time"
)

// DeleteExpiredRuns deletes runs with the given outcome that finished
// before cutoff. Their per-unit error rows go with them via cascade.
func (j *Journal) DeleteExpiredRuns(ctx context.Context, outcome string, cutoff time.Time) (int64, error) {
	ctx, span := j.tracer.StartDBQuery(ctx, "delete_expired_runs")
	defer span.End()

	res, err := j.db.ExecContext(ctx, `
		DELETE FROM grading_runs
		WHERE outcome = $1 AND finished_at < $2`,
		outcome, cutoff,
	)
	if err != nil {
		j.tracer.RecordError(span, err)
		return 0, fmt.Errorf("delete expired runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted runs: %w", err)
	}
	return n, nil
}
