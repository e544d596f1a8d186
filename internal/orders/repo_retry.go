package orders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RetryRepo persists per-order retry progress so a pantry restart does not
// reset attempt counts.
type RetryRepo struct{ DB *pgxpool.Pool }

// Bump increments (or creates) the failed-attempt counter and returns the
// new count. The next attempt time is written in the same statement, from
// the delay matching the new count; a freshly bumped row is never visible
// as already due.
func (r *RetryRepo) Bump(ctx context.Context, orderID int64, delays []time.Duration) (attempts int, err error) {
	secs := make([]float64, len(delays))
	for i, d := range delays {
		secs[i] = d.Seconds()
	}
	err = r.DB.QueryRow(ctx, `
		INSERT INTO order_retries(order_id, attempts, next_attempt_at)
		VALUES ($1, 1, now() + make_interval(secs => ($2::float8[])[1]))
		ON CONFLICT (order_id) DO UPDATE
		SET attempts = order_retries.attempts + 1,
		    next_attempt_at = now() + make_interval(secs => ($2::float8[])[LEAST(order_retries.attempts + 1, $3)])
		RETURNING attempts`, orderID, secs, len(delays)).Scan(&attempts)
	return attempts, err
}

func (r *RetryRepo) Delete(ctx context.Context, orderID int64) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM order_retries WHERE order_id=$1`, orderID)
	return err
}

// Due returns orders whose backoff has elapsed, oldest first.
func (r *RetryRepo) Due(ctx context.Context, now time.Time, limit int) ([]Retry, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, attempts, next_attempt_at FROM order_retries
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Retry
	for rows.Next() {
		var rt Retry
		if err := rows.Scan(&rt.OrderID, &rt.Attempts, &rt.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}
